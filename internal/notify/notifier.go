package notify

import (
	"context"
	"log"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"deribit_bot/internal/models"
)

type Notifier interface {
	Emit(ctx context.Context, ev models.Event)
}

// Telegram — пассивный нотифайер: доменные события уходят сообщениями в чат.
type Telegram struct {
	bot    *tgbot.BotAPI
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chatID: chatID}, nil
}

func (t *Telegram) Emit(_ context.Context, ev models.Event) {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return
	}
	_, _ = t.bot.Send(tgbot.NewMessage(t.chatID, ev.Message))
}

// Stdout — заглушка: всё в лог.
type Stdout struct{}

func NewStdout() *Stdout { return &Stdout{} }

func (s *Stdout) Emit(_ context.Context, ev models.Event) {
	log.Printf("[EVENT %s] user=%d %s", ev.Type, ev.UserID, ev.Message)
}

// Fanout — размножение события по нескольким приёмникам.
type Fanout []Notifier

func (f Fanout) Emit(ctx context.Context, ev models.Event) {
	for _, n := range f {
		n.Emit(ctx, ev)
	}
}
