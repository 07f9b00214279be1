package telegram_bot

import (
	"go.uber.org/fx"

	"deribit_bot/internal/modules/config"
	"deribit_bot/internal/notify"
	"deribit_bot/pkg/logger"
)

func Module() fx.Option {
	return fx.Module("telegram_bot",
		fx.Provide(newNotifier),
	)
}

// newNotifier: без токена события уходят только в stdout.
func newNotifier(cfg *config.Config) notify.Notifier {
	if cfg.Telegram.Token == "" {
		logger.Info("telegram: токена нет, события только в stdout")
		return notify.NewStdout()
	}
	tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
	if err != nil {
		logger.Error("telegram init: %v", err)
		return notify.NewStdout()
	}
	return notify.Fanout{tg, notify.NewStdout()}
}
