package deribit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"

	"deribit_bot/internal/models"
	"deribit_bot/internal/modules/deribit/service"
	healthsvc "deribit_bot/internal/modules/health/service"
	"deribit_bot/internal/notify"
)

func Module() fx.Option {
	return fx.Module("deribit",
		fx.Provide(
			service.NewRegistry,
		),
		fx.Invoke(wireState),
	)
}

// wireState: смены состояния соединений уходят в health и в уведомления.
func wireState(r *service.Registry, st *healthsvc.State, n notify.Notifier) {
	r.OnState = func(key models.ConnKey, up bool) {
		st.SetWSConnected(up)

		typ := models.EventConnectionUp
		msg := fmt.Sprintf("🔌 соединение %s/%s поднято", key.Broker, key.Env)
		if !up {
			typ = models.EventConnectionLost
			msg = fmt.Sprintf("⚠️ соединение %s/%s потеряно", key.Broker, key.Env)
		}
		n.Emit(context.Background(), models.Event{
			ID:      uuid.NewString(),
			Type:    typ,
			At:      time.Now(),
			UserID:  key.UserID,
			Message: msg,
		})
	}
}
