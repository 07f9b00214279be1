package runner

import (
	"context"

	"go.uber.org/fx"

	"deribit_bot/pkg/logger"
)

func Module() fx.Option {
	return fx.Module("runner",
		fx.Provide(
			NewConnector,
			New,
		),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(lc fx.Lifecycle, m *Manager) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := m.ResumeAll(context.Background()); err != nil {
					logger.Error("resume all: %v", err)
				}
				if m.health != nil {
					m.health.SetReady(true)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return m.Shutdown(ctx)
		},
	})
}
