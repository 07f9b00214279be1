package main

import (
	"context"
	"log"

	"go.uber.org/fx"

	"deribit_bot/internal/modules/config"
	"deribit_bot/internal/modules/deribit"
	"deribit_bot/internal/modules/health"
	"deribit_bot/internal/modules/postgres"
	"deribit_bot/internal/runner"

	telegram "deribit_bot/internal/modules/telegram_bot"

	"deribit_bot/pkg/logger"
	"deribit_bot/pkg/tracing"
)

func main() {
	logger.SetServiceName("deribit_bot")
	tracing.SetServiceName("deribit_bot")

	app := fx.New(
		fx.Provide(
			func() context.Context {
				return context.Background()
			},
		),
		config.Module(),
		postgres.Module(),
		health.Module(),
		deribit.Module(),
		telegram.Module(),
		runner.Module(),
		fx.Invoke(initTracing),
	)
	if err := app.Err(); err != nil {
		log.Fatal(err)
	}
	app.Run()
}

func initTracing(lc fx.Lifecycle, cfg *config.Config) error {
	if cfg.Jaeger.Host == "" {
		return nil
	}
	_, closeTracer, err := tracing.InitTracer(tracing.Config{
		Host: cfg.Jaeger.Host,
		Port: cfg.Jaeger.Port,
	})
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			closeTracer()
			return nil
		},
	})
	return nil
}
