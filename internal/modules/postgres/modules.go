package postgres

import (
	"context"
	"fmt"

	"deribit_bot/internal/modules/config"
	"deribit_bot/internal/storage"
	"deribit_bot/internal/storage/pg"
	"deribit_bot/pkg/db"

	"go.uber.org/fx"
)

// ProvideAppConfig регистрируем как fx-провайдер.
func Module() fx.Option {
	return fx.Module("postgres",
		fx.Provide(
			func(ctx context.Context, cfg *config.Config) (*db.PgTxManager, error) {
				poolMaster, err := db.NewPool(ctx, db.PoolConfig{
					DSN: cfg.DB,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to create poolMaster: %w", err)
				}

				err = poolMaster.Ping(ctx)
				if err != nil {
					return nil, err
				}

				return db.NewPgTxManager(poolMaster), nil
			},
			func(tm *db.PgTxManager) *pg.Store { return pg.New(tm) },
			func(s *pg.Store) storage.StateStore { return s },
			func(s *pg.Store) storage.TradeHistory { return s },
			func(s *pg.Store) storage.CredentialsStore { return s },
		),
		fx.Invoke(func(ctx context.Context, s *pg.Store) error {
			return s.Migrate(ctx)
		}),
	)
}
