package pg

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"deribit_bot/internal/models"
	"deribit_bot/pkg/db"
)

// Store implement db store
type Store struct {
	tm db.TxManager
}

func New(tm db.TxManager) *Store {
	return &Store{tm: tm}
}

// Migrate создаёт таблицы; вызывается из fx OnStart.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS strategy_instances (
    user_id     BIGINT      NOT NULL,
    strategy    TEXT        NOT NULL,
    instrument  TEXT        NOT NULL,
    broker      TEXT        NOT NULL,
    env         TEXT        NOT NULL,
    status      TEXT        NOT NULL,
    resumable   BOOLEAN     NOT NULL DEFAULT FALSE,
    started_at  TIMESTAMPTZ NOT NULL,
    state       JSONB       NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, strategy, instrument, broker, env)
);
CREATE TABLE IF NOT EXISTS trades (
    id          TEXT PRIMARY KEY,
    user_id     BIGINT      NOT NULL,
    strategy    TEXT        NOT NULL,
    instrument  TEXT        NOT NULL,
    payload     JSONB       NOT NULL,
    closed_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS broker_credentials (
    user_id     BIGINT NOT NULL,
    broker      TEXT   NOT NULL,
    env         TEXT   NOT NULL,
    api_key     TEXT   NOT NULL,
    api_secret  TEXT   NOT NULL,
    PRIMARY KEY (user_id, broker, env)
);`
	_, err := s.tm.Conn().Exec(ctx, ddl)
	return errors.Wrap(err, "migrate")
}

func (s *Store) Save(ctx context.Context, inst *models.StrategyInstance) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Store.Save: %w", err)
		}
	}()

	var blob []byte
	blob, err = sonic.Marshal(inst)
	if err != nil {
		return err
	}

	return s.tm.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx, `
INSERT INTO strategy_instances (user_id, strategy, instrument, broker, env, status, resumable, started_at, state, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())
ON CONFLICT (user_id, strategy, instrument, broker, env)
DO UPDATE SET status = $6, resumable = $7, state = $9, updated_at = now()`,
			inst.Key.UserID, inst.Key.Strategy, inst.Key.Instrument,
			string(inst.Key.Broker), string(inst.Key.Env),
			string(inst.Status), inst.Resumable, inst.StartedAt, blob,
		)
		return err
	})
}

func (s *Store) LoadAll(ctx context.Context) (res []*models.StrategyInstance, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Store.LoadAll: %w", err)
		}
	}()

	rows, err := s.tm.Conn().Query(ctx, `SELECT state FROM strategy_instances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var blob []byte
		if err = rows.Scan(&blob); err != nil {
			return nil, err
		}
		var inst models.StrategyInstance
		if err = sonic.Unmarshal(blob, &inst); err != nil {
			return nil, err
		}
		res = append(res, &inst)
	}
	return res, rows.Err()
}

func (s *Store) Delete(ctx context.Context, key models.InstanceKey) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Store.Delete: %w", err)
		}
	}()

	_, err = s.tm.Conn().Exec(ctx, `
DELETE FROM strategy_instances
WHERE user_id=$1 AND strategy=$2 AND instrument=$3 AND broker=$4 AND env=$5`,
		key.UserID, key.Strategy, key.Instrument, string(key.Broker), string(key.Env))
	return err
}

func (s *Store) Record(ctx context.Context, t *models.Trade) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Store.Record: %w", err)
		}
	}()

	var blob []byte
	blob, err = sonic.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.tm.Conn().Exec(ctx, `
INSERT INTO trades (id, user_id, strategy, instrument, payload, closed_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO NOTHING`,
		t.ID, t.UserID, t.Strategy, t.Instrument, blob, t.ClosedAt)
	return err
}

// Load — CredentialsStore поверх той же базы. nil без ошибки, если ключей нет.
func (s *Store) Load(ctx context.Context, userID int64, broker models.Broker, env models.Env) (*models.Credentials, error) {
	row := s.tm.Conn().QueryRow(ctx, `
SELECT api_key, api_secret FROM broker_credentials
WHERE user_id=$1 AND broker=$2 AND env=$3`,
		userID, string(broker), string(env))

	var c models.Credentials
	if err := row.Scan(&c.APIKey, &c.APISecret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("Store.Load: %w", err)
	}
	return &c, nil
}
