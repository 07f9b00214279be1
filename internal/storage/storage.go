package storage

import (
	"context"

	"deribit_bot/internal/models"
)

// CredentialsStore — внешний сервис ключей; ядро только читает.
type CredentialsStore interface {
	Load(ctx context.Context, userID int64, broker models.Broker, env models.Env) (*models.Credentials, error)
}

// StateStore — персист экземпляров стратегий. Save обязан флашить до
// постановки зависимых ордеров: падение посреди секвенции должно
// восстанавливаться в консистентное состояние.
type StateStore interface {
	Save(ctx context.Context, inst *models.StrategyInstance) error
	LoadAll(ctx context.Context) ([]*models.StrategyInstance, error)
	Delete(ctx context.Context, key models.InstanceKey) error
}

// TradeHistory — журнал закрытых сделок.
type TradeHistory interface {
	Record(ctx context.Context, t *models.Trade) error
}
