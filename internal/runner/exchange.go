package runner

import (
	"context"

	"deribit_bot/internal/bracket"
	"deribit_bot/internal/models"
	deribit "deribit_bot/internal/modules/deribit/service"
)

// Exchange — то, что оркестратору нужно от протокольного клиента.
// Включает минимум брекета, чтобы один клиент обслуживал и вход, и защиту.
type Exchange interface {
	bracket.Exchange

	Ticker(ctx context.Context, instrument string) (*models.Ticker, error)
	GetInstrument(ctx context.Context, instrument string) (*models.Instrument, error)
	GetAccountSummary(ctx context.Context, currency string) (float64, error)
	GetPositions(ctx context.Context, currency string) ([]models.Position, error)
	Subscribe(ctx context.Context, channel string, cb deribit.SubCallback) error
	Unsubscribe(ctx context.Context, channel string) error
	IsConnected() bool
}

// Connector выдаёт подключённые клиенты по ключу соединения.
type Connector interface {
	GetOrConnect(ctx context.Context, key models.ConnKey, creds *models.Credentials) (Exchange, error)
	Release(key models.ConnKey)
}

type registryConnector struct {
	r *deribit.Registry
}

// NewConnector оборачивает реестр соединений под интерфейс оркестратора.
func NewConnector(r *deribit.Registry) Connector {
	return registryConnector{r: r}
}

func (c registryConnector) GetOrConnect(ctx context.Context, key models.ConnKey, creds *models.Credentials) (Exchange, error) {
	return c.r.GetOrConnect(ctx, key, creds)
}

func (c registryConnector) Release(key models.ConnKey) {
	c.r.Release(key)
}
