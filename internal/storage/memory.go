package storage

import (
	"context"
	"sync"

	"deribit_bot/internal/models"
)

// MemoryStore — in-memory реализация для тестов и dry-run.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[models.InstanceKey]*models.StrategyInstance
	trades    []*models.Trade
	creds     map[models.ConnKey]*models.Credentials
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[models.InstanceKey]*models.StrategyInstance),
		creds:     make(map[models.ConnKey]*models.Credentials),
	}
}

func (m *MemoryStore) Save(_ context.Context, inst *models.StrategyInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inst
	m.instances[inst.Key] = &cp
	return nil
}

func (m *MemoryStore) LoadAll(_ context.Context) ([]*models.StrategyInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]*models.StrategyInstance, 0, len(m.instances))
	for _, inst := range m.instances {
		cp := *inst
		res = append(res, &cp)
	}
	return res, nil
}

func (m *MemoryStore) Delete(_ context.Context, key models.InstanceKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, key)
	return nil
}

func (m *MemoryStore) Record(_ context.Context, t *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, t)
	return nil
}

func (m *MemoryStore) Trades() []*models.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Trade(nil), m.trades...)
}

func (m *MemoryStore) PutCredentials(key models.ConnKey, c *models.Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[key] = c
}

func (m *MemoryStore) Load(_ context.Context, userID int64, broker models.Broker, env models.Env) (*models.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds[models.ConnKey{UserID: userID, Broker: broker, Env: env}], nil
}

func (m *MemoryStore) Get(key models.InstanceKey) (*models.StrategyInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[key]
	if !ok {
		return nil, false
	}
	cp := *inst
	return &cp, true
}
