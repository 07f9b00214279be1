package service

import (
	"context"
	"sync"

	"deribit_bot/internal/models"
	"deribit_bot/internal/modules/config"
)

// Registry — явный реестр соединений вместо глобальных мап:
// одно соединение на пару user+broker+env, владелец — оркестратор.
type Registry struct {
	cfg config.DeribitConfig

	// опциональный хук смены состояния соединения (health, события)
	OnState func(key models.ConnKey, connected bool)

	mu      sync.Mutex
	clients map[models.ConnKey]*Client

	// фабрика оторвана для тестов
	newClient func(env models.Env) *Client
}

func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{
		cfg:     cfg.Deribit,
		clients: make(map[models.ConnKey]*Client),
	}
	r.newClient = func(env models.Env) *Client {
		return NewClient(r.cfg, env)
	}
	return r
}

// GetOrConnect возвращает живое соединение по ключу, создавая и
// коннектя при необходимости.
func (r *Registry) GetOrConnect(ctx context.Context, key models.ConnKey, creds *models.Credentials) (*Client, error) {
	r.mu.Lock()
	c, ok := r.clients[key]
	if !ok {
		c = r.newClient(key.Env)
		if r.OnState != nil {
			k := key
			c.OnState = func(up bool) { r.OnState(k, up) }
		}
		r.clients[key] = c
	}
	r.mu.Unlock()

	if c.IsConnected() {
		return c, nil
	}
	if err := c.Connect(ctx, creds); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Registry) Get(key models.ConnKey) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[key]
	return c, ok
}

// Release закрывает и выбрасывает соединение, когда у пары user+broker+env
// не осталось живых стратегий.
func (r *Registry) Release(key models.ConnKey) {
	r.mu.Lock()
	c, ok := r.clients[key]
	if ok {
		delete(r.clients, key)
	}
	r.mu.Unlock()

	if ok {
		c.Disconnect()
	}
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[models.ConnKey]*Client)
	r.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}
}
