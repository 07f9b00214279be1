package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"deribit_bot/internal/models"
	"deribit_bot/internal/modules/config"
	healthsvc "deribit_bot/internal/modules/health/service"
	"deribit_bot/internal/notify"
	"deribit_bot/internal/storage"
	"deribit_bot/internal/strategy"
	"deribit_bot/pkg/logger"
)

// Manager управляет экземплярами стратегий для разных юзеров.
type Manager struct {
	cfg    *config.Config
	conns  Connector
	creds  storage.CredentialsStore
	store  storage.StateStore
	trades storage.TradeHistory
	notify notify.Notifier
	health *healthsvc.State

	mu        sync.Mutex
	instances map[models.InstanceKey]*Instance
}

func New(
	cfg *config.Config,
	conns Connector,
	creds storage.CredentialsStore,
	store storage.StateStore,
	trades storage.TradeHistory,
	n notify.Notifier,
	health *healthsvc.State,
) *Manager {
	return &Manager{
		cfg:       cfg,
		conns:     conns,
		creds:     creds,
		store:     store,
		trades:    trades,
		notify:    n,
		health:    health,
		instances: make(map[models.InstanceKey]*Instance),
	}
}

// StartStrategy запускает экземпляр стратегии. Отказывает, если такой
// ключ уже крутится или у юзера уже есть открытая позиция — одна
// позиция на юзера, между всеми его стратегиями.
func (m *Manager) StartStrategy(ctx context.Context, key models.InstanceKey, scfg models.StrategyConfig) error {
	m.mu.Lock()
	if inst, ok := m.instances[key]; ok && !inst.Status().Terminal() {
		m.mu.Unlock()
		return errors.Errorf("strategy %s already running", key)
	}
	for k, inst := range m.instances {
		if k.UserID == key.UserID && inst.hasOpenPosition() {
			m.mu.Unlock()
			return errors.Errorf("user %d already has open position on %s", key.UserID, k.Instrument)
		}
	}
	// слот резервируем до медленных операций: второй конкурентный
	// StartStrategy с тем же ключом получит отказ сразу
	inst := newInstance(m, key, scfg)
	m.instances[key] = inst
	m.mu.Unlock()

	if err := m.prepare(ctx, inst); err != nil {
		m.remove(key)
		return err
	}

	// стоп мог прийти во время подготовки — цикл ещё не запускался
	if inst.ctx.Err() != nil {
		m.remove(key)
		return errors.Errorf("strategy %s stopped during startup", key)
	}

	// правило одной позиции проверяем и по живой бирже, не только по
	// нашим записям — и по всем расчётным валютам, не только по валюте
	// запускаемого инструмента
	for _, cur := range checkCurrencies(key.Instrument) {
		positions, err := inst.ex.GetPositions(ctx, cur)
		if err != nil {
			m.remove(key)
			return errors.Wrap(err, "check positions")
		}
		for idx := range positions {
			if positions[idx].Open() {
				m.remove(key)
				return errors.Errorf("user %d already has open position on %s (exchange)", key.UserID, positions[idx].InstrumentName)
			}
		}
	}

	inst.st.Status = models.StatusAnalyzing
	inst.st.StartedAt = time.Now()
	inst.st.Resumable = scfg.AutoReconnect
	if err := m.store.Save(ctx, inst.snapshot()); err != nil {
		m.remove(key)
		return errors.Wrap(err, "save instance")
	}

	m.emit(ctx, models.EventStrategyStarted, key, "▶️ стратегия %s запущена на %s (%s)", key.Strategy, key.Instrument, key.Env)
	inst.start()
	return nil
}

// prepare — ключи, соединение, торговые правила, движок.
func (m *Manager) prepare(ctx context.Context, inst *Instance) error {
	key := inst.key

	creds, err := m.creds.Load(ctx, key.UserID, key.Broker, key.Env)
	if err != nil {
		return errors.Wrap(err, "load credentials")
	}
	if creds.Empty() {
		return errors.Errorf("no api keys for user %d on %s/%s", key.UserID, key.Broker, key.Env)
	}

	ex, err := m.conns.GetOrConnect(ctx, key.ConnKey(), creds)
	if err != nil {
		return errors.Wrap(err, "connect")
	}

	rules, err := ex.GetInstrument(ctx, key.Instrument)
	if err != nil {
		return errors.Wrap(err, "get instrument")
	}

	inst.attach(ex, *rules, strategy.NewEngine(inst.st.Config, key.Strategy))
	return nil
}

// StopStrategy останавливает экземпляр. Плоский экземпляр удаляем из
// стора, с открытой позицией — помечаем resumable и оставляем на ресюм.
func (m *Manager) StopStrategy(ctx context.Context, key models.InstanceKey) error {
	m.mu.Lock()
	inst, ok := m.instances[key]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("strategy %s is not running", key)
	}

	inst.stop()

	inst.mu.Lock()
	inst.st.Status = models.StatusStopped
	open := inst.st.HasOpenPosition()
	inst.st.Resumable = open
	inst.mu.Unlock()

	if open {
		if err := m.store.Save(ctx, inst.snapshot()); err != nil {
			logger.Error("stop %s: save: %v", key, err)
		}
	} else {
		if err := m.store.Delete(ctx, key); err != nil {
			logger.Error("stop %s: delete: %v", key, err)
		}
	}

	m.remove(key)
	m.emit(ctx, models.EventStrategyStopped, key, "⏹ стратегия %s остановлена", key.Strategy)
	return nil
}

// Shutdown гасит все циклы, состояние не трогает — поднимется ресюмом.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	list := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		list = append(list, inst)
	}
	m.mu.Unlock()

	for _, inst := range list {
		inst.stop()
		inst.mu.Lock()
		inst.st.Resumable = inst.st.Resumable || inst.st.HasOpenPosition()
		inst.mu.Unlock()
		if err := m.store.Save(ctx, inst.snapshot()); err != nil {
			logger.Error("shutdown %s: save: %v", inst.key, err)
		}
	}
	return nil
}

// Instances — снапшоты всех живых экземпляров (для дашборда/бота).
func (m *Manager) Instances() []*models.StrategyInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.StrategyInstance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.snapshot())
	}
	return out
}

func (m *Manager) remove(key models.InstanceKey) {
	m.mu.Lock()
	delete(m.instances, key)
	conn := key.ConnKey()
	inUse := false
	for k := range m.instances {
		if k.ConnKey() == conn {
			inUse = true
			break
		}
	}
	m.mu.Unlock()
	if !inUse {
		m.conns.Release(conn)
	}
}

func (m *Manager) emit(ctx context.Context, typ models.EventType, key models.InstanceKey, format string, args ...any) {
	m.notify.Emit(ctx, models.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		At:         time.Now(),
		UserID:     key.UserID,
		Instrument: key.Instrument,
		Strategy:   key.Strategy,
		Message:    fmt.Sprintf(format, args...),
	})
}

// instCurrency: "BTC-PERPETUAL" -> "BTC".
func instCurrency(instrument string) string {
	if i := strings.IndexByte(instrument, '-'); i > 0 {
		return instrument[:i]
	}
	return instrument
}

// Расчётные валюты биржи: get_positions принимает только одну валюту,
// так что правило одной позиции обходит их все.
var settlementCurrencies = []string{"BTC", "ETH", "USDC", "USDT"}

func checkCurrencies(instrument string) []string {
	cur := instCurrency(instrument)
	for _, c := range settlementCurrencies {
		if c == cur {
			return settlementCurrencies
		}
	}
	return append([]string{cur}, settlementCurrencies...)
}
