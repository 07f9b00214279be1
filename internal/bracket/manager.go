package bracket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"deribit_bot/internal/models"
	deribit "deribit_bot/internal/modules/deribit/service"
	"deribit_bot/pkg/logger"
)

// Exchange — минимум протокольного клиента, нужный брекету.
type Exchange interface {
	Place(ctx context.Context, side models.Side, req deribit.OrderRequest) (*models.Order, error)
	Cancel(ctx context.Context, orderID string) error
	Edit(ctx context.Context, orderID string, amount, triggerPrice float64) (*models.Order, error)
	GetOrderState(ctx context.Context, orderID string) (*models.Order, error)
	GetPosition(ctx context.Context, instrument string) (*models.Position, error)
	GetOpenOrdersByInstrument(ctx context.Context, instrument string) ([]models.Order, error)
	ClosePosition(ctx context.Context, instrument string) error
}

type Notifier interface {
	Emit(ctx context.Context, ev models.Event)
}

// FatalError — аварийное закрытие само упало: автоматика стоит,
// нужно ручное вмешательство.
type FatalError struct {
	Instrument string
	Cause      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("bracket fatal on %s: %v", e.Instrument, e.Cause)
}

// VerificationError — состояние ордера/позиции не подтвердилось после ретраев.
type VerificationError struct {
	What  string
	Cause error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("bracket verify %s: %v", e.What, e.Cause)
}

// Params — всё, что нужно одному брекету.
type Params struct {
	Key        models.InstanceKey
	Instrument models.Instrument
	Exchange   Exchange
	Notifier   Notifier

	VerifyRetries    int
	VerifyRetryDelay time.Duration
	TrailMinInterval time.Duration

	// хук персиста: runner сохраняет состояние после каждого перехода
	OnChange func(st models.BracketState)
}

// Plan — выход риск-движка для этого входа.
type Plan struct {
	Quantity   float64
	StopPrice  float64
	TakeProfit float64
	Breakeven  float64
	Trail      models.TrailMethodType
}

// Manager гарантирует: позиция либо защищена стопом, либо закрыта.
type Manager struct {
	p       Params
	trail   TrailMethod
	limiter *rate.Limiter

	mu sync.Mutex
	st models.BracketState
}

func NewManager(p Params) *Manager {
	if p.VerifyRetries <= 0 {
		p.VerifyRetries = 5
	}
	if p.VerifyRetryDelay <= 0 {
		p.VerifyRetryDelay = 500 * time.Millisecond
	}
	if p.TrailMinInterval <= 0 {
		p.TrailMinInterval = time.Minute
	}
	return &Manager{
		p:       p,
		limiter: rate.NewLimiter(rate.Every(p.TrailMinInterval), 1),
		st: models.BracketState{
			Status:         models.BracketIdle,
			InstrumentName: p.Instrument.InstrumentName,
		},
	}
}

// Restore — поднимаем брекет из персиста при ресюме.
func Restore(p Params, st models.BracketState) *Manager {
	m := NewManager(p)
	m.st = st
	m.trail = newTrailMethod(st.TrailMethod, p.Instrument.TickSize)
	return m
}

func (m *Manager) State() models.BracketState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

func (m *Manager) Status() models.BracketStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Status
}

func (m *Manager) setStatus(s models.BracketStatus) {
	m.mu.Lock()
	m.st.Status = s
	st := m.st
	m.mu.Unlock()
	if m.p.OnChange != nil {
		m.p.OnChange(st)
	}
}

func (m *Manager) emit(ctx context.Context, typ models.EventType, format string, args ...any) {
	if m.p.Notifier == nil {
		return
	}
	m.p.Notifier.Emit(ctx, models.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		At:         time.Now(),
		UserID:     m.p.Key.UserID,
		Instrument: m.p.Instrument.InstrumentName,
		Strategy:   m.p.Key.Strategy,
		Message:    fmt.Sprintf(format, args...),
	})
}

// OnOrderUpdate — роутинг order-апдейтов с биржи.
func (m *Manager) OnOrderUpdate(ctx context.Context, o models.Order) {
	m.mu.Lock()
	st := m.st
	m.mu.Unlock()

	if st.Status.Terminal() || st.Status == models.BracketIdle {
		return
	}

	switch {
	case o.OrderID == st.TP1OrderID && o.OrderState == models.OrderStateFilled:
		m.onTP1Filled(ctx, o)
	case (o.OrderID == st.SLOrderID || o.OrderID == st.RunnerOrderID) &&
		o.OrderState == models.OrderStateFilled:
		m.onStopFilled(ctx, o)
	}
}

// OnPositionUpdate: нулевой размер закрывает брекет независимо от ордеров
// (ручное/внешнее закрытие).
func (m *Manager) OnPositionUpdate(ctx context.Context, p models.Position) {
	if p.InstrumentName != m.p.Instrument.InstrumentName {
		return
	}
	m.mu.Lock()
	terminal := m.st.Status.Terminal() || m.st.Status == models.BracketIdle
	m.mu.Unlock()
	if terminal {
		return
	}
	if p.Size == 0 {
		logger.Info("[BRACKET %s] позиция обнулилась извне — закрываем брекет", p.InstrumentName)
		m.finishClosed(ctx, "position externally closed")
	}
}

// onTP1Filled: тейк сработал — старый стоп снимаем и переставляем
// в безубыток на остаток.
func (m *Manager) onTP1Filled(ctx context.Context, o models.Order) {
	m.mu.Lock()
	st := m.st
	m.mu.Unlock()

	if err := m.p.Exchange.Cancel(ctx, st.SLOrderID); err != nil {
		logger.Error("[BRACKET %s] cancel SL после TP1: %v", st.InstrumentName, err)
	}

	remaining := st.RemainingQty - o.FilledAmount
	if remaining < 0 {
		remaining = 0
	}
	if remaining == 0 {
		m.finishClosed(ctx, "tp filled full size")
		return
	}

	be, err := m.placeStop(ctx, st.Direction, remaining, st.Breakeven)
	if err != nil {
		// остаток без защиты — аварийный выход
		m.emergency(ctx, fmt.Errorf("breakeven stop after tp1: %w", err))
		return
	}

	m.mu.Lock()
	m.st.RemainingQty = remaining
	m.st.RunnerOrderID = be.OrderID
	m.st.StopPrice = st.Breakeven
	m.st.Status = models.BracketTP1Hit
	stCopy := m.st
	m.mu.Unlock()
	if m.p.OnChange != nil {
		m.p.OnChange(stCopy)
	}

	m.emit(ctx, models.EventTP1Hit,
		"🎯 [%s] TP1 исполнен, стоп переставлен в безубыток %.2f (остаток %.4f)",
		st.InstrumentName, st.Breakeven, remaining)
}

func (m *Manager) onStopFilled(ctx context.Context, o models.Order) {
	m.mu.Lock()
	tpID := m.st.TP1OrderID
	m.mu.Unlock()

	if tpID != "" {
		if err := m.p.Exchange.Cancel(ctx, tpID); err != nil {
			logger.Error("[BRACKET %s] cancel TP после стопа: %v", o.InstrumentName, err)
		}
	}
	m.finishClosed(ctx, "stop filled")
}

func (m *Manager) finishClosed(ctx context.Context, reason string) {
	m.mu.Lock()
	m.st.RemainingQty = 0
	m.st.Status = models.BracketClosed
	st := m.st
	m.mu.Unlock()
	if m.p.OnChange != nil {
		m.p.OnChange(st)
	}
	m.emit(ctx, models.EventPositionClosed, "🏁 [%s] Позиция закрыта: %s", st.InstrumentName, reason)
}

// CancelAll — best-effort снятие всех живых ордеров брекета, статус closed.
func (m *Manager) CancelAll(ctx context.Context, reason string) {
	m.mu.Lock()
	ids := []string{m.st.SLOrderID, m.st.TP1OrderID, m.st.RunnerOrderID}
	m.mu.Unlock()

	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := m.p.Exchange.Cancel(ctx, id); err != nil {
			logger.Error("[BRACKET %s] cancelAll %s: %v", m.p.Instrument.InstrumentName, id, err)
		}
	}
	m.finishClosed(ctx, "cancelAll: "+reason)
}
