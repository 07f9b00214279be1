package bracket

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"deribit_bot/internal/helper"
	"deribit_bot/internal/models"
	deribit "deribit_bot/internal/modules/deribit/service"
	"deribit_bot/pkg/logger"
)

// минимум свободных слотов trigger-ордеров, чтобы хватило на SL и TP
const freeTriggerSlotsNeeded = 2

// Arm — предохранительная последовательность и атомарная постановка брекета.
// Последовательность не прерывается отменой стратегии: позиция не должна
// остаться без защиты на полпути.
func (m *Manager) Arm(parent context.Context, entryOrderID string, plan Plan) error {
	ctx := context.WithoutCancel(parent)

	m.mu.Lock()
	if m.st.Status != models.BracketIdle {
		m.mu.Unlock()
		return fmt.Errorf("bracket already armed: status=%s", m.st.Status)
	}
	m.mu.Unlock()

	inst := m.p.Instrument.InstrumentName

	// (a) чистим осиротевшие trigger-ордера, если позиции нет
	if err := m.cleanStaleTriggers(ctx); err != nil {
		return err
	}

	// (b) вход должен быть строго filled — незаполненный вход не защищаем
	entry, err := m.p.Exchange.GetOrderState(ctx, entryOrderID)
	if err != nil {
		return &VerificationError{What: "entry order", Cause: err}
	}
	if entry.OrderState != models.OrderStateFilled {
		return fmt.Errorf("entry order %s state=%s, bracket aborted", entryOrderID, entry.OrderState)
	}

	// (c) позиция может отставать от филла — ждём с ретраями
	pos, err := m.waitPosition(ctx)
	if err != nil {
		return err
	}
	if pos.Size < plan.Quantity {
		logger.Info("[BRACKET %s] размер позиции %.4f меньше плана %.4f (частичный филл?)",
			inst, pos.Size, plan.Quantity)
	}

	// (d) свободные слоты под SL и TP
	if err := m.checkTriggerSlots(ctx); err != nil {
		return err
	}

	entryPx := entry.AveragePrice
	if entryPx == 0 {
		entryPx = plan.Breakeven
	}

	m.mu.Lock()
	m.st = models.BracketState{
		Status:         models.BracketIdle,
		InstrumentName: inst,
		EntryOrderID:   entryOrderID,
		Direction:      entry.Direction,
		Entry:          entryPx,
		StopPrice:      plan.StopPrice,
		TakeProfit:     plan.TakeProfit,
		TotalQty:       plan.Quantity,
		RemainingQty:   plan.Quantity,
		Breakeven:      plan.Breakeven,
		TrailMethod:    plan.Trail,
		OCORef:         uuid.NewString(),
		OpenedAt:       time.Now(),
	}
	m.mu.Unlock()
	m.trail = newTrailMethod(plan.Trail, m.p.Instrument.TickSize)

	// --- стоп первым; без стопа жить нельзя ---
	sl, err := m.placeStop(ctx, entry.Direction, plan.Quantity, plan.StopPrice)
	if err != nil {
		m.emergency(ctx, fmt.Errorf("sl placement: %w", err))
		return fmt.Errorf("sl placement: %w", err)
	}

	m.mu.Lock()
	m.st.SLOrderID = sl.OrderID
	m.mu.Unlock()

	// --- тейк вторым; упал — снимаем стоп и выходим аварийно ---
	tpQty := helper.FloorToStep(plan.Quantity/2, m.p.Instrument.AmountStep)
	if tpQty < m.p.Instrument.MinTradeAmount {
		tpQty = plan.Quantity // слишком мелко для частичной фиксации
	}
	tp, err := m.placeTakeProfit(ctx, entry.Direction, tpQty, plan.TakeProfit)
	if err != nil {
		m.cancelWithRetries(ctx, sl.OrderID)
		m.emergency(ctx, fmt.Errorf("tp placement: %w", err))
		return fmt.Errorf("tp placement: %w", err)
	}

	m.mu.Lock()
	m.st.TP1OrderID = tp.OrderID
	m.st.Status = models.BracketArmed
	st := m.st
	m.mu.Unlock()
	if m.p.OnChange != nil {
		m.p.OnChange(st)
	}

	m.emit(ctx, models.EventBracketArmed,
		"🛡 [%s] Брекет выставлен: SL=%.2f TP=%.2f qty=%.4f (%s @ %.2f)",
		inst, plan.StopPrice, plan.TakeProfit, plan.Quantity, entry.Direction, entryPx)

	return nil
}

// cleanStaleTriggers: позиции нет, а trigger-ордера висят — снимаем.
func (m *Manager) cleanStaleTriggers(ctx context.Context) error {
	inst := m.p.Instrument.InstrumentName

	pos, err := m.p.Exchange.GetPosition(ctx, inst)
	if err != nil {
		return &VerificationError{What: "position (pre-clean)", Cause: err}
	}
	if pos.Open() {
		return nil
	}

	orders, err := m.p.Exchange.GetOpenOrdersByInstrument(ctx, inst)
	if err != nil {
		return &VerificationError{What: "open orders", Cause: err}
	}
	for _, o := range orders {
		if o.OrderType != models.OrderTypeStopMarket && o.OrderState != models.OrderStateUntrigger {
			continue
		}
		if err := m.p.Exchange.Cancel(ctx, o.OrderID); err != nil {
			logger.Error("[BRACKET %s] снятие осиротевшего ордера %s: %v", inst, o.OrderID, err)
		} else {
			logger.Info("[BRACKET %s] снят осиротевший trigger-ордер %s", inst, o.OrderID)
		}
	}
	return nil
}

func (m *Manager) waitPosition(ctx context.Context) (*models.Position, error) {
	inst := m.p.Instrument.InstrumentName

	var lastErr error
	for i := 0; i < m.p.VerifyRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(m.p.VerifyRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		pos, err := m.p.Exchange.GetPosition(ctx, inst)
		if err != nil {
			lastErr = err
			continue
		}
		if pos.Open() {
			return pos, nil
		}
		lastErr = fmt.Errorf("position not visible yet")
	}
	return nil, &VerificationError{What: "position after fill", Cause: lastErr}
}

func (m *Manager) checkTriggerSlots(ctx context.Context) error {
	inst := m.p.Instrument

	orders, err := m.p.Exchange.GetOpenOrdersByInstrument(ctx, inst.InstrumentName)
	if err != nil {
		return &VerificationError{What: "trigger slots", Cause: err}
	}
	triggers := 0
	for _, o := range orders {
		if o.OrderType == models.OrderTypeStopMarket || o.TriggerPrice > 0 {
			triggers++
		}
	}
	limit := inst.MaxTriggerOrders
	if limit <= 0 {
		limit = 20
	}
	if limit-triggers < freeTriggerSlotsNeeded {
		return fmt.Errorf("trigger order limit: %d/%d занято, нужно %d свободных",
			triggers, limit, freeTriggerSlotsNeeded)
	}
	return nil
}

// placeStop — stop_market reduce_only против позиции, с верификацией по id.
func (m *Manager) placeStop(ctx context.Context, dir models.Side, qty, trigger float64) (*models.Order, error) {
	o, err := m.p.Exchange.Place(ctx, dir.Opposite(), deribit.OrderRequest{
		Instrument:   m.p.Instrument.InstrumentName,
		Amount:       qty,
		Type:         models.OrderTypeStopMarket,
		TriggerPrice: trigger,
		ReduceOnly:   true,
		Label:        "sl:" + uuid.NewString()[:8],
	})
	if err != nil {
		return nil, err
	}
	return m.verifyPlaced(ctx, o.OrderID)
}

func (m *Manager) placeTakeProfit(ctx context.Context, dir models.Side, qty, price float64) (*models.Order, error) {
	o, err := m.p.Exchange.Place(ctx, dir.Opposite(), deribit.OrderRequest{
		Instrument: m.p.Instrument.InstrumentName,
		Amount:     qty,
		Type:       models.OrderTypeLimit,
		Price:      price,
		ReduceOnly: true,
		PostOnly:   true,
		Label:      "tp:" + uuid.NewString()[:8],
	})
	if err != nil {
		return nil, err
	}
	return m.verifyPlaced(ctx, o.OrderID)
}

// verifyPlaced: биржа могла принять и тут же отклонить — перечитываем по id.
// cancelled/rejected считаем падением постановки, даже если id уже есть.
func (m *Manager) verifyPlaced(ctx context.Context, orderID string) (*models.Order, error) {
	o, err := m.p.Exchange.GetOrderState(ctx, orderID)
	if err != nil {
		return nil, &VerificationError{What: "order " + orderID, Cause: err}
	}
	if o.OrderState == models.OrderStateCancelled || o.OrderState == models.OrderStateRejected {
		return nil, fmt.Errorf("order %s verified as %s", orderID, o.OrderState)
	}
	return o, nil
}

func (m *Manager) cancelWithRetries(ctx context.Context, orderID string) {
	for i := 0; i < m.p.VerifyRetries; i++ {
		if err := m.p.Exchange.Cancel(ctx, orderID); err == nil {
			return
		} else {
			logger.Error("[BRACKET %s] cancel %s (%d/%d): %v",
				m.p.Instrument.InstrumentName, orderID, i+1, m.p.VerifyRetries, err)
		}
		select {
		case <-time.After(m.p.VerifyRetryDelay):
		case <-ctx.Done():
			return
		}
	}
}

// emergency: позиция без защиты — закрываем по рынку. Reduce-only close
// по несуществующей позиции не шлём: сначала проверяем, что она есть.
// Статус error окончательный, автоматика на этом брекете останавливается.
func (m *Manager) emergency(ctx context.Context, cause error) {
	inst := m.p.Instrument.InstrumentName
	logger.Error("[BRACKET %s] аварийный выход: %v", inst, cause)

	pos, err := m.p.Exchange.GetPosition(ctx, inst)
	if err == nil && pos.Open() {
		if err := m.p.Exchange.ClosePosition(ctx, inst); err != nil {
			fatal := &FatalError{Instrument: inst, Cause: err}
			m.mu.Lock()
			m.st.Status = models.BracketError
			m.st.LastError = fatal.Error()
			st := m.st
			m.mu.Unlock()
			if m.p.OnChange != nil {
				m.p.OnChange(st)
			}
			m.emit(ctx, models.EventFatalBracket,
				"🆘 [%s] АВАРИЙНОЕ ЗАКРЫТИЕ НЕ ПРОШЛО: %v — нужно ручное вмешательство!", inst, err)
			return
		}
		m.emit(ctx, models.EventEmergencyClose,
			"🚨 [%s] Позиция аварийно закрыта по рынку: %v", inst, cause)
	} else if err != nil {
		logger.Error("[BRACKET %s] проверка позиции перед аварийным закрытием: %v", inst, err)
	}

	m.mu.Lock()
	m.st.Status = models.BracketError
	m.st.LastError = cause.Error()
	st := m.st
	m.mu.Unlock()
	if m.p.OnChange != nil {
		m.p.OnChange(st)
	}
}
