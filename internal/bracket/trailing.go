package bracket

import (
	"context"
	"fmt"
	"time"

	"deribit_bot/internal/helper"
	"deribit_bot/internal/models"
	"deribit_bot/internal/strategy"
	"deribit_bot/pkg/logger"
)

// TrailDecision — что сделать по итогам свечи.
type TrailDecision struct {
	NewSL  float64
	MoveSL bool
	Close  bool // немедленное рыночное закрытие остатка
	Reason string
}

// TrailMethod — подключаемый способ подтяжки стопа.
type TrailMethod interface {
	Name() models.TrailMethodType
	Decide(st models.BracketState, c models.CandleTick, ind strategy.Indicators) TrailDecision
}

func newTrailMethod(t models.TrailMethodType, tick float64) TrailMethod {
	switch t {
	case models.TrailEMA:
		return &emaTrail{tick: tick}
	case models.TrailBand:
		return &bandTrail{tick: tick}
	case models.TrailOscillator:
		return &oscillatorTrail{}
	default:
		return &swingTrail{tick: tick}
	}
}

// OnTick — один тик трейлинга; троттлится rate-лимитером,
// активен только после TP1.
func (m *Manager) OnTick(ctx context.Context, c models.CandleTick, ind strategy.Indicators) {
	m.mu.Lock()
	st := m.st
	m.mu.Unlock()

	if st.Status != models.BracketTP1Hit && st.Status != models.BracketTrailing {
		return
	}
	if m.trail == nil || !ind.Ready {
		return
	}
	if !m.limiter.Allow() {
		return
	}

	dec := m.trail.Decide(st, c, ind)

	if dec.Close {
		logger.Info("[BRACKET %s] трейл требует выхода: %s", st.InstrumentName, dec.Reason)
		if err := m.closeRemaining(ctx, st); err != nil {
			logger.Error("[BRACKET %s] закрытие по трейлу: %v", st.InstrumentName, err)
			return
		}
		m.finishClosed(ctx, dec.Reason)
		return
	}

	if !dec.MoveSL {
		return
	}
	// двигаем только если защита строго улучшается
	if !improves(st.Direction, st.StopPrice, dec.NewSL) {
		return
	}
	// и не пересекаем текущую цену
	if st.Direction == models.SideBuy && dec.NewSL >= c.Close {
		return
	}
	if st.Direction == models.SideSell && dec.NewSL <= c.Close {
		return
	}

	m.moveStop(ctx, st, dec)
}

// improves: для лонга новый стоп выше старого, для шорта ниже.
// Ослабление защиты запрещено всегда.
func improves(dir models.Side, oldSL, newSL float64) bool {
	if dir == models.SideBuy {
		return newSL > oldSL
	}
	return newSL < oldSL
}

func (m *Manager) moveStop(ctx context.Context, st models.BracketState, dec TrailDecision) {
	stopID := st.RunnerOrderID
	if stopID == "" {
		stopID = st.SLOrderID
	}

	// правим trigger_price живого ордера, без пересоздания
	if _, err := m.p.Exchange.Edit(ctx, stopID, st.RemainingQty, dec.NewSL); err != nil {
		logger.Error("[BRACKET %s] edit стопа %s: %v", st.InstrumentName, stopID, err)
		return
	}

	m.mu.Lock()
	m.st.StopPrice = dec.NewSL
	m.st.Status = models.BracketTrailing
	m.st.LastTrailAt = time.Now()
	stCopy := m.st
	m.mu.Unlock()
	if m.p.OnChange != nil {
		m.p.OnChange(stCopy)
	}

	m.emit(ctx, models.EventStopTrailed,
		"🛡 [%s] SL подтянут -> %.2f | %s", st.InstrumentName, dec.NewSL, dec.Reason)
}

func (m *Manager) closeRemaining(ctx context.Context, st models.BracketState) error {
	// сперва снимаем стоп, чтобы reduce-only не сработал после закрытия
	stopID := st.RunnerOrderID
	if stopID == "" {
		stopID = st.SLOrderID
	}
	if stopID != "" {
		if err := m.p.Exchange.Cancel(ctx, stopID); err != nil {
			logger.Error("[BRACKET %s] cancel стопа перед выходом: %v", st.InstrumentName, err)
		}
	}

	pos, err := m.p.Exchange.GetPosition(ctx, st.InstrumentName)
	if err != nil {
		return err
	}
	if !pos.Open() {
		return nil
	}
	return m.p.Exchange.ClosePosition(ctx, st.InstrumentName)
}

// --- методы трейлинга ---

// swingTrail: стоп за последний свинг-уровень с отступом в тик.
type swingTrail struct{ tick float64 }

func (t *swingTrail) Name() models.TrailMethodType { return models.TrailSwing }

func (t *swingTrail) Decide(st models.BracketState, c models.CandleTick, ind strategy.Indicators) TrailDecision {
	if st.Direction == models.SideBuy {
		cand := helper.RoundDownToTick(ind.SwingLow-t.tick, t.tick)
		return TrailDecision{NewSL: cand, MoveSL: cand > 0, Reason: fmt.Sprintf("SWING low=%.2f", ind.SwingLow)}
	}
	cand := helper.RoundUpToTick(ind.SwingHigh+t.tick, t.tick)
	return TrailDecision{NewSL: cand, MoveSL: cand > 0, Reason: fmt.Sprintf("SWING high=%.2f", ind.SwingHigh)}
}

// emaTrail: стоп за трендовой EMA с небольшим отступом.
type emaTrail struct{ tick float64 }

func (t *emaTrail) Name() models.TrailMethodType { return models.TrailEMA }

func (t *emaTrail) Decide(st models.BracketState, c models.CandleTick, ind strategy.Indicators) TrailDecision {
	offset := ind.EMA * 0.001
	if st.Direction == models.SideBuy {
		cand := helper.RoundDownToTick(ind.EMA-offset, t.tick)
		return TrailDecision{NewSL: cand, MoveSL: cand > 0, Reason: fmt.Sprintf("EMA=%.2f", ind.EMA)}
	}
	cand := helper.RoundUpToTick(ind.EMA+offset, t.tick)
	return TrailDecision{NewSL: cand, MoveSL: cand > 0, Reason: fmt.Sprintf("EMA=%.2f", ind.EMA)}
}

// bandTrail: стоп по противоположной границе канала.
type bandTrail struct{ tick float64 }

func (t *bandTrail) Name() models.TrailMethodType { return models.TrailBand }

func (t *bandTrail) Decide(st models.BracketState, c models.CandleTick, ind strategy.Indicators) TrailDecision {
	if st.Direction == models.SideBuy {
		cand := helper.RoundDownToTick(ind.BandLow, t.tick)
		return TrailDecision{NewSL: cand, MoveSL: cand > 0, Reason: fmt.Sprintf("BAND low=%.2f", ind.BandLow)}
	}
	cand := helper.RoundUpToTick(ind.BandHigh, t.tick)
	return TrailDecision{NewSL: cand, MoveSL: cand > 0, Reason: fmt.Sprintf("BAND high=%.2f", ind.BandHigh)}
}

// oscillatorTrail: перегрев осциллятора против позиции — выходим по рынку,
// стоп не двигаем.
type oscillatorTrail struct{}

func (t *oscillatorTrail) Name() models.TrailMethodType { return models.TrailOscillator }

func (t *oscillatorTrail) Decide(st models.BracketState, c models.CandleTick, ind strategy.Indicators) TrailDecision {
	if st.Direction == models.SideBuy && ind.RSI >= 75 {
		return TrailDecision{Close: true, Reason: fmt.Sprintf("OSC_FLIP RSI=%.1f", ind.RSI)}
	}
	if st.Direction == models.SideSell && ind.RSI > 0 && ind.RSI <= 25 {
		return TrailDecision{Close: true, Reason: fmt.Sprintf("OSC_FLIP RSI=%.1f", ind.RSI)}
	}
	return TrailDecision{}
}
