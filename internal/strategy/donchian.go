package strategy

import (
	"fmt"
	"math"

	"deribit_bot/internal/models"
)

// DonchianConfig — параметры стратегии.
type DonchianConfig struct {
	Period    int // N свечей, например 20
	TrendEma  int // EMA-фильтр, например 50
	MinWarmup int // сколько свечей ждать до сигналов
}

// Donchian — пробой канала Дончиана с EMA-фильтром. Один движок на инструмент.
type Donchian struct {
	cfg DonchianConfig

	highs []float64
	lows  []float64
	ema   emaState

	lastSignal models.Side
	lastRSI    float64
}

func NewDonchian(cfg DonchianConfig) *Donchian {
	if cfg.Period <= 0 {
		cfg.Period = 20
	}
	if cfg.TrendEma <= 0 {
		cfg.TrendEma = 50
	}
	if cfg.MinWarmup <= 0 {
		cfg.MinWarmup = int(math.Max(float64(cfg.Period), float64(cfg.TrendEma)))
	}
	return &Donchian{
		cfg:   cfg,
		highs: make([]float64, 0, cfg.Period),
		lows:  make([]float64, 0, cfg.Period),
		ema:   newEMA(cfg.TrendEma),
	}
}

// OnCandle — на закрытии каждой свечи. Side=buy/sell либо пусто.
func (s *Donchian) OnCandle(c models.CandleTick) Signal {
	// EMA тренда по закрытию
	s.ema.Update(c.Close)

	// канал считается по предыдущим N свечам; текущая в него не входит,
	// иначе пробой своего же максимума невозможен
	ready := len(s.highs) >= s.cfg.Period && s.ema.Ready()
	dh := maxSlice(s.highs)
	dl := minSlice(s.lows)

	s.highs = append(s.highs, c.High)
	s.lows = append(s.lows, c.Low)
	if len(s.highs) > s.cfg.Period {
		s.highs = s.highs[1:]
		s.lows = s.lows[1:]
	}

	if !ready {
		return Signal{Instrument: c.Instrument}
	}

	ema := s.ema.Value()

	// фильтр тренда: торгуем только в сторону EMA
	var side models.Side
	var reason string

	if c.Close > dh && c.Close > ema {
		side = models.SideBuy
		reason = fmt.Sprintf("Donchian breakout UP: close=%.5f > dh=%.5f & ema=%.5f", c.Close, dh, ema)
	}
	if c.Close < dl && c.Close < ema {
		side = models.SideSell
		reason = fmt.Sprintf("Donchian breakout DOWN: close=%.5f < dl=%.5f & ema=%.5f", c.Close, dl, ema)
	}

	if side == models.SideNone {
		return Signal{Instrument: c.Instrument}
	}

	s.lastSignal = side
	return Signal{
		Instrument: c.Instrument,
		Side:       side,
		Price:      c.Close,
		Reason:     reason,
	}
}

func (s *Donchian) Indicators() Indicators {
	ready := len(s.highs) >= s.cfg.Period && s.ema.Ready()
	return Indicators{
		Ready:     ready,
		EMA:       s.ema.Value(),
		SwingHigh: maxSlice(s.highs),
		SwingLow:  minSlice(s.lows),
		BandHigh:  maxSlice(s.highs),
		BandLow:   minSlice(s.lows),
		RSI:       s.lastRSI,
	}
}

func (s *Donchian) Dump() string {
	if len(s.highs) == 0 {
		return "Donchian: warmup"
	}
	return fmt.Sprintf("Donchian[period=%d] H=%.5f L=%.5f EMA%d=%.5f last=%s",
		s.cfg.Period, maxSlice(s.highs), minSlice(s.lows), s.cfg.TrendEma, s.ema.Value(), s.lastSignal)
}

// вспомогательные
func maxSlice(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, v := range xs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minSlice(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, v := range xs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
