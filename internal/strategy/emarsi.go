package strategy

import (
	"fmt"

	"deribit_bot/internal/models"
)

type EMARSIConfig struct {
	EMAShort      int
	EMALong       int
	RSIPeriod     int
	RSIOverbought float64
	RSIOversold   float64
	SwingWindow   int // окно свинг-уровней для трейлинга
}

// EMARSI — пересечение EMA с подтверждением RSI. Один движок на инструмент.
type EMARSI struct {
	cfg EMARSIConfig

	emaShort emaState
	emaLong  emaState

	rsiPrev    float64
	rsiInit    bool
	avgGain    float64
	avgLoss    float64
	rsiValue   float64
	rsiSamples int

	highs []float64
	lows  []float64
}

func NewEMARSI(cfg EMARSIConfig) *EMARSI {
	if cfg.EMAShort <= 0 {
		cfg.EMAShort = 9
	}
	if cfg.EMALong <= 0 {
		cfg.EMALong = 21
	}
	if cfg.RSIPeriod <= 0 {
		cfg.RSIPeriod = 14
	}
	if cfg.RSIOverbought <= 0 {
		cfg.RSIOverbought = 70
	}
	if cfg.RSIOversold <= 0 {
		cfg.RSIOversold = 30
	}
	if cfg.SwingWindow <= 0 {
		cfg.SwingWindow = 10
	}
	return &EMARSI{
		cfg:      cfg,
		emaShort: newEMA(cfg.EMAShort),
		emaLong:  newEMA(cfg.EMALong),
	}
}

func (s *EMARSI) OnCandle(c models.CandleTick) Signal {
	price := c.Close

	s.emaShort.Update(price)
	s.emaLong.Update(price)
	s.pushSwing(c.High, c.Low)

	if !s.rsiInit {
		s.rsiPrev = price
		s.rsiInit = true
		return Signal{Instrument: c.Instrument}
	}

	// RSI по Уайлдеру
	change := price - s.rsiPrev
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}
	alpha := 1.0 / float64(s.cfg.RSIPeriod)
	if s.avgGain == 0 && s.avgLoss == 0 {
		s.avgGain, s.avgLoss = gain, loss
	} else {
		s.avgGain = (1-alpha)*s.avgGain + alpha*gain
		s.avgLoss = (1-alpha)*s.avgLoss + alpha*loss
	}
	s.rsiPrev = price
	s.rsiSamples++

	switch {
	case s.avgLoss == 0 && s.avgGain == 0:
		s.rsiValue = 50
	case s.avgLoss == 0:
		s.rsiValue = 100 // одни только гейны
	default:
		rs := s.avgGain / s.avgLoss
		s.rsiValue = 100 - (100 / (1 + rs))
	}

	if !s.ready() {
		return Signal{Instrument: c.Instrument}
	}

	if s.emaShort.Value() > s.emaLong.Value() && s.rsiValue < s.cfg.RSIOversold {
		return Signal{
			Instrument: c.Instrument,
			Side:       models.SideBuy,
			Price:      price,
			Reason:     fmt.Sprintf("EMARSI: тренд вверх, RSI=%.1f < %.0f", s.rsiValue, s.cfg.RSIOversold),
		}
	}
	if s.emaShort.Value() < s.emaLong.Value() && s.rsiValue > s.cfg.RSIOverbought {
		return Signal{
			Instrument: c.Instrument,
			Side:       models.SideSell,
			Price:      price,
			Reason:     fmt.Sprintf("EMARSI: тренд вниз, RSI=%.1f > %.0f", s.rsiValue, s.cfg.RSIOverbought),
		}
	}
	return Signal{Instrument: c.Instrument}
}

func (s *EMARSI) ready() bool {
	return s.emaLong.Ready() && s.rsiSamples >= s.cfg.RSIPeriod
}

func (s *EMARSI) pushSwing(high, low float64) {
	s.highs = append(s.highs, high)
	s.lows = append(s.lows, low)
	if len(s.highs) > s.cfg.SwingWindow {
		s.highs = s.highs[1:]
		s.lows = s.lows[1:]
	}
}

func (s *EMARSI) Indicators() Indicators {
	return Indicators{
		Ready:     s.ready(),
		EMA:       s.emaLong.Value(),
		SwingHigh: maxSlice(s.highs),
		SwingLow:  minSlice(s.lows),
		BandHigh:  maxSlice(s.highs),
		BandLow:   minSlice(s.lows),
		RSI:       s.rsiValue,
	}
}

func (s *EMARSI) Dump() string {
	return fmt.Sprintf("EMARSI EMA_S=%.4f EMA_L=%.4f RSI=%.1f",
		s.emaShort.Value(), s.emaLong.Value(), s.rsiValue)
}
