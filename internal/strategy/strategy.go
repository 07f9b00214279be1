package strategy

import "deribit_bot/internal/models"

// Signal — ответ стратегии на закрытую свечу.
type Signal struct {
	Instrument string
	Side       models.Side // buy / sell / ""
	Price      float64
	Reason     string
}

// Indicators — текущее состояние индикаторов движка.
// Трейлинг берёт отсюда свинг-уровни, EMA и осциллятор.
type Indicators struct {
	Ready     bool
	EMA       float64 // трендовая EMA
	SwingHigh float64 // максимум окна
	SwingLow  float64 // минимум окна
	BandHigh  float64 // верхняя граница канала
	BandLow   float64 // нижняя граница канала
	RSI       float64
}

// Engine — то, что оркестратор дергает на каждой свече.
type Engine interface {
	OnCandle(c models.CandleTick) Signal
	Indicators() Indicators
	Dump() string
}
