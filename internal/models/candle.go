package models

import "time"

// CandleTick — закрытая свеча для стратегий и трейлинга.
type CandleTick struct {
	Instrument string
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	Start      time.Time
	End        time.Time
}
