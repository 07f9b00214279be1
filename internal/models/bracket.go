package models

import "time"

type BracketStatus string

const (
	BracketIdle     BracketStatus = "idle"
	BracketArmed    BracketStatus = "armed"
	BracketTP1Hit   BracketStatus = "tp1_hit"
	BracketTrailing BracketStatus = "trailing"
	BracketClosed   BracketStatus = "closed"
	BracketError    BracketStatus = "error"
)

// Terminal — из error и closed автоматика больше ничего не делает.
func (s BracketStatus) Terminal() bool {
	return s == BracketClosed || s == BracketError
}

type TrailMethodType string

const (
	TrailSwing      TrailMethodType = "swing"
	TrailEMA        TrailMethodType = "ema"
	TrailBand       TrailMethodType = "band"
	TrailOscillator TrailMethodType = "oscillator"
)

// BracketState — один экземпляр на открытую позицию.
// RemainingQty монотонно не растёт.
type BracketState struct {
	Status         BracketStatus   `json:"status"`
	InstrumentName string          `json:"instrument_name"`
	EntryOrderID   string          `json:"entry_order_id"`
	Direction      Side            `json:"direction"`
	Entry          float64         `json:"entry"`
	StopPrice      float64         `json:"stop_price"`
	TakeProfit     float64         `json:"take_profit"`
	SLOrderID      string          `json:"sl_order_id"`
	TP1OrderID     string          `json:"tp1_order_id"`
	RunnerOrderID  string          `json:"runner_order_id"`
	TotalQty       float64         `json:"total_qty"`
	RemainingQty   float64         `json:"remaining_qty"`
	Breakeven      float64         `json:"breakeven"`
	TrailMethod    TrailMethodType `json:"trail_method"`
	OCORef         string          `json:"oco_ref"`
	OpenedAt       time.Time       `json:"opened_at"`
	LastTrailAt    time.Time       `json:"last_trail_at"`
	LastError      string          `json:"last_error,omitempty"`
}
