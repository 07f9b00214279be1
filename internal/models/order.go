package models

import "time"

type Side string

const (
	SideNone Side = ""
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite — сторона закрывающего ордера.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopMarket OrderType = "stop_market"
)

type OrderState string

const (
	OrderStateOpen      OrderState = "open"
	OrderStateFilled    OrderState = "filled"
	OrderStateCancelled OrderState = "cancelled"
	OrderStateRejected  OrderState = "rejected"
	OrderStateUntrigger OrderState = "untriggered"
)

type Order struct {
	OrderID        string     `json:"order_id"`
	InstrumentName string     `json:"instrument_name"`
	Direction      Side       `json:"direction"`
	OrderType      OrderType  `json:"order_type"`
	OrderState     OrderState `json:"order_state"`
	Price          float64    `json:"price"`
	TriggerPrice   float64    `json:"trigger_price"`
	Amount         float64    `json:"amount"`
	FilledAmount   float64    `json:"filled_amount"`
	AveragePrice   float64    `json:"average_price"`
	ReduceOnly     bool       `json:"reduce_only"`
	Label          string     `json:"label"`
}

// Position — открытая позиция (private/get_positions).
type Position struct {
	InstrumentName string  `json:"instrument_name"`
	Direction      Side    `json:"direction"` // buy = long, sell = short
	Size           float64 `json:"size"`      // всегда >= 0
	AveragePrice   float64 `json:"average_price"`
	MarkPrice      float64 `json:"mark_price"`
	Leverage       float64 `json:"leverage"`
	FloatingPnl    float64 `json:"floating_profit_loss"`
}

func (p *Position) Open() bool { return p != nil && p.Size > 0 }

// Trade — закрытая сделка для истории (TradeHistory.Record).
type Trade struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"user_id"`
	Strategy   string    `json:"strategy"`
	Instrument string    `json:"instrument"`
	Broker     Broker    `json:"broker"`
	Env        Env       `json:"env"`
	Direction  Side      `json:"direction"`
	Entry      float64   `json:"entry"`
	Exit       float64   `json:"exit"`
	Quantity   float64   `json:"quantity"`
	Pnl        float64   `json:"pnl"`
	Reason     string    `json:"reason"` // sl / tp / trail / manual / emergency
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}
