package models

// Instrument — торговые правила инструмента с биржи (public/get_instrument).
type Instrument struct {
	InstrumentName string  `json:"instrument_name"`
	TickSize       float64 `json:"tick_size"`
	MinTradeAmount float64 `json:"min_trade_amount"`
	AmountStep     float64 `json:"amount_step"` // шаг размера (contract_size/lot)
	MaxLeverage    float64 `json:"max_leverage"`
	// лимит биржи на количество trigger-ордеров по инструменту
	MaxTriggerOrders int    `json:"max_trigger_orders"`
	SettleCcy        string `json:"settlement_currency"`
	IsActive         bool   `json:"is_active"`
}

type Ticker struct {
	InstrumentName string  `json:"instrument_name"`
	LastPrice      float64 `json:"last_price"`
	MarkPrice      float64 `json:"mark_price"`
	BestBid        float64 `json:"best_bid_price"`
	BestAsk        float64 `json:"best_ask_price"`
}
