package service

import "encoding/json"

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcFrame — любое входящее сообщение: ответ (id+result/error)
// либо нотификация (method+params).
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type subscriptionParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type heartbeatParams struct {
	Type string `json:"type"` // "test_request" | "heartbeat"
}

type authResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// orderResult — ответ private/buy|sell|edit: {order: {...}, trades: [...]}.
type orderResult struct {
	Order wireOrder `json:"order"`
}

type wireOrder struct {
	OrderID        string  `json:"order_id"`
	InstrumentName string  `json:"instrument_name"`
	Direction      string  `json:"direction"`
	OrderType      string  `json:"order_type"`
	OrderState     string  `json:"order_state"`
	Price          float64 `json:"price"`
	TriggerPrice   float64 `json:"trigger_price"`
	Amount         float64 `json:"amount"`
	FilledAmount   float64 `json:"filled_amount"`
	AveragePrice   float64 `json:"average_price"`
	ReduceOnly     bool    `json:"reduce_only"`
	Label          string  `json:"label"`
}

type wirePosition struct {
	InstrumentName string  `json:"instrument_name"`
	Direction      string  `json:"direction"`
	Size           float64 `json:"size"`
	AveragePrice   float64 `json:"average_price"`
	MarkPrice      float64 `json:"mark_price"`
	Leverage       float64 `json:"leverage"`
	FloatingPnl    float64 `json:"floating_profit_loss"`
}

type wireInstrument struct {
	InstrumentName   string  `json:"instrument_name"`
	TickSize         float64 `json:"tick_size"`
	MinTradeAmount   float64 `json:"min_trade_amount"`
	ContractSize     float64 `json:"contract_size"`
	MaxLeverage      float64 `json:"max_leverage"`
	IsActive         bool    `json:"is_active"`
	SettlementCcy    string  `json:"settlement_currency"`
	MaxTriggerOrders int     `json:"max_trigger_orders"`
}

type wireTicker struct {
	InstrumentName string  `json:"instrument_name"`
	LastPrice      float64 `json:"last_price"`
	MarkPrice      float64 `json:"mark_price"`
	BestBidPrice   float64 `json:"best_bid_price"`
	BestAskPrice   float64 `json:"best_ask_price"`
}

type accountSummary struct {
	Currency string  `json:"currency"`
	Equity   float64 `json:"equity"`
	Balance  float64 `json:"balance"`
}
