package service

import (
	"context"
	"fmt"

	"deribit_bot/internal/models"
)

// OrderRequest — параметры private/buy | private/sell.
type OrderRequest struct {
	Instrument   string
	Amount       float64
	Type         models.OrderType
	Price        float64 // для limit
	TriggerPrice float64 // для stop_market
	Trigger      string  // "last_price" / "mark_price"
	ReduceOnly   bool
	PostOnly     bool
	Label        string
}

func (r OrderRequest) params() map[string]any {
	p := map[string]any{
		"instrument_name": r.Instrument,
		"amount":          r.Amount,
		"type":            string(r.Type),
	}
	if r.Type == models.OrderTypeLimit {
		p["price"] = r.Price
	}
	if r.Type == models.OrderTypeStopMarket {
		p["trigger_price"] = r.TriggerPrice
		trigger := r.Trigger
		if trigger == "" {
			trigger = "last_price"
		}
		p["trigger"] = trigger
	}
	if r.ReduceOnly {
		p["reduce_only"] = true
	}
	if r.PostOnly {
		p["post_only"] = true
	}
	if r.Label != "" {
		p["label"] = r.Label
	}
	return p
}

func (c *Client) placeOrder(ctx context.Context, method string, req OrderRequest) (*models.Order, error) {
	raw, err := c.Request(ctx, method, req.params())
	if err != nil {
		return nil, err
	}
	var res orderResult
	if err := unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%s decode: %w", method, err)
	}
	if res.Order.OrderID == "" {
		return nil, fmt.Errorf("%s: пустой order_id", method)
	}
	return toOrder(res.Order), nil
}

func (c *Client) Buy(ctx context.Context, req OrderRequest) (*models.Order, error) {
	return c.placeOrder(ctx, "private/buy", req)
}

func (c *Client) Sell(ctx context.Context, req OrderRequest) (*models.Order, error) {
	return c.placeOrder(ctx, "private/sell", req)
}

// Place — направление из req через Side, чтобы не ветвиться у вызывающих.
func (c *Client) Place(ctx context.Context, side models.Side, req OrderRequest) (*models.Order, error) {
	if side == models.SideBuy {
		return c.Buy(ctx, req)
	}
	return c.Sell(ctx, req)
}

func (c *Client) Cancel(ctx context.Context, orderID string) error {
	_, err := c.Request(ctx, "private/cancel", map[string]any{"order_id": orderID})
	return err
}

// Edit — правка trigger_price/amount живого trigger-ордера.
func (c *Client) Edit(ctx context.Context, orderID string, amount, triggerPrice float64) (*models.Order, error) {
	raw, err := c.Request(ctx, "private/edit", map[string]any{
		"order_id":      orderID,
		"amount":        amount,
		"trigger_price": triggerPrice,
	})
	if err != nil {
		return nil, err
	}
	var res orderResult
	if err := unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("private/edit decode: %w", err)
	}
	return toOrder(res.Order), nil
}

func (c *Client) GetOrderState(ctx context.Context, orderID string) (*models.Order, error) {
	raw, err := c.Request(ctx, "private/get_order_state", map[string]any{"order_id": orderID})
	if err != nil {
		return nil, err
	}
	var o wireOrder
	if err := unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("get_order_state decode: %w", err)
	}
	return toOrder(o), nil
}

func (c *Client) GetPositions(ctx context.Context, currency string) ([]models.Position, error) {
	raw, err := c.Request(ctx, "private/get_positions", map[string]any{"currency": currency})
	if err != nil {
		return nil, err
	}
	var ws []wirePosition
	if err := unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("get_positions decode: %w", err)
	}
	res := make([]models.Position, 0, len(ws))
	for _, w := range ws {
		res = append(res, toPosition(w))
	}
	return res, nil
}

// GetPosition — позиция по инструменту; nil без ошибки, если позиции нет.
func (c *Client) GetPosition(ctx context.Context, instrument string) (*models.Position, error) {
	raw, err := c.Request(ctx, "private/get_position", map[string]any{"instrument_name": instrument})
	if err != nil {
		return nil, err
	}
	var w wirePosition
	if err := unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("get_position decode: %w", err)
	}
	if w.Size == 0 {
		return nil, nil
	}
	p := toPosition(w)
	return &p, nil
}

func (c *Client) GetOpenOrdersByInstrument(ctx context.Context, instrument string) ([]models.Order, error) {
	raw, err := c.Request(ctx, "private/get_open_orders_by_instrument", map[string]any{
		"instrument_name": instrument,
	})
	if err != nil {
		return nil, err
	}
	var ws []wireOrder
	if err := unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("get_open_orders decode: %w", err)
	}
	res := make([]models.Order, 0, len(ws))
	for _, w := range ws {
		res = append(res, *toOrder(w))
	}
	return res, nil
}

func (c *Client) GetAccountSummary(ctx context.Context, currency string) (float64, error) {
	raw, err := c.Request(ctx, "private/get_account_summary", map[string]any{
		"currency": currency,
	})
	if err != nil {
		return 0, err
	}
	var s accountSummary
	if err := unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("account_summary decode: %w", err)
	}
	return s.Equity, nil
}

// ClosePosition — рыночное закрытие всей позиции по инструменту.
func (c *Client) ClosePosition(ctx context.Context, instrument string) error {
	_, err := c.Request(ctx, "private/close_position", map[string]any{
		"instrument_name": instrument,
		"type":            "market",
	})
	return err
}

func (c *Client) GetInstrument(ctx context.Context, instrument string) (*models.Instrument, error) {
	raw, err := c.Request(ctx, "public/get_instrument", map[string]any{"instrument_name": instrument})
	if err != nil {
		return nil, err
	}
	var w wireInstrument
	if err := unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("get_instrument decode: %w", err)
	}
	inst := models.Instrument{
		InstrumentName:   w.InstrumentName,
		TickSize:         w.TickSize,
		MinTradeAmount:   w.MinTradeAmount,
		AmountStep:       w.ContractSize,
		MaxLeverage:      w.MaxLeverage,
		MaxTriggerOrders: w.MaxTriggerOrders,
		SettleCcy:        w.SettlementCcy,
		IsActive:         w.IsActive,
	}
	if inst.AmountStep <= 0 {
		inst.AmountStep = w.MinTradeAmount
	}
	if inst.MaxTriggerOrders <= 0 {
		inst.MaxTriggerOrders = 20 // дефолт биржи
	}
	return &inst, nil
}

func (c *Client) Ticker(ctx context.Context, instrument string) (*models.Ticker, error) {
	raw, err := c.Request(ctx, "public/ticker", map[string]any{"instrument_name": instrument})
	if err != nil {
		return nil, err
	}
	var w wireTicker
	if err := unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("ticker decode: %w", err)
	}
	return &models.Ticker{
		InstrumentName: w.InstrumentName,
		LastPrice:      w.LastPrice,
		MarkPrice:      w.MarkPrice,
		BestBid:        w.BestBidPrice,
		BestAsk:        w.BestAskPrice,
	}, nil
}

func toOrder(w wireOrder) *models.Order {
	return &models.Order{
		OrderID:        w.OrderID,
		InstrumentName: w.InstrumentName,
		Direction:      models.Side(w.Direction),
		OrderType:      models.OrderType(w.OrderType),
		OrderState:     models.OrderState(w.OrderState),
		Price:          w.Price,
		TriggerPrice:   w.TriggerPrice,
		Amount:         w.Amount,
		FilledAmount:   w.FilledAmount,
		AveragePrice:   w.AveragePrice,
		ReduceOnly:     w.ReduceOnly,
		Label:          w.Label,
	}
}

func toPosition(w wirePosition) models.Position {
	size := w.Size
	if size < 0 {
		size = -size
	}
	return models.Position{
		InstrumentName: w.InstrumentName,
		Direction:      models.Side(w.Direction),
		Size:           size,
		AveragePrice:   w.AveragePrice,
		MarkPrice:      w.MarkPrice,
		Leverage:       w.Leverage,
		FloatingPnl:    w.FloatingPnl,
	}
}
