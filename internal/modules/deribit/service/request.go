package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

func marshal(v any) ([]byte, error)   { return sonic.Marshal(v) }
func unmarshal(b []byte, v any) error { return sonic.Unmarshal(b, v) }

// Request — коррелированный RPC: строго растущий id, ответ матчится по id,
// таймаут (по умолчанию 30s) снимает запрос из pending и возвращает ошибку.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return nil, ErrDisconnected
	}

	id := c.reqID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	payload, err := marshal(req)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{
		id:        id,
		ch:        make(chan rpcResult, 1),
		createdAt: time.Now(),
	}
	c.pmu.Lock()
	c.pending[id] = p
	c.pmu.Unlock()

	if err := c.write(conn, payload); err != nil {
		c.removePending(id)
		c.teardown(conn)
		return nil, ErrDisconnected
	}

	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()

	select {
	case res := <-p.ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.frame.Error != nil {
			return nil, &RPCError{
				Code:    res.frame.Error.Code,
				Message: res.frame.Error.Message,
				Method:  method,
			}
		}
		return res.frame.Result, nil
	case <-tmr.C:
		c.removePending(id)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// write сериализует исходящие фреймы: конкурентные Request, пинги и
// брекет делят один сокет.
func (c *Client) write(conn Conn, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) removePending(id int64) {
	c.pmu.Lock()
	delete(c.pending, id)
	c.pmu.Unlock()
}
