package service

import (
	"context"
	"encoding/json"

	"deribit_bot/pkg/logger"
)

// Subscribe регистрирует callback и, если соединение живо, подписывается на бирже.
// Регистрация переживает реконнект: establish повторяет все подписки пачкой.
func (c *Client) Subscribe(ctx context.Context, channel string, cb SubCallback) error {
	c.smu.Lock()
	c.subs[channel] = cb
	c.smu.Unlock()

	if !c.IsConnected() {
		return nil // подхватится при (ре)коннекте
	}
	_, err := c.Request(ctx, "private/subscribe", map[string]any{
		"channels": []string{channel},
	})
	return err
}

func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	c.smu.Lock()
	delete(c.subs, channel)
	c.smu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	_, err := c.Request(ctx, "private/unsubscribe", map[string]any{
		"channels": []string{channel},
	})
	return err
}

// resubscribeAll — одна батч-подписка после auth, чтобы ничего не потерять
// на реконнекте.
func (c *Client) resubscribeAll(ctx context.Context) error {
	c.smu.RLock()
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.smu.RUnlock()

	if len(channels) == 0 {
		return nil
	}
	_, err := c.Request(ctx, "private/subscribe", map[string]any{
		"channels": channels,
	})
	return err
}

func (c *Client) dispatch(channel string, data json.RawMessage) {
	c.smu.RLock()
	cb, ok := c.subs[channel]
	c.smu.RUnlock()

	if !ok {
		// push по каналу без подписчика — лог, не паника
		logger.Info("[DERIBIT %s] push for unhandled channel %q dropped", c.env, channel)
		return
	}
	cb(channel, data)
}
