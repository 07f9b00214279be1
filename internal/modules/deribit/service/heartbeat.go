package service

import (
	"context"
	"time"

	"deribit_bot/pkg/logger"
)

// setHeartbeat просит биржу слать test_request с заданным интервалом.
func (c *Client) setHeartbeat(ctx context.Context) error {
	interval := c.cfg.HeartbeatInterval
	if interval < 10 {
		interval = 30
	}
	_, err := c.Request(ctx, "public/set_heartbeat", map[string]any{
		"interval": interval,
	})
	return err
}

// pingLoop — свой ping короче серверного heartbeat, на случай тихой смерти сокета.
func (c *Client) pingLoop(stop <-chan struct{}) {
	interval := c.cfg.SelfPingInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.ping()
		}
	}
}

func (c *Client) ping() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.Request(ctx, "public/test", map[string]any{}); err != nil {
		logger.Error("[DERIBIT %s] ping: %v", c.env, err)
	}
}
