package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"deribit_bot/pkg/logger"
)

// scheduleReconnect — серия попыток с экспоненциальным backoff (1s,2s,4s,...).
// Исчерпали серию — открываем circuit breaker на cooldown, после него одна
// автоматическая попытка. Успех сбрасывает счётчик.
func (c *Client) scheduleReconnect() {
	c.rmu.Lock()
	if c.reconnecting {
		c.rmu.Unlock()
		return
	}
	c.reconnecting = true
	c.rmu.Unlock()

	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	defer func() {
		c.rmu.Lock()
		c.reconnecting = false
		c.rmu.Unlock()
	}()

	maxAttempts := c.cfg.MaxReconnects
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	cooldown := c.cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectBase
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = time.Second
	}
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = bo.InitialInterval * 16

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		time.Sleep(bo.NextBackOff())

		if !c.hasCreds() {
			return // ручной Disconnect — реконнект не нужен
		}

		c.rmu.Lock()
		c.reconnects = attempt
		c.rmu.Unlock()

		if c.tryEstablish() {
			return
		}
		logger.Error("[DERIBIT %s] reconnect %d/%d failed", c.env, attempt, maxAttempts)
	}

	// серия исчерпана — breaker; после остывания одна попытка
	for {
		c.rmu.Lock()
		c.breakerUntil = time.Now().Add(cooldown)
		c.rmu.Unlock()
		logger.Error("[DERIBIT %s] circuit breaker open for %s", c.env, cooldown)

		time.Sleep(cooldown)

		if !c.hasCreds() {
			return
		}
		if c.tryEstablish() {
			return
		}
	}
}

func (c *Client) hasCreds() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds != nil
}

func (c *Client) tryEstablish() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return c.establish(ctx) == nil
}

// BreakerOpen — реконнекты подавлены до истечения cooldown.
func (c *Client) BreakerOpen() bool {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return time.Now().Before(c.breakerUntil)
}

// ReconnectAttempts — счётчик текущей серии (0 после успешного коннекта).
func (c *Client) ReconnectAttempts() int {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.reconnects
}
