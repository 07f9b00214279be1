package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"
)

// sign — HMAC-SHA256 от "timestamp\nnonce\n" секретом аккаунта, hex.
func sign(secret string, timestamp int64, nonce string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(fmt.Sprintf("%d\n%s\n", timestamp, nonce)))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) authenticate(ctx context.Context) error {
	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()
	if creds.Empty() {
		return ErrNotAuthenticated
	}

	ts := time.Now().UnixMilli()
	nonce := fmt.Sprintf("%08x", rand.Uint32())

	params := map[string]any{
		"grant_type": "client_signature",
		"client_id":  creds.APIKey,
		"timestamp":  ts,
		"nonce":      nonce,
		"signature":  sign(creds.APISecret, ts, nonce),
	}

	raw, err := c.Request(ctx, "public/auth", params)
	if err != nil {
		return fmt.Errorf("public/auth: %w", err)
	}

	var res authResult
	if err := unmarshal(raw, &res); err != nil {
		return fmt.Errorf("public/auth decode: %w", err)
	}
	if res.AccessToken == "" {
		return fmt.Errorf("public/auth: пустой access_token")
	}

	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	return nil
}
