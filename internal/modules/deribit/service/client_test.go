package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deribit_bot/internal/models"
	"deribit_bot/internal/modules/config"
)

// fakeConn — сокет в памяти: in читает клиент, out пишет клиент.
type fakeConn struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 32),
		out:    make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-f.in:
		return websocket.TextMessage, msg, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("use of closed connection")
	default:
	}
	f.out <- data
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// handler перекрывает ответ на метод: (nil, true) — молчать (таймаут),
// (*rpcErrorBody, true) — ответить ошибкой, (x, true) — ответить x.
type rpcHandler func(method string, id int64, params json.RawMessage) (any, bool)

// serve — автоответчик: auth и служебные вызовы закрывает сам.
func (f *fakeConn) serve(handler rpcHandler) {
	go func() {
		for {
			var raw []byte
			select {
			case <-f.closed:
				return
			case raw = <-f.out:
			}

			var req struct {
				ID     int64           `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if json.Unmarshal(raw, &req) != nil {
				continue
			}

			var result any
			if handler != nil {
				if res, override := handler(req.Method, req.ID, req.Params); override {
					if res == nil {
						continue
					}
					result = res
				}
			}
			if result == nil {
				switch req.Method {
				case "public/auth":
					result = authResult{AccessToken: "tok", ExpiresIn: 900}
				default:
					result = map[string]any{}
				}
			}

			var body []byte
			if eb, isErr := result.(*rpcErrorBody); isErr {
				body, _ = json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": eb})
			} else {
				body, _ = json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
			}
			select {
			case f.in <- body:
			case <-f.closed:
				return
			}
		}
	}()
}

func testCfg() config.DeribitConfig {
	return config.DeribitConfig{
		LiveURL:           "wss://unit.test/ws",
		TestnetURL:        "wss://unit.test/ws",
		RequestTimeout:    300 * time.Millisecond,
		HeartbeatInterval: 30,
		SelfPingInterval:  time.Hour,
		MaxReconnects:     2,
		ReconnectBase:     10 * time.Millisecond,
		BreakerCooldown:   time.Hour,
		VerifyRetries:     2,
		VerifyRetryDelay:  10 * time.Millisecond,
	}
}

func dialTo(f *fakeConn) Dialer {
	return func(context.Context, string) (Conn, error) { return f, nil }
}

var testCreds = &models.Credentials{APIKey: "key", APISecret: "secret"}

func connectedClient(t *testing.T, f *fakeConn, handler rpcHandler) *Client {
	t.Helper()
	f.serve(handler)
	c := NewClient(testCfg(), models.EnvTestnet)
	c.dial = dialTo(f)
	require.NoError(t, c.Connect(context.Background(), testCreds))
	require.True(t, c.IsConnected())
	return c
}

func TestSignKnownVector(t *testing.T) {
	got := sign("deribit-secret", 1700000000000, "abcd1234")
	assert.Equal(t, "b71c332f17c074cb04763b026c61805297c4d63963ca2407479b9bcf408781f2", got)
}

func TestConnectSendsClientSignature(t *testing.T) {
	var mu sync.Mutex
	var authParams map[string]any

	f := newFakeConn()
	c := connectedClient(t, f, func(method string, _ int64, params json.RawMessage) (any, bool) {
		if method == "public/auth" {
			mu.Lock()
			_ = json.Unmarshal(params, &authParams)
			mu.Unlock()
		}
		return nil, false
	})
	defer c.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, authParams)
	assert.Equal(t, "client_signature", authParams["grant_type"])
	assert.Equal(t, "key", authParams["client_id"])
	assert.NotEmpty(t, authParams["signature"])
	assert.NotEmpty(t, authParams["nonce"])
}

func TestRequestIDsStrictlyIncreasing(t *testing.T) {
	var mu sync.Mutex
	var ids []int64

	f := newFakeConn()
	c := connectedClient(t, f, func(_ string, id int64, _ json.RawMessage) (any, bool) {
		mu.Lock()
		ids = append(ids, id)
		mu.Unlock()
		return nil, false
	})
	defer c.Disconnect()

	for n := 0; n < 3; n++ {
		_, err := c.Request(context.Background(), "public/test", nil)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(ids), 4) // auth + set_heartbeat + 3 теста минус молчуны
	for n := 1; n < len(ids); n++ {
		assert.Greater(t, ids[n], ids[n-1])
	}
}

func TestRequestCorrelation(t *testing.T) {
	f := newFakeConn()
	c := connectedClient(t, f, func(method string, _ int64, _ json.RawMessage) (any, bool) {
		switch method {
		case "public/first":
			return map[string]string{"tag": "first"}, true
		case "public/second":
			return map[string]string{"tag": "second"}, true
		}
		return nil, false
	})
	defer c.Disconnect()

	var wg sync.WaitGroup
	results := make([]string, 2)
	for n, method := range []string{"public/first", "public/second"} {
		wg.Add(1)
		go func(n int, method string) {
			defer wg.Done()
			raw, err := c.Request(context.Background(), method, nil)
			if err != nil {
				return
			}
			var res struct {
				Tag string `json:"tag"`
			}
			_ = json.Unmarshal(raw, &res)
			results[n] = res.Tag
		}(n, method)
	}
	wg.Wait()

	assert.Equal(t, "first", results[0])
	assert.Equal(t, "second", results[1])
}

func TestRequestTimeout(t *testing.T) {
	f := newFakeConn()
	c := connectedClient(t, f, func(method string, _ int64, _ json.RawMessage) (any, bool) {
		if method == "private/hang" {
			return nil, true // молчим
		}
		return nil, false
	})
	defer c.Disconnect()

	start := time.Now()
	_, err := c.Request(context.Background(), "private/hang", nil)
	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.GreaterOrEqual(t, time.Since(start), testCfg().RequestTimeout)

	// снятый по таймауту запрос не мешает следующим
	_, err = c.Request(context.Background(), "public/test", nil)
	assert.NoError(t, err)
}

func TestRPCErrorSurfaced(t *testing.T) {
	f := newFakeConn()
	c := connectedClient(t, f, func(method string, _ int64, _ json.RawMessage) (any, bool) {
		if method == "private/buy" {
			return &rpcErrorBody{Code: 10009, Message: "not_enough_funds"}, true
		}
		return nil, false
	})
	defer c.Disconnect()

	_, err := c.Request(context.Background(), "private/buy", nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, 10009, rpcErr.Code)
	assert.Equal(t, "private/buy", rpcErr.Method)
}

func TestUnknownResponseIDDropped(t *testing.T) {
	f := newFakeConn()
	c := connectedClient(t, f, nil)
	defer c.Disconnect()

	// поздний ответ с чужим id — просто выбрасывается
	f.in <- []byte(`{"jsonrpc":"2.0","id":99999,"result":{}}`)

	_, err := c.Request(context.Background(), "public/test", nil)
	assert.NoError(t, err)
}

func TestDisconnectRejectsPending(t *testing.T) {
	f := newFakeConn()
	c := connectedClient(t, f, func(method string, _ int64, _ json.RawMessage) (any, bool) {
		if method == "private/hang" {
			return nil, true
		}
		return nil, false
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "private/hang", nil)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	c.Disconnect()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("pending request not rejected")
	}
	assert.False(t, c.IsConnected())
}

func TestHeartbeatTestRequestAnswered(t *testing.T) {
	var mu sync.Mutex
	var pinged bool

	f := newFakeConn()
	c := connectedClient(t, f, func(method string, _ int64, _ json.RawMessage) (any, bool) {
		if method == "public/test" {
			mu.Lock()
			pinged = true
			mu.Unlock()
		}
		return nil, false
	})
	defer c.Disconnect()

	f.in <- []byte(`{"jsonrpc":"2.0","method":"heartbeat","params":{"type":"test_request"}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return pinged
	}, time.Second, 10*time.Millisecond)
}

func TestSubscriptionDispatch(t *testing.T) {
	f := newFakeConn()
	c := connectedClient(t, f, nil)
	defer c.Disconnect()

	got := make(chan json.RawMessage, 1)
	require.NoError(t, c.Subscribe(context.Background(), "ticker.BTC-PERPETUAL.raw", func(_ string, data json.RawMessage) {
		got <- data
	}))

	f.in <- []byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"ticker.BTC-PERPETUAL.raw","data":{"last_price":50000}}}`)

	select {
	case data := <-got:
		assert.Contains(t, string(data), "50000")
	case <-time.After(time.Second):
		t.Fatal("subscription not dispatched")
	}

	// push по каналу без подписчика не роняет клиент
	f.in <- []byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"ticker.ETH-PERPETUAL.raw","data":{}}}`)
	_, err := c.Request(context.Background(), "public/test", nil)
	assert.NoError(t, err)
}

func TestResubscribeAfterReconnect(t *testing.T) {
	var mu sync.Mutex
	var resubChannels []string

	f1 := newFakeConn()
	f2 := newFakeConn()
	f2.serve(func(method string, _ int64, params json.RawMessage) (any, bool) {
		if method == "private/subscribe" {
			var p struct {
				Channels []string `json:"channels"`
			}
			_ = json.Unmarshal(params, &p)
			mu.Lock()
			resubChannels = append(resubChannels, p.Channels...)
			mu.Unlock()
		}
		return nil, false
	})

	conns := make(chan *fakeConn, 2)
	conns <- f1
	conns <- f2

	f1.serve(nil)
	c := NewClient(testCfg(), models.EnvTestnet)
	c.dial = func(context.Context, string) (Conn, error) {
		select {
		case f := <-conns:
			return f, nil
		default:
			return nil, errors.New("no more conns")
		}
	}
	require.NoError(t, c.Connect(context.Background(), testCreds))

	got := make(chan struct{}, 4)
	require.NoError(t, c.Subscribe(context.Background(), "user.orders.BTC-PERPETUAL.raw", func(string, json.RawMessage) {
		got <- struct{}{}
	}))

	// рвём первый сокет — клиент обязан переподняться и повторить подписку
	_ = f1.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ch := range resubChannels {
			if ch == "user.orders.BTC-PERPETUAL.raw" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	f2.in <- []byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"user.orders.BTC-PERPETUAL.raw","data":{}}}`)
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("callback lost after reconnect")
	}
	c.Disconnect()
}

func TestBreakerOpensAfterFailedSeries(t *testing.T) {
	f1 := newFakeConn()
	f1.serve(nil)

	var dials atomic.Int32
	c := NewClient(testCfg(), models.EnvTestnet)
	c.dial = func(context.Context, string) (Conn, error) {
		if dials.Add(1) == 1 {
			return f1, nil
		}
		return nil, errors.New("dial refused")
	}
	require.NoError(t, c.Connect(context.Background(), testCreds))
	require.Equal(t, 0, c.ReconnectAttempts())

	_ = f1.Close()

	require.Eventually(t, func() bool {
		return c.BreakerOpen()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, testCfg().MaxReconnects, c.ReconnectAttempts())
	assert.False(t, c.IsConnected())

	c.Disconnect() // останавливает breaker-цикл через сброс кред
}

// slowWriteConn ловит перекрывающиеся записи в сокет.
type slowWriteConn struct {
	*fakeConn
	writing  atomic.Bool
	overlaps atomic.Int32
}

func (s *slowWriteConn) WriteMessage(mt int, data []byte) error {
	if !s.writing.CompareAndSwap(false, true) {
		s.overlaps.Add(1)
	}
	time.Sleep(200 * time.Microsecond)
	s.writing.Store(false)
	return s.fakeConn.WriteMessage(mt, data)
}

func TestConcurrentRequestsSerializeWrites(t *testing.T) {
	f := newFakeConn()
	sc := &slowWriteConn{fakeConn: f}
	f.serve(nil)

	c := NewClient(testCfg(), models.EnvTestnet)
	c.dial = func(context.Context, string) (Conn, error) { return sc, nil }
	require.NoError(t, c.Connect(context.Background(), testCreds))
	defer c.Disconnect()

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				_, err := c.Request(context.Background(), "public/test", map[string]any{})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, sc.overlaps.Load())
}
