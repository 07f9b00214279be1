package service

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"deribit_bot/internal/models"
	"deribit_bot/internal/modules/config"
	"deribit_bot/pkg/logger"
)

// Conn — минимум от websocket-соединения, чтобы тесты могли подсунуть фейк.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer func(ctx context.Context, url string) (Conn, error)

func gorillaDial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type rpcResult struct {
	frame rpcFrame
	err   error
}

type pendingRequest struct {
	id        int64
	ch        chan rpcResult
	createdAt time.Time
}

type SubCallback func(channel string, data json.RawMessage)

// Client владеет одним соединением с биржей (на пару user+broker+env).
type Client struct {
	cfg  config.DeribitConfig
	env  models.Env
	dial Dialer

	// дергается при смене состояния соединения (health, события)
	OnState func(connected bool)

	mu        sync.Mutex
	wmu       sync.Mutex // gorilla: на сокете одновременно пишет только один
	conn      Conn
	creds     *models.Credentials
	connected bool
	authed    bool
	pingStop  chan struct{}

	reqID atomic.Int64

	pmu     sync.Mutex
	pending map[int64]*pendingRequest

	smu  sync.RWMutex
	subs map[string]SubCallback

	rmu          sync.Mutex
	reconnects   int
	reconnecting bool
	breakerUntil time.Time
}

func NewClient(cfg config.DeribitConfig, env models.Env) *Client {
	return &Client{
		cfg:     cfg,
		env:     env,
		dial:    gorillaDial,
		pending: make(map[int64]*pendingRequest),
		subs:    make(map[string]SubCallback),
	}
}

func (c *Client) url() string {
	if c.env == models.EnvTestnet {
		return c.cfg.TestnetURL
	}
	return c.cfg.LiveURL
}

// Connect: сокет -> auth -> heartbeat -> повтор подписок одной пачкой.
func (c *Client) Connect(ctx context.Context, creds *models.Credentials) error {
	if creds.Empty() {
		return ErrNotAuthenticated
	}

	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()

	return c.establish(ctx)
}

func (c *Client) establish(ctx context.Context) error {
	conn, err := c.dial(ctx, c.url())
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.authed = false
	c.pingStop = make(chan struct{})
	pingStop := c.pingStop
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.authenticate(ctx); err != nil {
		c.teardown(conn)
		return err
	}

	if err := c.setHeartbeat(ctx); err != nil {
		logger.Error("[DERIBIT %s] set_heartbeat: %v", c.env, err)
	}
	go c.pingLoop(pingStop)

	if err := c.resubscribeAll(ctx); err != nil {
		logger.Error("[DERIBIT %s] resubscribe: %v", c.env, err)
	}

	c.rmu.Lock()
	c.reconnects = 0
	c.rmu.Unlock()

	if c.OnState != nil {
		c.OnState(true)
	}
	logger.Info("[DERIBIT %s] connected", c.env)
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.authed
}

// Disconnect — ручное отключение: сбрасываем креды, реконнекта не будет.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.creds = nil
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.teardown(conn)
	}
}

// teardown закрывает сокет и отклоняет все висящие запросы —
// никто не должен ждать дольше таймаута запроса.
func (c *Client) teardown(conn Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.authed = false
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	c.conn = nil
	c.mu.Unlock()

	_ = conn.Close()
	c.failAllPending(ErrDisconnected)

	if c.OnState != nil {
		c.OnState(false)
	}
}

func (c *Client) readLoop(conn Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := c.conn == conn
			hasCreds := c.creds != nil
			c.mu.Unlock()

			if !current {
				return // уже оторвали этот сокет
			}
			logger.Error("[DERIBIT %s] read: %v", c.env, err)
			c.teardown(conn)
			if hasCreds {
				c.scheduleReconnect()
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg []byte) {
	var frame rpcFrame
	if err := unmarshal(msg, &frame); err != nil {
		logger.Error("[DERIBIT %s] bad frame: %v", c.env, err)
		return
	}

	// ответ на запрос
	if frame.ID != nil {
		c.pmu.Lock()
		p, ok := c.pending[*frame.ID]
		if ok {
			delete(c.pending, *frame.ID)
		}
		c.pmu.Unlock()
		if !ok {
			// поздний или чужой ответ — логируем и выбрасываем
			logger.Info("[DERIBIT %s] response for unknown id=%d dropped", c.env, *frame.ID)
			return
		}
		p.ch <- rpcResult{frame: frame}
		return
	}

	switch frame.Method {
	case "subscription":
		var sp subscriptionParams
		if err := unmarshal(frame.Params, &sp); err != nil {
			logger.Error("[DERIBIT %s] bad subscription params: %v", c.env, err)
			return
		}
		c.dispatch(sp.Channel, sp.Data)
	case "heartbeat":
		var hp heartbeatParams
		_ = unmarshal(frame.Params, &hp)
		if hp.Type == "test_request" {
			// отвечаем no-op пингом, иначе биржа закроет сокет
			go c.ping()
		}
	default:
		logger.Info("[DERIBIT %s] unsolicited method %q dropped", c.env, frame.Method)
	}
}

func (c *Client) failAllPending(err error) {
	c.pmu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.pmu.Unlock()

	for _, p := range pending {
		p.ch <- rpcResult{err: err}
	}
}
