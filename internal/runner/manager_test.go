package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deribit_bot/internal/models"
	"deribit_bot/internal/modules/config"
	deribit "deribit_bot/internal/modules/deribit/service"
	"deribit_bot/internal/notify"
	"deribit_bot/internal/storage"
	"deribit_bot/internal/strategy"
)

// stubExchange — биржа в памяти под весь интерфейс оркестратора.
type stubExchange struct {
	mu        sync.Mutex
	nextID    int
	orders    map[string]*models.Order
	placed    []deribit.OrderRequest
	cancels   []string
	positions []models.Position
	position  *models.Position
	equity    float64
	last      float64
	subs      map[string]deribit.SubCallback

	fillAfterPolls int // маркет подтверждается не сразу, а через N опросов
}

func newStubExchange() *stubExchange {
	return &stubExchange{
		orders: map[string]*models.Order{},
		equity: 10000,
		last:   50000,
		subs:   map[string]deribit.SubCallback{},
	}
}

func (s *stubExchange) Place(_ context.Context, side models.Side, req deribit.OrderRequest) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	o := &models.Order{
		OrderID:        fmt.Sprintf("o-%d", s.nextID),
		InstrumentName: req.Instrument,
		Direction:      side,
		OrderType:      req.Type,
		OrderState:     models.OrderStateOpen,
		Price:          req.Price,
		TriggerPrice:   req.TriggerPrice,
		Amount:         req.Amount,
		ReduceOnly:     req.ReduceOnly,
		Label:          req.Label,
	}
	switch req.Type {
	case models.OrderTypeMarket:
		if s.fillAfterPolls > 0 {
			break // исполнится в GetOrderState
		}
		o.OrderState = models.OrderStateFilled
		o.FilledAmount = req.Amount
		o.AveragePrice = s.last
		if !req.ReduceOnly {
			s.position = &models.Position{
				InstrumentName: req.Instrument,
				Direction:      side,
				Size:           req.Amount,
				AveragePrice:   s.last,
			}
		}
	case models.OrderTypeStopMarket:
		o.OrderState = models.OrderStateUntrigger
	}
	s.orders[o.OrderID] = o
	s.placed = append(s.placed, req)
	return o, nil
}

func (s *stubExchange) Cancel(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, orderID)
	if o, ok := s.orders[orderID]; ok {
		o.OrderState = models.OrderStateCancelled
	}
	return nil
}

func (s *stubExchange) Edit(_ context.Context, orderID string, amount, trigger float64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	o.Amount = amount
	o.TriggerPrice = trigger
	return o, nil
}

func (s *stubExchange) GetOrderState(_ context.Context, orderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	if o.OrderType == models.OrderTypeMarket && o.OrderState == models.OrderStateOpen && s.fillAfterPolls > 0 {
		s.fillAfterPolls--
		if s.fillAfterPolls == 0 {
			o.OrderState = models.OrderStateFilled
			o.FilledAmount = o.Amount
			o.AveragePrice = s.last
			if !o.ReduceOnly {
				s.position = &models.Position{
					InstrumentName: o.InstrumentName,
					Direction:      o.Direction,
					Size:           o.Amount,
					AveragePrice:   s.last,
				}
			}
		}
	}
	cp := *o
	return &cp, nil
}

func (s *stubExchange) GetPosition(_ context.Context, instrument string) (*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.position == nil {
		return &models.Position{InstrumentName: instrument}, nil
	}
	cp := *s.position
	return &cp, nil
}

func (s *stubExchange) GetOpenOrdersByInstrument(_ context.Context, _ string) ([]models.Order, error) {
	return nil, nil
}

func (s *stubExchange) ClosePosition(_ context.Context, instrument string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = nil
	return nil
}

func (s *stubExchange) Ticker(_ context.Context, instrument string) (*models.Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &models.Ticker{InstrumentName: instrument, LastPrice: s.last, MarkPrice: s.last}, nil
}

func (s *stubExchange) GetInstrument(_ context.Context, instrument string) (*models.Instrument, error) {
	return &models.Instrument{
		InstrumentName:   instrument,
		TickSize:         0.5,
		MinTradeAmount:   0.1,
		AmountStep:       0.1,
		MaxLeverage:      50,
		MaxTriggerOrders: 20,
	}, nil
}

func (s *stubExchange) GetAccountSummary(_ context.Context, _ string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.equity, nil
}

func (s *stubExchange) GetPositions(_ context.Context, currency string) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// как на бирже: одна валюта за запрос
	var out []models.Position
	for _, p := range s.positions {
		if instCurrency(p.InstrumentName) == currency {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubExchange) Subscribe(_ context.Context, channel string, cb deribit.SubCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[channel] = cb
	return nil
}

func (s *stubExchange) Unsubscribe(_ context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, channel)
	return nil
}

func (s *stubExchange) IsConnected() bool { return true }

func (s *stubExchange) subscribedTo(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[channel]
	return ok
}

type stubConnector struct {
	ex        Exchange
	gate      chan struct{} // если задан, коннект висит до его закрытия
	entered   chan struct{}
	enterOnce sync.Once
	mu        sync.Mutex
	released  []models.ConnKey
}

func (c *stubConnector) GetOrConnect(_ context.Context, _ models.ConnKey, _ *models.Credentials) (Exchange, error) {
	if c.entered != nil {
		c.enterOnce.Do(func() { close(c.entered) })
	}
	if c.gate != nil {
		<-c.gate
	}
	return c.ex, nil
}

func (c *stubConnector) Release(key models.ConnKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, key)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.EvalInterval = time.Hour // циклы в тестах дергаем руками
	cfg.DefaultCooldown = time.Minute
	cfg.Deribit.VerifyRetries = 2
	cfg.Deribit.VerifyRetryDelay = time.Millisecond
	return cfg
}

func testKey() models.InstanceKey {
	return models.InstanceKey{
		UserID:     7,
		Strategy:   "emarsi",
		Instrument: "BTC-PERPETUAL",
		Broker:     models.BrokerDeribit,
		Env:        models.EnvTestnet,
	}
}

func testStrategyConfig() models.StrategyConfig {
	return models.StrategyConfig{
		Timeframe:       "1m",
		RiskMode:        models.RiskModePercent,
		RiskValue:       1,
		StopLossMode:    models.StopLossPercent,
		StopLossValue:   0.5,
		TakeProfitMode:  models.TakeProfitRiskReward,
		TakeProfitValue: 3,
		TrailMethod:     models.TrailSwing,
		EMAShort:        9,
		EMALong:         21,
		RSIPeriod:       14,
		RSIOverbought:   70,
		RSIOversold:     30,
	}
}

type runnerEnv struct {
	m     *Manager
	ex    *stubExchange
	conns *stubConnector
	store *storage.MemoryStore
}

func newRunnerEnv(t *testing.T) *runnerEnv {
	t.Helper()
	ex := newStubExchange()
	conns := &stubConnector{ex: ex}
	store := storage.NewMemoryStore()
	store.PutCredentials(testKey().ConnKey(), &models.Credentials{APIKey: "k", APISecret: "s"})
	m := New(testConfig(), conns, store, store, store, notify.NewStdout(), nil)
	return &runnerEnv{m: m, ex: ex, conns: conns, store: store}
}

func TestStartStrategyPersistsAndRuns(t *testing.T) {
	env := newRunnerEnv(t)
	key := testKey()

	require.NoError(t, env.m.StartStrategy(context.Background(), key, testStrategyConfig()))
	defer env.m.StopStrategy(context.Background(), key)

	saved, ok := env.store.Get(key)
	require.True(t, ok)
	assert.Equal(t, models.StatusAnalyzing, saved.Status)

	list := env.m.Instances()
	require.Len(t, list, 1)
	assert.Equal(t, key, list[0].Key)
}

func TestStartStrategyRejectsDuplicateKey(t *testing.T) {
	env := newRunnerEnv(t)
	key := testKey()

	require.NoError(t, env.m.StartStrategy(context.Background(), key, testStrategyConfig()))
	defer env.m.StopStrategy(context.Background(), key)

	err := env.m.StartStrategy(context.Background(), key, testStrategyConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestStartStrategyConcurrentDuplicateOneWins(t *testing.T) {
	env := newRunnerEnv(t)
	key := testKey()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for n := 0; n < 2; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.m.StartStrategy(context.Background(), key, testStrategyConfig())
		}()
	}
	wg.Wait()
	close(errs)

	var ok, failed int
	for err := range errs {
		if err == nil {
			ok++
		} else {
			failed++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)

	_ = env.m.StopStrategy(context.Background(), key)
}

func TestStartStrategyRejectsOpenPositionOnExchange(t *testing.T) {
	env := newRunnerEnv(t)
	// позиция в чужой валюте: запускаем BTC-стратегию при открытом ETH —
	// правило одной позиции смотрит все расчётные валюты
	env.ex.positions = []models.Position{
		{InstrumentName: "ETH-PERPETUAL", Direction: models.SideBuy, Size: 3},
	}

	err := env.m.StartStrategy(context.Background(), testKey(), testStrategyConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open position")
	assert.Empty(t, env.m.Instances())
}

func TestStartStrategyRejectsSecondStrategyWhilePositionOpen(t *testing.T) {
	env := newRunnerEnv(t)
	key := testKey()
	require.NoError(t, env.m.StartStrategy(context.Background(), key, testStrategyConfig()))
	defer env.m.StopStrategy(context.Background(), key)

	// у первой стратегии открылась позиция
	env.m.mu.Lock()
	inst := env.m.instances[key]
	env.m.mu.Unlock()
	inst.mu.Lock()
	inst.st.Bracket = &models.BracketState{Status: models.BracketArmed, InstrumentName: key.Instrument}
	inst.mu.Unlock()

	other := key
	other.Strategy = "donchian"
	err := env.m.StartStrategy(context.Background(), other, testStrategyConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open position")
}

func TestStartStrategyRequiresCredentials(t *testing.T) {
	env := newRunnerEnv(t)
	key := testKey()
	key.UserID = 999 // ключей нет

	err := env.m.StartStrategy(context.Background(), key, testStrategyConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api keys")
	assert.Empty(t, env.m.Instances())
}

func TestStopStrategyDeletesFlatInstance(t *testing.T) {
	env := newRunnerEnv(t)
	key := testKey()
	require.NoError(t, env.m.StartStrategy(context.Background(), key, testStrategyConfig()))

	require.NoError(t, env.m.StopStrategy(context.Background(), key))

	_, ok := env.store.Get(key)
	assert.False(t, ok)
	assert.Empty(t, env.m.Instances())

	env.conns.mu.Lock()
	defer env.conns.mu.Unlock()
	assert.Contains(t, env.conns.released, key.ConnKey())
}

func TestStopStrategyRetainsOpenPosition(t *testing.T) {
	env := newRunnerEnv(t)
	key := testKey()
	require.NoError(t, env.m.StartStrategy(context.Background(), key, testStrategyConfig()))

	env.m.mu.Lock()
	inst := env.m.instances[key]
	env.m.mu.Unlock()
	inst.mu.Lock()
	inst.st.Bracket = &models.BracketState{Status: models.BracketTrailing, InstrumentName: key.Instrument}
	inst.mu.Unlock()

	require.NoError(t, env.m.StopStrategy(context.Background(), key))

	saved, ok := env.store.Get(key)
	require.True(t, ok)
	assert.Equal(t, models.StatusStopped, saved.Status)
	assert.True(t, saved.Resumable)
}

func TestEnterPlacesEntryAndArmsBracket(t *testing.T) {
	env := newRunnerEnv(t)
	key := testKey()
	require.NoError(t, env.m.StartStrategy(context.Background(), key, testStrategyConfig()))
	defer env.m.StopStrategy(context.Background(), key)

	env.m.mu.Lock()
	inst := env.m.instances[key]
	env.m.mu.Unlock()

	inst.enter(context.Background(), strategy.Signal{
		Instrument: key.Instrument,
		Side:       models.SideBuy,
		Price:      50000,
		Reason:     "test signal",
	})

	// маркет-вход, затем стоп, затем тейк — в этом порядке
	types := func() []models.OrderType {
		env.ex.mu.Lock()
		defer env.ex.mu.Unlock()
		out := make([]models.OrderType, 0, len(env.ex.placed))
		for _, r := range env.ex.placed {
			out = append(out, r.Type)
		}
		return out
	}()
	require.Equal(t, []models.OrderType{models.OrderTypeMarket, models.OrderTypeStopMarket, models.OrderTypeLimit}, types)

	// risk: 1% от 10000 = 100; стоп 0.5% от 50000 = 250 пунктов => qty 0.4
	env.ex.mu.Lock()
	entry := env.ex.placed[0]
	sl := env.ex.placed[1]
	env.ex.mu.Unlock()
	assert.InDelta(t, 0.4, entry.Amount, 1e-9)
	assert.Equal(t, 49750.0, sl.TriggerPrice)

	assert.Equal(t, models.StatusPositionOpen, inst.Status())
	saved, _ := env.store.Get(key)
	require.NotNil(t, saved.Bracket)
	assert.Equal(t, models.BracketArmed, saved.Bracket.Status)
	assert.True(t, env.ex.subscribedTo("user.orders.BTC-PERPETUAL.raw"))
}

func TestStopDuringFillVerificationStillArmsProtection(t *testing.T) {
	env := newRunnerEnv(t)
	key := testKey()
	require.NoError(t, env.m.StartStrategy(context.Background(), key, testStrategyConfig()))
	defer env.m.StopStrategy(context.Background(), key)

	env.m.mu.Lock()
	inst := env.m.instances[key]
	env.m.mu.Unlock()

	// маркет подтверждается не с первого опроса, а стоп уже пришёл:
	// вход всё равно доводится до брекета, позиция не остаётся голой
	env.ex.mu.Lock()
	env.ex.fillAfterPolls = 2
	env.ex.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inst.enter(ctx, strategy.Signal{Instrument: key.Instrument, Side: models.SideBuy, Price: 50000})

	require.Equal(t, models.StatusPositionOpen, inst.Status())

	types := func() []models.OrderType {
		env.ex.mu.Lock()
		defer env.ex.mu.Unlock()
		out := make([]models.OrderType, 0, len(env.ex.placed))
		for _, r := range env.ex.placed {
			out = append(out, r.Type)
		}
		return out
	}()
	require.Equal(t, []models.OrderType{models.OrderTypeMarket, models.OrderTypeStopMarket, models.OrderTypeLimit}, types)

	saved, _ := env.store.Get(key)
	require.NotNil(t, saved.Bracket)
	assert.Equal(t, models.BracketArmed, saved.Bracket.Status)
}

func TestStopWhileConnectingDoesNotBlock(t *testing.T) {
	env := newRunnerEnv(t)
	key := testKey()
	env.conns.gate = make(chan struct{})
	env.conns.entered = make(chan struct{})

	startErr := make(chan error, 1)
	go func() {
		startErr <- env.m.StartStrategy(context.Background(), key, testStrategyConfig())
	}()
	<-env.conns.entered // подготовка висит на коннекте

	stopErr := make(chan error, 1)
	go func() {
		stopErr <- env.m.StopStrategy(context.Background(), key)
	}()
	select {
	case err := <-stopErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("StopStrategy завис на экземпляре без цикла")
	}

	close(env.conns.gate)
	err := <-startErr
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped during startup")
	assert.Empty(t, env.m.Instances())
}

func TestStopFillRecordsTradeAndCoolsDown(t *testing.T) {
	env := newRunnerEnv(t)
	key := testKey()
	require.NoError(t, env.m.StartStrategy(context.Background(), key, testStrategyConfig()))
	defer env.m.StopStrategy(context.Background(), key)

	env.m.mu.Lock()
	inst := env.m.instances[key]
	env.m.mu.Unlock()
	inst.enter(context.Background(), strategy.Signal{Side: models.SideBuy, Price: 50000})
	require.Equal(t, models.StatusPositionOpen, inst.Status())

	// стоп исполнился — позиция пропала с биржи
	st := inst.bkt.State()
	env.ex.mu.Lock()
	env.ex.position = nil
	env.ex.mu.Unlock()
	inst.bkt.OnOrderUpdate(context.Background(), models.Order{
		OrderID:    st.SLOrderID,
		OrderState: models.OrderStateFilled,
	})

	inst.watchPosition(context.Background())

	assert.Equal(t, models.StatusCooldown, inst.Status())
	trades := env.store.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, key.UserID, trades[0].UserID)
	assert.InDelta(t, 0.4, trades[0].Quantity, 1e-9)
	assert.False(t, env.ex.subscribedTo("user.orders.BTC-PERPETUAL.raw"))
}

func TestOrderUpdatesRoutedToBracket(t *testing.T) {
	env := newRunnerEnv(t)
	key := testKey()
	require.NoError(t, env.m.StartStrategy(context.Background(), key, testStrategyConfig()))
	defer env.m.StopStrategy(context.Background(), key)

	env.m.mu.Lock()
	inst := env.m.instances[key]
	env.m.mu.Unlock()
	inst.enter(context.Background(), strategy.Signal{Side: models.SideBuy, Price: 50000})

	st := inst.bkt.State()
	payload, _ := json.Marshal(map[string]any{
		"order_id":      st.TP1OrderID,
		"order_state":   "filled",
		"filled_amount": 0.2,
	})

	env.ex.mu.Lock()
	cb := env.ex.subs["user.orders.BTC-PERPETUAL.raw"]
	env.ex.mu.Unlock()
	require.NotNil(t, cb)
	cb("user.orders.BTC-PERPETUAL.raw", payload)

	assert.Equal(t, models.BracketTP1Hit, inst.bkt.Status())
}

func TestResumeAllPurgesNonResumable(t *testing.T) {
	env := newRunnerEnv(t)
	stale := testKey()
	stale.Strategy = "donchian"
	require.NoError(t, env.store.Save(context.Background(), &models.StrategyInstance{
		Key:    stale,
		Status: models.StatusStopped,
		Config: testStrategyConfig(),
	}))

	keep := testKey()
	cfg := testStrategyConfig()
	cfg.AutoReconnect = true
	require.NoError(t, env.store.Save(context.Background(), &models.StrategyInstance{
		Key:       keep,
		Status:    models.StatusAnalyzing,
		Config:    cfg,
		Resumable: true,
	}))

	require.NoError(t, env.m.ResumeAll(context.Background()))
	defer env.m.StopStrategy(context.Background(), keep)

	_, ok := env.store.Get(stale)
	assert.False(t, ok)

	list := env.m.Instances()
	require.Len(t, list, 1)
	assert.Equal(t, keep, list[0].Key)
	assert.Equal(t, models.StatusAnalyzing, list[0].Status)
}

func TestResumeReattachesOpenPosition(t *testing.T) {
	env := newRunnerEnv(t)
	key := testKey()
	env.ex.position = &models.Position{InstrumentName: key.Instrument, Direction: models.SideBuy, Size: 0.4, AveragePrice: 50000}
	require.NoError(t, env.store.Save(context.Background(), &models.StrategyInstance{
		Key:    key,
		Status: models.StatusPositionOpen,
		Config: testStrategyConfig(),
		Bracket: &models.BracketState{
			Status:         models.BracketArmed,
			InstrumentName: key.Instrument,
			Direction:      models.SideBuy,
			Entry:          50000,
			StopPrice:      49750,
			TotalQty:       0.4,
			RemainingQty:   0.4,
			SLOrderID:      "sl-1",
			TP1OrderID:     "tp-1",
			TrailMethod:    models.TrailSwing,
		},
	}))

	require.NoError(t, env.m.ResumeAll(context.Background()))
	defer env.m.StopStrategy(context.Background(), key)

	saved, ok := env.store.Get(key)
	require.True(t, ok)
	assert.Equal(t, models.StatusPositionOpen, saved.Status)
	assert.True(t, env.ex.subscribedTo("user.orders.BTC-PERPETUAL.raw"))

	env.m.mu.Lock()
	inst := env.m.instances[key]
	env.m.mu.Unlock()
	require.NotNil(t, inst.bkt)
	assert.Equal(t, models.BracketArmed, inst.bkt.Status())
}

func TestResumeClosedOfflinePositionGoesToCooldown(t *testing.T) {
	env := newRunnerEnv(t)
	key := testKey()
	// позиции на бирже больше нет
	require.NoError(t, env.store.Save(context.Background(), &models.StrategyInstance{
		Key:    key,
		Status: models.StatusPositionOpen,
		Config: testStrategyConfig(),
		Bracket: &models.BracketState{
			Status:         models.BracketTrailing,
			InstrumentName: key.Instrument,
			RemainingQty:   0.2,
		},
	}))

	require.NoError(t, env.m.ResumeAll(context.Background()))
	defer env.m.StopStrategy(context.Background(), key)

	saved, ok := env.store.Get(key)
	require.True(t, ok)
	assert.Equal(t, models.StatusCooldown, saved.Status)
	assert.Equal(t, models.BracketClosed, saved.Bracket.Status)
}
