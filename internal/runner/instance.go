package runner

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"deribit_bot/internal/bracket"
	"deribit_bot/internal/models"
	deribit "deribit_bot/internal/modules/deribit/service"
	"deribit_bot/internal/risk"
	"deribit_bot/internal/strategy"
	"deribit_bot/pkg/logger"
)

// Instance — один живой экземпляр стратегии: своя горутина, свой
// движок индикаторов, свой брекет на время позиции.
type Instance struct {
	key models.InstanceKey
	mgr *Manager

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool

	mu            sync.Mutex
	st            *models.StrategyInstance
	ex            Exchange
	rules         models.Instrument
	eng           strategy.Engine
	bkt           *bracket.Manager
	agg           *candleAgg
	cooldownUntil time.Time
	subscribed    bool
}

func newInstance(m *Manager, key models.InstanceKey, scfg models.StrategyConfig) *Instance {
	ctx, cancel := context.WithCancel(context.Background())
	return &Instance{
		key:    key,
		mgr:    m,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		st: &models.StrategyInstance{
			Key:    key,
			Status: models.StatusIdle,
			Config: scfg,
		},
		agg: newCandleAgg(scfg.Timeframe),
	}
}

func (i *Instance) attach(ex Exchange, rules models.Instrument, eng strategy.Engine) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ex = ex
	i.rules = rules
	i.eng = eng
}

func (i *Instance) start() {
	i.started.Store(true)
	go i.run()
}

// stop ждёт цикл только если он запускался: экземпляр в карте появляется
// раньше start(), и стоп во время подготовки не должен зависнуть.
func (i *Instance) stop() {
	i.cancel()
	if i.started.Load() {
		<-i.done
	}
}

func (i *Instance) Status() models.InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.st.Status
}

func (i *Instance) hasOpenPosition() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.st.HasOpenPosition()
}

// snapshot — глубокая копия для персиста и дашборда.
func (i *Instance) snapshot() *models.StrategyInstance {
	i.mu.Lock()
	defer i.mu.Unlock()
	cp := *i.st
	if i.st.Bracket != nil {
		b := *i.st.Bracket
		cp.Bracket = &b
	}
	return &cp
}

func (i *Instance) run() {
	defer close(i.done)

	t := time.NewTicker(i.mgr.cfg.EvalInterval)
	defer t.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-t.C:
			i.tick(i.ctx)
		}
	}
}

func (i *Instance) tick(ctx context.Context) {
	if i.mgr.health != nil {
		i.mgr.health.TouchTick(time.Now())
	}

	switch i.Status() {
	case models.StatusAnalyzing:
		i.analyze(ctx)
	case models.StatusCooldown:
		i.mu.Lock()
		expired := time.Now().After(i.cooldownUntil)
		i.mu.Unlock()
		if expired {
			i.transition(ctx, models.StatusAnalyzing)
		}
	case models.StatusPositionOpen:
		i.watchPosition(ctx)
	}
}

func (i *Instance) analyze(ctx context.Context) {
	tk, err := i.ex.Ticker(ctx, i.key.Instrument)
	if err != nil {
		// транзиентные ошибки не валят цикл, реконнект — забота клиента
		logger.Error("runner %s: ticker: %v", i.key, err)
		return
	}

	c, closed := i.agg.push(i.key.Instrument, tk.LastPrice, time.Now())
	if !closed {
		return
	}

	sig := i.eng.OnCandle(c)

	i.mu.Lock()
	i.st.Analysis = models.AnalysisSnapshot{
		At:     time.Now(),
		Price:  c.Close,
		Side:   sig.Side,
		Reason: sig.Reason,
	}
	i.mu.Unlock()

	if sig.Side == "" {
		return
	}

	logger.Info("runner %s: сигнал %s @ %.2f (%s)", i.key, sig.Side, sig.Price, sig.Reason)
	i.transition(ctx, models.StatusSignalDetected)
	i.enter(ctx, sig)
}

// enter ведёт вход: риск, маркет-ордер, ожидание исполнения, брекет.
func (i *Instance) enter(ctx context.Context, sig strategy.Signal) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "runner.enter")
	span.SetTag("instrument", i.key.Instrument)
	span.SetTag("strategy", i.key.Strategy)
	defer span.Finish()

	i.mu.Lock()
	scfg := i.st.Config
	rules := i.rules
	i.mu.Unlock()

	equity, err := i.ex.GetAccountSummary(ctx, instCurrency(i.key.Instrument))
	if err != nil {
		i.retreat(ctx, "account summary: %v", err)
		return
	}

	stop := risk.CalculateStopLoss(sig.Price, sig.Side, scfg.StopLossMode, scfg.StopLossValue, scfg.StopLossValue, rules.TickSize)
	tp := risk.CalculateTakeProfit(sig.Price, stop, sig.Side, scfg.TakeProfitMode, scfg.TakeProfitValue, rules.TickSize)

	res := risk.CalculatePosition(models.RiskSpec{
		Mode:   scfg.RiskMode,
		Value:  scfg.RiskValue,
		Equity: equity,
		Entry:  sig.Price,
		Stop:   stop,
		Rules:  rules,
	})
	if !res.Success {
		i.retreat(ctx, "риск отклонил вход: %s", res.Reason)
		return
	}
	for _, w := range res.Warnings {
		logger.Info("runner %s: risk warning: %s", i.key, w)
	}

	// с этого места отмена недопустима: маркет может уже исполниться,
	// и позиция не должна остаться без стопа из-за StopStrategy
	ctx = context.WithoutCancel(ctx)

	// персист до выставления ордера: падение между ордером и брекетом
	// должно восстановиться в известное состояние
	i.transition(ctx, models.StatusEnteringPos)

	order, err := i.ex.Place(ctx, sig.Side, deribit.OrderRequest{
		Instrument: i.key.Instrument,
		Type:       models.OrderTypeMarket,
		Amount:     res.Quantity,
		Label:      "entry:" + uuid.NewString()[:8],
	})
	if err != nil {
		i.retreat(ctx, "entry order: %v", err)
		return
	}
	i.mgr.emit(ctx, models.EventEntryPlaced, i.key, "📥 вход %s %s qty=%.4f @ market", sig.Side, i.key.Instrument, res.Quantity)

	entry, err := i.waitFilled(ctx, order.OrderID)
	if err != nil {
		// маркет не подтвердился — состояние неизвестно, дальше без брекета нельзя
		i.fail(ctx, err)
		return
	}

	bkt := bracket.NewManager(bracket.Params{
		Key:              i.key,
		Instrument:       rules,
		Exchange:         i.ex,
		Notifier:         i.mgr.notify,
		VerifyRetries:    i.mgr.cfg.Deribit.VerifyRetries,
		VerifyRetryDelay: i.mgr.cfg.Deribit.VerifyRetryDelay,
		TrailMinInterval: i.mgr.cfg.EvalInterval,
		OnChange:         i.persistBracket,
	})
	i.mu.Lock()
	i.bkt = bkt
	i.mu.Unlock()

	plan := bracket.Plan{
		Quantity:   entry.FilledAmount,
		StopPrice:  stop,
		TakeProfit: tp,
		Breakeven:  entry.AveragePrice,
		Trail:      scfg.TrailMethod,
	}
	if err := bkt.Arm(ctx, entry.OrderID, plan); err != nil {
		// брекет не встал: либо позиция аварийно закрыта, либо нужны руки
		i.fail(ctx, err)
		return
	}

	i.subscribeUpdates(ctx)
	i.transition(ctx, models.StatusPositionOpen)
}

// waitFilled опрашивает ордер до полного исполнения.
func (i *Instance) waitFilled(ctx context.Context, orderID string) (*models.Order, error) {
	retries := i.mgr.cfg.Deribit.VerifyRetries
	if retries <= 0 {
		retries = 5
	}
	var last *models.Order
	for n := 0; n < retries; n++ {
		o, err := i.ex.GetOrderState(ctx, orderID)
		if err == nil {
			last = o
			if o.OrderState == models.OrderStateFilled {
				return o, nil
			}
			if o.OrderState == models.OrderStateCancelled || o.OrderState == models.OrderStateRejected {
				return nil, errors.Errorf("entry order %s %s", orderID, o.OrderState)
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(i.mgr.cfg.Deribit.VerifyRetryDelay):
		}
	}
	if last != nil {
		return nil, errors.Errorf("entry order %s not filled: %s", orderID, last.OrderState)
	}
	return nil, errors.Errorf("entry order %s state unknown", orderID)
}

// watchPosition: пока позиция открыта — кормим трейлинг свечами и
// сверяем позицию с биржей. Новые входы здесь не берём.
func (i *Instance) watchPosition(ctx context.Context) {
	i.mu.Lock()
	bkt := i.bkt
	i.mu.Unlock()
	if bkt == nil {
		i.finishTrade(ctx, "orphaned")
		return
	}

	tk, err := i.ex.Ticker(ctx, i.key.Instrument)
	if err == nil {
		if c, closed := i.agg.push(i.key.Instrument, tk.LastPrice, time.Now()); closed {
			_ = i.eng.OnCandle(c) // только индикаторы, сигналы игнорируем
			bkt.OnTick(ctx, c, i.eng.Indicators())
		}
	}

	// сверка: position_open без живой позиции добиваем в closed
	if !bkt.Status().Terminal() {
		if pos, perr := i.ex.GetPosition(ctx, i.key.Instrument); perr == nil && !pos.Open() {
			bkt.OnPositionUpdate(ctx, models.Position{InstrumentName: i.key.Instrument})
		}
	}

	switch bkt.Status() {
	case models.BracketClosed:
		i.finishTrade(ctx, bkt.State().LastError)
	case models.BracketError:
		i.fail(ctx, errors.Errorf("bracket error: %s", bkt.State().LastError))
	}
}

// finishTrade фиксирует сделку в журнале и уводит экземпляр в cooldown.
func (i *Instance) finishTrade(ctx context.Context, reason string) {
	i.transition(ctx, models.StatusPositionClosing)
	i.unsubscribeUpdates(ctx)

	i.mu.Lock()
	bkt := i.bkt
	i.bkt = nil
	scfg := i.st.Config
	i.mu.Unlock()

	if bkt != nil {
		st := bkt.State()
		exit := st.StopPrice
		if tk, err := i.ex.Ticker(ctx, i.key.Instrument); err == nil && tk.LastPrice > 0 {
			exit = tk.LastPrice
		}
		if reason == "" {
			reason = "closed"
		}
		tr := &models.Trade{
			ID:         uuid.NewString(),
			UserID:     i.key.UserID,
			Strategy:   i.key.Strategy,
			Instrument: i.key.Instrument,
			Broker:     i.key.Broker,
			Env:        i.key.Env,
			Direction:  st.Direction,
			Entry:      st.Entry,
			Exit:       exit,
			Quantity:   st.TotalQty,
			Pnl:        pnl(st.Direction, st.Entry, exit, st.TotalQty),
			Reason:     reason,
			OpenedAt:   st.OpenedAt,
			ClosedAt:   time.Now(),
		}
		if err := i.mgr.trades.Record(ctx, tr); err != nil {
			logger.Error("runner %s: record trade: %v", i.key, err)
		}
	}

	cd := i.mgr.cfg.DefaultCooldown
	if scfg.CooldownSec > 0 {
		cd = time.Duration(scfg.CooldownSec) * time.Second
	}
	i.mu.Lock()
	i.cooldownUntil = time.Now().Add(cd)
	i.mu.Unlock()
	i.transition(ctx, models.StatusCooldown)
}

// retreat — восстановимый отказ на входе: откат в cooldown, цикл живёт.
func (i *Instance) retreat(ctx context.Context, format string, args ...any) {
	logger.Error("runner %s: "+format, append([]any{i.key}, args...)...)
	i.mu.Lock()
	i.cooldownUntil = time.Now().Add(i.mgr.cfg.DefaultCooldown)
	i.mu.Unlock()
	i.transition(ctx, models.StatusCooldown)
}

// fail — невосстановимо: экземпляр встаёт в error до ручного рестарта.
func (i *Instance) fail(ctx context.Context, err error) {
	logger.Error("runner %s: fatal: %v", i.key, err)
	i.mu.Lock()
	i.st.LastError = err.Error()
	i.mu.Unlock()
	i.transition(ctx, models.StatusError)
	i.mgr.emit(ctx, models.EventStrategyError, i.key, "🚨 стратегия %s в ошибке: %v", i.key.Strategy, err)
}

func (i *Instance) transition(ctx context.Context, s models.InstanceStatus) {
	i.mu.Lock()
	i.st.Status = s
	i.mu.Unlock()
	if err := i.mgr.store.Save(ctx, i.snapshot()); err != nil {
		logger.Error("runner %s: save state: %v", i.key, err)
	}
}

// persistBracket — хук брекета: каждый его переход уезжает в стор.
func (i *Instance) persistBracket(st models.BracketState) {
	i.mu.Lock()
	cp := st
	i.st.Bracket = &cp
	i.mu.Unlock()
	if err := i.mgr.store.Save(context.Background(), i.snapshot()); err != nil {
		logger.Error("runner %s: save bracket: %v", i.key, err)
	}
}

func (i *Instance) ordersChannel() string {
	return "user.orders." + i.key.Instrument + ".raw"
}

func (i *Instance) subscribeUpdates(ctx context.Context) {
	i.mu.Lock()
	if i.subscribed {
		i.mu.Unlock()
		return
	}
	i.subscribed = true
	i.mu.Unlock()

	err := i.ex.Subscribe(ctx, i.ordersChannel(), func(_ string, data json.RawMessage) {
		var o models.Order
		if err := sonic.Unmarshal(data, &o); err != nil {
			logger.Error("runner %s: order update decode: %v", i.key, err)
			return
		}
		i.mu.Lock()
		bkt := i.bkt
		i.mu.Unlock()
		if bkt != nil {
			bkt.OnOrderUpdate(context.Background(), o)
		}
	})
	if err != nil {
		logger.Error("runner %s: subscribe orders: %v", i.key, err)
	}
}

func (i *Instance) unsubscribeUpdates(ctx context.Context) {
	i.mu.Lock()
	if !i.subscribed {
		i.mu.Unlock()
		return
	}
	i.subscribed = false
	i.mu.Unlock()

	if err := i.ex.Unsubscribe(ctx, i.ordersChannel()); err != nil {
		logger.Error("runner %s: unsubscribe orders: %v", i.key, err)
	}
}

func pnl(dir models.Side, entry, exit, qty float64) float64 {
	if dir == models.SideSell {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}
