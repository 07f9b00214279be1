package models

import (
	"fmt"
	"time"
)

type InstanceStatus string

const (
	StatusIdle            InstanceStatus = "idle"
	StatusAnalyzing       InstanceStatus = "analyzing"
	StatusSignalDetected  InstanceStatus = "signal_detected"
	StatusEnteringPos     InstanceStatus = "entering_position"
	StatusPositionOpen    InstanceStatus = "position_open"
	StatusPositionClosing InstanceStatus = "position_closing"
	StatusCooldown        InstanceStatus = "cooldown"
	StatusStopped         InstanceStatus = "stopped"
	StatusError           InstanceStatus = "error"
)

func (s InstanceStatus) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// InstanceKey — составной ключ экземпляра стратегии.
type InstanceKey struct {
	UserID     int64  `json:"user_id"`
	Strategy   string `json:"strategy"`
	Instrument string `json:"instrument"`
	Broker     Broker `json:"broker"`
	Env        Env    `json:"env"`
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("%d/%s/%s/%s/%s", k.UserID, k.Strategy, k.Instrument, k.Broker, k.Env)
}

// ConnKey — соединение шарится на пару user+broker+env, не per-instance.
type ConnKey struct {
	UserID int64
	Broker Broker
	Env    Env
}

func (k InstanceKey) ConnKey() ConnKey {
	return ConnKey{UserID: k.UserID, Broker: k.Broker, Env: k.Env}
}

// AnalysisSnapshot — последний результат анализа для дашборда/ресюма.
type AnalysisSnapshot struct {
	At     time.Time `json:"at"`
	Price  float64   `json:"price"`
	Side   Side      `json:"side"`
	Reason string    `json:"reason"`
}

// StrategyConfig — конфиг экземпляра; хранится blob-ом в сторе.
type StrategyConfig struct {
	Timeframe string `json:"timeframe"`

	// риск
	RiskMode  RiskMode `json:"risk_mode"`
	RiskValue float64  `json:"risk_value"`

	StopLossMode    StopLossMode   `json:"stop_loss_mode"`
	StopLossValue   float64        `json:"stop_loss_value"`
	TakeProfitMode  TakeProfitMode `json:"take_profit_mode"`
	TakeProfitValue float64        `json:"take_profit_value"`

	TrailMethod TrailMethodType `json:"trail_method"`

	// индикаторы
	EMAShort       int     `json:"ema_short"`
	EMALong        int     `json:"ema_long"`
	RSIPeriod      int     `json:"rsi_period"`
	RSIOverbought  float64 `json:"rsi_overbought"`
	RSIOversold    float64 `json:"rsi_oversold"`
	DonchianPeriod int     `json:"donchian_period"`
	TrendEmaPeriod int     `json:"trend_ema_period"`

	CooldownSec   int  `json:"cooldown_sec"`
	AutoReconnect bool `json:"auto_reconnect"`
}

// StrategyInstance — персистируемое состояние одного запуска стратегии.
type StrategyInstance struct {
	Key       InstanceKey      `json:"key"`
	Status    InstanceStatus   `json:"status"`
	Config    StrategyConfig   `json:"config"`
	StartedAt time.Time        `json:"started_at"`
	Analysis  AnalysisSnapshot `json:"analysis"`
	Bracket   *BracketState    `json:"bracket,omitempty"`
	Resumable bool             `json:"resumable"`
	LastError string           `json:"last_error,omitempty"`
}

// HasOpenPosition — есть ли у экземпляра живая (по нашим данным) позиция.
func (i *StrategyInstance) HasOpenPosition() bool {
	return i.Bracket != nil && !i.Bracket.Status.Terminal()
}
