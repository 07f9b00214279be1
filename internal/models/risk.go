package models

type RiskMode string

const (
	RiskModePercent RiskMode = "percent"
	RiskModeFixed   RiskMode = "fixed"
)

type StopLossMode string

const (
	StopLossPercent StopLossMode = "percent"
	StopLossFixed   StopLossMode = "fixed"
)

type TakeProfitMode string

const (
	TakeProfitRiskReward TakeProfitMode = "risk_reward"
	TakeProfitPercent    TakeProfitMode = "percent"
)

// RiskSpec — вход чистого расчёта размера. Не персистится.
type RiskSpec struct {
	Mode   RiskMode
	Value  float64 // percent: доля equity в %, fixed: сумма в валюте расчёта
	Equity float64
	Entry  float64
	Stop   float64
	Rules  Instrument // торговые правила брокера
}

// RiskResult — результат расчёта. Success=false => Reason заполнен.
type RiskResult struct {
	Success    bool
	Reason     string
	Quantity   float64
	Notional   float64
	Leverage   float64
	RiskAmount float64
	Warnings   []string
}
