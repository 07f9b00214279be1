package risk

import (
	"fmt"
	"math"

	"deribit_bot/internal/helper"
	"deribit_bot/internal/models"
)

// Порог "высокого" плеча — предупреждаем, но не режем.
const highLeverageWarn = 5.0

// ValidationError — вход отвергнут до каких-либо сетевых вызовов.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "risk: " + e.Reason }

// CalculatePosition — чистый расчёт размера позиции по риску.
// Без I/O, детерминирован: одинаковый вход -> одинаковый выход
// (нужно для воспроизводимых тестов и паритета с превью в UI).
//
// Математика как у лота по стопу:
//
//	riskAmount = equity*value/100 (percent) | value (fixed)
//	qty        = riskAmount / |entry - stop|, вниз до amount step
//	leverage   = notional / equity, с капом брокера
func CalculatePosition(spec models.RiskSpec) models.RiskResult {
	if spec.Equity <= 0 {
		return reject("equity <= 0")
	}
	if spec.Entry <= 0 {
		return reject("entry price <= 0")
	}

	stopDist := math.Abs(spec.Entry - spec.Stop)
	if stopDist == 0 {
		return reject("нулевой стоп: stop == entry")
	}

	var riskAmount float64
	switch spec.Mode {
	case models.RiskModePercent:
		if spec.Value <= 0 || spec.Value > 50 {
			return reject(fmt.Sprintf("percent value %.2f вне (0,50]", spec.Value))
		}
		riskAmount = spec.Equity * spec.Value / 100
	case models.RiskModeFixed:
		if spec.Value <= 0 {
			return reject("fixed value <= 0")
		}
		if spec.Value > spec.Equity*0.5 {
			return reject(fmt.Sprintf("fixed value %.2f больше 50%% equity", spec.Value))
		}
		riskAmount = spec.Value
	default:
		return reject(fmt.Sprintf("unknown risk mode %q", spec.Mode))
	}

	qty := riskAmount / stopDist

	// округляем ВНИЗ до шага размера брокера
	step := spec.Rules.AmountStep
	if step > 0 {
		qty = math.Floor(qty/step+1e-9) * step
	}
	if qty < spec.Rules.MinTradeAmount {
		return reject(fmt.Sprintf(
			"qty %.8f below minimum trade amount %.8f", qty, spec.Rules.MinTradeAmount))
	}

	notional := qty * spec.Entry
	leverage := notional / spec.Equity

	var warnings []string
	maxLev := spec.Rules.MaxLeverage
	if maxLev > 0 && leverage > maxLev {
		// qty не трогаем — только кап плеча и предупреждение
		leverage = maxLev
		warnings = append(warnings, "leverage capped")
	} else if leverage > highLeverageWarn {
		warnings = append(warnings, "high leverage")
	}

	return models.RiskResult{
		Success:    true,
		Quantity:   qty,
		Notional:   notional,
		Leverage:   leverage,
		RiskAmount: riskAmount,
		Warnings:   warnings,
	}
}

func reject(reason string) models.RiskResult {
	return models.RiskResult{Success: false, Reason: reason}
}

// CalculateStopLoss — цена стопа от входа против направления позиции,
// с округлением к тику.
func CalculateStopLoss(entry float64, side models.Side, mode models.StopLossMode, value, fixedDistance, tickSize float64) float64 {
	var dist float64
	switch mode {
	case models.StopLossPercent:
		dist = entry * value / 100
	case models.StopLossFixed:
		dist = fixedDistance
	}

	if side == models.SideBuy {
		return helper.RoundDownToTick(entry-dist, tickSize)
	}
	return helper.RoundUpToTick(entry+dist, tickSize)
}

// CalculateTakeProfit — тейк от входа: risk_reward => entry ± R*value.
func CalculateTakeProfit(entry, stop float64, side models.Side, mode models.TakeProfitMode, value, tickSize float64) float64 {
	var dist float64
	switch mode {
	case models.TakeProfitRiskReward:
		dist = math.Abs(entry-stop) * value
	case models.TakeProfitPercent:
		dist = entry * value / 100
	}

	if side == models.SideBuy {
		return helper.RoundDownToTick(entry+dist, tickSize)
	}
	return helper.RoundUpToTick(entry-dist, tickSize)
}
