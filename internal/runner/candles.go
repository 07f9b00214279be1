package runner

import (
	"time"

	"deribit_bot/internal/models"
)

// candleAgg склеивает тикерные опросы в свечи фиксированного таймфрейма.
// Свеча закрывается первым тиком за границей интервала.
type candleAgg struct {
	dur  time.Duration
	cur  models.CandleTick
	open bool
}

func newCandleAgg(timeframe string) *candleAgg {
	return &candleAgg{dur: parseTimeframe(timeframe)}
}

func (a *candleAgg) push(instrument string, price float64, now time.Time) (models.CandleTick, bool) {
	if !a.open {
		a.begin(instrument, price, now)
		return models.CandleTick{}, false
	}

	if now.Sub(a.cur.Start) >= a.dur {
		done := a.cur
		done.End = now
		a.begin(instrument, price, now)
		return done, true
	}

	if price > a.cur.High {
		a.cur.High = price
	}
	if price < a.cur.Low {
		a.cur.Low = price
	}
	a.cur.Close = price
	return models.CandleTick{}, false
}

func (a *candleAgg) begin(instrument string, price float64, now time.Time) {
	a.cur = models.CandleTick{
		Instrument: instrument,
		Open:       price,
		High:       price,
		Low:        price,
		Close:      price,
		Start:      now,
	}
	a.open = true
}

func parseTimeframe(tf string) time.Duration {
	switch tf {
	case "1m", "":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	}
	if d, err := time.ParseDuration(tf); err == nil && d > 0 {
		return d
	}
	return time.Minute
}
