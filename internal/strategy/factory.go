package strategy

import "deribit_bot/internal/models"

func NewEngine(cfg models.StrategyConfig, name string) Engine {
	switch name {
	case "donchian":
		return NewDonchian(DonchianConfig{
			Period:   cfg.DonchianPeriod,
			TrendEma: cfg.TrendEmaPeriod,
		})

	case "emarsi", "":
		fallthrough
	default:
		return NewEMARSI(EMARSIConfig{
			EMAShort:      cfg.EMAShort,
			EMALong:       cfg.EMALong,
			RSIPeriod:     cfg.RSIPeriod,
			RSIOverbought: cfg.RSIOverbought,
			RSIOversold:   cfg.RSIOversold,
		})
	}
}
