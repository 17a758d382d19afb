package config

import "github.com/Rajchodisetti/options-flow-engine/internal/strategy"

// ToStrategyConfig maps the YAML-facing Strategy section onto the
// strategy package's own Config, keeping the wire format and the
// strategy's internal shape free to diverge.
func ToStrategyConfig(s Strategy) strategy.Config {
	windows := make([]strategy.TimeWindow, 0, len(s.EntryTimeWindows))
	for _, w := range s.EntryTimeWindows {
		windows = append(windows, strategy.TimeWindow{Open: w.Open, Close: w.Close})
	}
	return strategy.Config{
		EntryTimeWindows:         windows,
		MinPremiumUSD:            s.MinPremiumUSD,
		PremiumMaxUSD:            s.PremiumMaxUSD,
		HistoricalPremiumEnabled: s.HistoricalPremiumEnabled,
		HistoricalMultiplier:     s.HistoricalMultiplier,
		HistoricalLookbackDays:   s.HistoricalLookbackDays,
		EntryDelayMinutes:        s.EntryDelayMinutes,
		PerTradeCap:              s.PerTradeCap,
		DailyGrossCap:            s.DailyGrossCap,
		MaxTradesPerDay:          s.MaxTradesPerDay,
		MaxLeverage:              s.MaxLeverage,
		MinCashRatio:             s.MinCashRatio,
		StopLoss:                 s.StopLoss,
		TakeProfit:               s.TakeProfit,
		TrailingStop:             s.TrailingStop,
		TrailingArmsOnProfitOnly: s.TrailingArmsOnProfitOnly,
		HoldingDays:              s.HoldingDays,
		ExitTimeOfDay:            s.ExitTimeOfDay,
		BlacklistDays:            s.BlacklistDays,
		GapPolicy:                strategy.GapPolicy(s.GapPolicy),
		MinShares:                s.MinShares,
		SizeDecrementShares:      s.SizeDecrementShares,
		BuySlippagePct:           s.BuySlippagePct,
		MACDEnabled:              s.MACDEnabled,
		MACDMinThreshold:         s.MACDMinThreshold,
		EarningsExclusionEnabled: s.EarningsExclusionEnabled,
		PriceTrendEnabled:        s.PriceTrendEnabled,
		PriceTrendLookbackDays:   s.PriceTrendLookbackDays,
	}
}
