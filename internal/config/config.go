// Package config loads the engine's YAML configuration, following the
// load-then-fill-defaults pattern used throughout this codebase.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type TimeWindow struct {
	Open  string `yaml:"open"`
	Close string `yaml:"close"`
}

type Strategy struct {
	Variant                  string       `yaml:"variant"` // "standard" | "strike-aware"
	EntryTimeWindows         []TimeWindow `yaml:"entry_time_window_eastern"`
	MinPremiumUSD            float64      `yaml:"min_premium_usd"`
	PremiumMaxUSD            float64      `yaml:"premium_max_usd"`
	HistoricalPremiumEnabled bool         `yaml:"historical_premium_enabled"`
	HistoricalMultiplier     float64      `yaml:"historical_multiplier"`
	HistoricalLookbackDays   int          `yaml:"historical_lookback_days"`
	EntryDelayMinutes        int          `yaml:"entry_delay_minutes"`
	PerTradeCap              float64      `yaml:"per_trade_cap"`
	DailyGrossCap            float64      `yaml:"daily_gross_cap"`
	MaxTradesPerDay          int          `yaml:"max_trades_per_day"`
	MaxLeverage              float64      `yaml:"max_leverage"`
	MinCashRatio             float64      `yaml:"min_cash_ratio"`
	StopLoss                 float64      `yaml:"stop_loss"`
	TakeProfit               float64      `yaml:"take_profit"`
	TrailingStop             float64      `yaml:"trailing_stop"`
	TrailingArmsOnProfitOnly bool         `yaml:"trailing_arms_on_profit_only"`
	HoldingDays              int          `yaml:"holding_days"`
	ExitTimeOfDay            string       `yaml:"exit_time_of_day_eastern"`
	BlacklistDays            int          `yaml:"blacklist_days"`
	GapPolicy                string       `yaml:"gap_policy"`
	MinShares                int          `yaml:"min_shares"`
	SizeDecrementShares      int          `yaml:"size_decrement_shares"`
	BuySlippagePct           float64      `yaml:"buy_slippage_pct"`

	MACDEnabled              bool    `yaml:"macd_enabled"`
	MACDMinThreshold         float64 `yaml:"macd_min_threshold"`
	EarningsExclusionEnabled bool    `yaml:"earnings_exclusion_enabled"`
	PriceTrendEnabled        bool    `yaml:"price_trend_enabled"`
	PriceTrendLookbackDays   int     `yaml:"price_trend_lookback_days"`
}

type Simulation struct {
	SlippagePct  float64 `yaml:"slippage"`
	FeePerShare  float64 `yaml:"fee_per_share"`
	FeeMin       float64 `yaml:"fee_min"`
	MinCashRatio float64 `yaml:"min_cash_ratio"`
	StartingCash float64 `yaml:"starting_cash"`
}

type Live struct {
	BaseURL             string  `yaml:"base_url"`
	TimeoutSeconds      int     `yaml:"gateway_timeout_seconds"`
	MaxRetries          int     `yaml:"gateway_max_retries"`
	BackoffBaseMs       int     `yaml:"gateway_backoff_base_ms"`
	BackoffMaxMs        int     `yaml:"gateway_backoff_max_ms"`
	RateLimitPerSecond  float64 `yaml:"rate_limit_per_second"`
}

type Risk struct {
	DailyWarningPct       float64 `yaml:"daily_warning_pct"`
	DailyReducedPct       float64 `yaml:"daily_reduced_pct"`
	DailyHaltPct          float64 `yaml:"daily_halt_pct"`
	WeeklyWarningPct      float64 `yaml:"weekly_warning_pct"`
	WeeklyReducedPct      float64 `yaml:"weekly_reduced_pct"`
	WeeklyHaltPct         float64 `yaml:"weekly_halt_pct"`
	ReducedSizeMultiplier float64 `yaml:"reduced_size_multiplier"`
}

type Reconciliation struct {
	TimeOfDayEastern string `yaml:"reconciliation_time_eastern"`
	AutoFix          bool   `yaml:"auto_fix"`
}

type Alerting struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	SlackChannel    string `yaml:"slack_alert_channel"`
}

type Root struct {
	Mode                 string         `yaml:"mode"` // live | backtest
	CheckIntervalSeconds int            `yaml:"check_interval_seconds"`
	DataDir              string         `yaml:"data_dir"`
	MetricsAddr          string         `yaml:"metrics_addr"`
	LogLevel             string         `yaml:"log_level"`

	Strategy       Strategy       `yaml:"strategy"`
	Simulation     Simulation     `yaml:"simulation"`
	Live           Live           `yaml:"live"`
	Risk           Risk           `yaml:"risk"`
	Reconciliation Reconciliation `yaml:"reconciliation"`
	Alerting       Alerting       `yaml:"alerting"`
}

// Load reads and validates path, filling in defaults for every zero-value
// field that has one.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	// trailing_arms_on_profit_only defaults to true; a plain bool cannot
	// tell "unset" from "false", so check the raw strategy section.
	var raw struct {
		Strategy map[string]any `yaml:"strategy"`
	}
	if err := yaml.Unmarshal(b, &raw); err == nil {
		if _, set := raw.Strategy["trailing_arms_on_profit_only"]; !set {
			c.Strategy.TrailingArmsOnProfitOnly = true
		}
	}
	applyDefaults(&c)
	return c, validate(c)
}

func applyDefaults(c *Root) {
	if c.Mode == "" {
		c.Mode = "backtest"
	}
	if c.CheckIntervalSeconds == 0 {
		c.CheckIntervalSeconds = 20
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Strategy.Variant == "" {
		c.Strategy.Variant = "strike-aware"
	}
	if c.Strategy.GapPolicy == "" {
		c.Strategy.GapPolicy = "next_bar"
	}
	if c.Strategy.MinShares == 0 {
		c.Strategy.MinShares = 1
	}
	if c.Strategy.SizeDecrementShares == 0 {
		c.Strategy.SizeDecrementShares = 1
	}
	if c.Strategy.ExitTimeOfDay == "" {
		c.Strategy.ExitTimeOfDay = "15:00:00"
	}
	if c.Strategy.BuySlippagePct == 0 {
		c.Strategy.BuySlippagePct = c.Simulation.SlippagePct
	}

	if c.Simulation.StartingCash == 0 {
		c.Simulation.StartingCash = 100000
	}
	if c.Simulation.MinCashRatio == 0 {
		c.Simulation.MinCashRatio = c.Strategy.MinCashRatio
	}

	if c.Live.TimeoutSeconds == 0 {
		c.Live.TimeoutSeconds = 10
	}
	if c.Live.MaxRetries == 0 {
		c.Live.MaxRetries = 3
	}
	if c.Live.BackoffBaseMs == 0 {
		c.Live.BackoffBaseMs = 200
	}
	if c.Live.BackoffMaxMs == 0 {
		c.Live.BackoffMaxMs = 5000
	}
	if c.Live.RateLimitPerSecond == 0 {
		c.Live.RateLimitPerSecond = 10
	}

	if c.Risk.DailyWarningPct == 0 {
		c.Risk.DailyWarningPct = 2.0
	}
	if c.Risk.DailyReducedPct == 0 {
		c.Risk.DailyReducedPct = 3.0
	}
	if c.Risk.DailyHaltPct == 0 {
		c.Risk.DailyHaltPct = 4.0
	}
	if c.Risk.WeeklyWarningPct == 0 {
		c.Risk.WeeklyWarningPct = 5.0
	}
	if c.Risk.WeeklyReducedPct == 0 {
		c.Risk.WeeklyReducedPct = 7.0
	}
	if c.Risk.WeeklyHaltPct == 0 {
		c.Risk.WeeklyHaltPct = 10.0
	}
	if c.Risk.ReducedSizeMultiplier == 0 {
		c.Risk.ReducedSizeMultiplier = 0.5
	}

	if c.Reconciliation.TimeOfDayEastern == "" {
		c.Reconciliation.TimeOfDayEastern = "17:00:00"
	}
}

func validate(c Root) error {
	if c.Mode != "live" && c.Mode != "backtest" {
		return fmt.Errorf("config: mode must be \"live\" or \"backtest\", got %q", c.Mode)
	}
	if c.Mode == "live" && c.Live.BaseURL == "" {
		return fmt.Errorf("config: live.base_url is required in live mode")
	}
	if c.Strategy.MaxTradesPerDay <= 0 {
		return fmt.Errorf("config: strategy.max_trades_per_day must be positive")
	}
	return nil
}
