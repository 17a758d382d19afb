// Package strategy holds the pure decision functions: OnSignal (signal ->
// entry decision or reject) and OnPositionCheck (position -> exit decision
// or hold), plus the pre-trade risk simulation. Every function here reads
// from an injected StrategyContext and returns a decision variant; it
// never places orders or mutates persistence itself — side effects belong
// to the caller (internal/loop).
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/Rajchodisetti/options-flow-engine/internal/clock"
	"github.com/Rajchodisetti/options-flow-engine/internal/model"
	"github.com/Rajchodisetti/options-flow-engine/internal/risk"
)

// TimeWindow is one [open, close) Eastern time-of-day range, e.g. an
// entry_time_window_eastern entry.
type TimeWindow struct {
	Open  string // "HH:MM:SS"
	Close string
}

// GapPolicy names the fallback applied when the bar at exec_time_eastern
// is missing.
type GapPolicy string

const (
	GapSkip        GapPolicy = "skip"
	GapNextBar     GapPolicy = "next_bar"
	GapUseLast     GapPolicy = "use_last"
	GapUseRealtime GapPolicy = "use_realtime"
)

// Config is the strategy's tunable surface.
type Config struct {
	EntryTimeWindows         []TimeWindow
	MinPremiumUSD            float64
	PremiumMaxUSD            float64
	HistoricalPremiumEnabled bool
	HistoricalMultiplier     float64
	HistoricalLookbackDays   int
	EntryDelayMinutes        int
	PerTradeCap              float64
	DailyGrossCap            float64
	MaxTradesPerDay          int
	MaxLeverage              float64
	MinCashRatio             float64
	StopLoss                 float64
	TakeProfit               float64
	TrailingStop             float64
	TrailingArmsOnProfitOnly bool
	HoldingDays              int
	ExitTimeOfDay            string // "HH:MM:SS" Eastern
	BlacklistDays            int
	GapPolicy                GapPolicy
	MinShares                int
	SizeDecrementShares      int
	BuySlippagePct           float64

	// Optional filters, each toggled independently.
	MACDEnabled              bool
	MACDMinThreshold         float64
	EarningsExclusionEnabled bool
	PriceTrendEnabled        bool
	PriceTrendLookbackDays   int
}

// ReadStore is the read-only slice of the persistence contract the
// strategy is allowed to consult, injected rather than read as ambient
// context.
type ReadStore interface {
	BlacklistUntil(symbol string, now time.Time) *time.Time
	DailyUsed(now time.Time) (tradeCount int, grossRatio float64)
	OpenPositions() []model.Position
	HistoricalMeanPremium(symbol string, asOf time.Time, lookbackDays int) (mean float64, ok bool)
}

// MarketReader is the read-only slice of the Market Gateway contract the
// strategy consults for pricing.
type MarketReader interface {
	GetMinuteBars(ctx context.Context, symbol string, from, to time.Time) ([]model.MinuteBar, error)
	GetQuote(ctx context.Context, symbol string) (float64, error)
	GetAccount(ctx context.Context) (model.Account, error)
}

// EarningsWindow marks a [start,end) Eastern blackout for a symbol.
type EarningsWindow struct {
	Symbol string
	Start  time.Time
	End    time.Time
}

// StrategyContext bundles everything OnSignal/OnPositionCheck may read.
// Constructed once per call by the caller; never mutated by the strategy.
type StrategyContext struct {
	Cfg        Config
	Clock      clock.Clock
	Store      ReadStore
	Market     MarketReader
	Now        time.Time
	Earnings   []EarningsWindow
	PriceTrend func(symbol string, asOf time.Time, lookbackDays int) (rising bool, ok bool)
	MACD       func(symbol string, asOf time.Time) (value float64, ok bool)
	Breaker    *risk.CircuitBreaker // nil disables the drawdown overlay
}

// RejectReason names why OnSignal declined a signal, for statistics and
// audit logging.
type RejectReason string

const (
	RejectOutsideWindow     RejectReason = "outside_entry_window"
	RejectPremiumTooLow     RejectReason = "premium_below_minimum"
	RejectPremiumTooHigh    RejectReason = "premium_above_maximum"
	RejectHistoricalPremium RejectReason = "historical_premium_filter"
	RejectBlacklisted       RejectReason = "blacklisted"
	RejectExistingPosition  RejectReason = "existing_open_position"
	RejectMaxTrades         RejectReason = "max_trades_per_day"
	RejectRiskSimulation    RejectReason = "risk_simulation_failed"
	RejectMACD              RejectReason = "macd_filter"
	RejectEarningsWindow    RejectReason = "earnings_window"
	RejectPriceTrend        RejectReason = "price_trend_filter"
	RejectDataGap           RejectReason = "data_gap"
)

// Decision is the Accept(EntryDecision) | Reject(Reason) variant used in
// place of exceptions-as-control-flow.
type Decision struct {
	Entry  *model.EntryDecision
	Reason RejectReason
	Gates  []string // gates passed before the first fatal one, for audit
}

func (d Decision) MarshalAudit() string {
	b, _ := json.Marshal(struct {
		Accepted bool         `json:"accepted"`
		Reason   RejectReason `json:"reason,omitempty"`
		Gates    []string     `json:"gates_checked,omitempty"`
	}{Accepted: d.Entry != nil, Reason: d.Reason, Gates: d.Gates})
	return string(b)
}

func inWindow(t time.Time, windows []TimeWindow) bool {
	if len(windows) == 0 {
		return true
	}
	tod := t.In(clock.Eastern).Format("15:04:05")
	for _, w := range windows {
		if tod >= w.Open && tod < w.Close {
			return true
		}
	}
	return false
}

func parseTOD(day time.Time, hhmmss string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", day.In(clock.Eastern).Format("2006-01-02")+" "+hhmmss, clock.Eastern)
	if err != nil {
		return day
	}
	return t
}

// roundUpToBar rounds t up to the next whole-minute boundary.
func roundUpToBar(t time.Time) time.Time {
	truncated := t.Truncate(time.Minute)
	if truncated.Equal(t) {
		return t
	}
	return truncated.Add(time.Minute)
}

// fingerprint is the deterministic idempotency-key generator used for
// signal_id and client_id. Order placement and signal ingestion both call
// it with their own field tuples.
func fingerprint(parts ...string) string {
	h := fnv64a(parts)
	return hexEncode(h)
}

func fnv64a(parts []string) uint64 {
	var h uint64 = 14695981039346656037
	for _, p := range parts {
		for i := 0; i < len(p); i++ {
			h ^= uint64(p[i])
			h *= 1099511628211
		}
		h ^= 0x1f // separator between fields
	}
	return h
}

func hexEncode(v uint64) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf)
}

func floorShares(notional, price float64) int {
	if price <= 0 {
		return 0
	}
	return int(math.Floor(notional / price))
}

// findBar returns the minute bar at or after t (gap policy next_bar scans
// forward from t; use_last instead calls findBarUseLast, and skip takes
// no fallback bar at all).
func findBar(bars []model.MinuteBar, t time.Time) (model.MinuteBar, bool) {
	for _, b := range bars {
		if !b.Timestamp.Before(t) {
			return b, true
		}
	}
	return model.MinuteBar{}, false
}

func findBarUseLast(bars []model.MinuteBar, t time.Time) (model.MinuteBar, bool) {
	var last model.MinuteBar
	found := false
	for _, b := range bars {
		if b.Timestamp.After(t) {
			break
		}
		last = b
		found = true
	}
	return last, found
}

// resolveExecBar applies the configured gap policy to find the bar to
// execute against at execTime.
func resolveExecBar(bars []model.MinuteBar, execTime time.Time, policy GapPolicy) (model.MinuteBar, bool) {
	for _, b := range bars {
		if b.Timestamp.Equal(execTime) {
			return b, true
		}
	}
	switch policy {
	case GapUseLast:
		return findBarUseLast(bars, execTime)
	case GapNextBar, "":
		return findBar(bars, execTime)
	case GapSkip, GapUseRealtime:
		// use_realtime is resolved by the caller via GetQuote before
		// reaching here; treat both as "no historical bar" for OnSignal.
		return model.MinuteBar{}, false
	default:
		return findBar(bars, execTime)
	}
}

// Strategy is the capability set a named variant implements: lifecycle
// hooks plus the two decision entry points. Variants are registered by
// name at package init and selected once at startup by a config tag —
// there is no dynamic loading of strategy code.
type Strategy interface {
	Name() string
	OnStart(ctx context.Context) error
	OnShutdown(ctx context.Context) error
	OnSignal(ctx context.Context, sig model.Signal, sc StrategyContext) Decision
	OnPositionCheck(pos model.Position, bars []model.MinuteBar, cfg Config) (*model.ExitDecision, float64)
}

// standardStrategy runs the full entry filter chain but never emits an
// ExitStrike: positions are managed purely on price action (stop-loss,
// take-profit, trailing stop, scheduled exit), ignoring any option
// metadata a signal happened to carry.
type standardStrategy struct{}

func (standardStrategy) Name() string                            { return "standard" }
func (standardStrategy) OnStart(ctx context.Context) error       { return nil }
func (standardStrategy) OnShutdown(ctx context.Context) error    { return nil }
func (standardStrategy) OnSignal(ctx context.Context, sig model.Signal, sc StrategyContext) Decision {
	return OnSignal(ctx, sig, sc)
}

func (standardStrategy) OnPositionCheck(pos model.Position, bars []model.MinuteBar, cfg Config) (*model.ExitDecision, float64) {
	if len(pos.Meta) > 0 {
		stripped := map[string]any{}
		for k, v := range pos.Meta {
			if k == "strike" || k == "option_price" {
				continue
			}
			stripped[k] = v
		}
		pos.Meta = stripped
	}
	return OnPositionCheck(pos, bars, cfg)
}

// strikeAwareStrategy is standardStrategy plus the strike-exit rule:
// once a position's Meta carries strike/option_price, a bar trading
// through strike+option_price exits it ahead of TP/trailing/SL.
type strikeAwareStrategy struct{ standardStrategy }

func (strikeAwareStrategy) Name() string { return "strike-aware" }

func (strikeAwareStrategy) OnPositionCheck(pos model.Position, bars []model.MinuteBar, cfg Config) (*model.ExitDecision, float64) {
	return OnPositionCheck(pos, bars, cfg)
}

var registry = map[string]func() Strategy{
	"standard":     func() Strategy { return standardStrategy{} },
	"strike-aware": func() Strategy { return strikeAwareStrategy{} },
}

// New constructs the named strategy variant. An empty name selects
// strike-aware, this engine's default. An unrecognized name is a
// startup error rather than a silent fallback, since a typo'd config
// tag should fail loudly, not run the wrong strategy.
func New(name string) (Strategy, error) {
	if name == "" {
		name = "strike-aware"
	}
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("strategy: unknown variant %q", name)
	}
	return factory(), nil
}

// Default returns the strike-aware variant, used wherever a caller has
// no configured Strategy of its own.
func Default() Strategy { return strikeAwareStrategy{} }

// OnSignal runs the entry filter chain: eight ordered gates, the first
// rejection wins, and a pre-trade risk simulation with scale-down gates
// entry sizing.
func OnSignal(ctx context.Context, sig model.Signal, sc StrategyContext) Decision {
	var gates []string

	execTime := roundUpToBar(sig.SignalTimeEastern.Add(time.Duration(sc.Cfg.EntryDelayMinutes) * time.Minute))

	// 1. entry time window
	if !inWindow(execTime, sc.Cfg.EntryTimeWindows) {
		return Decision{Reason: RejectOutsideWindow, Gates: gates}
	}
	gates = append(gates, "entry_window")

	// 2. premium band
	if sig.PremiumUSD < sc.Cfg.MinPremiumUSD {
		return Decision{Reason: RejectPremiumTooLow, Gates: gates}
	}
	if sc.Cfg.PremiumMaxUSD > 0 && sig.PremiumUSD > sc.Cfg.PremiumMaxUSD {
		return Decision{Reason: RejectPremiumTooHigh, Gates: gates}
	}
	gates = append(gates, "premium_band")

	// 3. historical-premium filter, fail-open when no history
	if sc.Cfg.HistoricalPremiumEnabled {
		if mean, ok := sc.Store.HistoricalMeanPremium(sig.Symbol, sig.SignalTimeEastern, sc.Cfg.HistoricalLookbackDays); ok {
			if !(sig.PremiumUSD > sc.Cfg.HistoricalMultiplier*mean) {
				return Decision{Reason: RejectHistoricalPremium, Gates: gates}
			}
		}
	}
	gates = append(gates, "historical_premium")

	// 4. blacklist
	if until := sc.Store.BlacklistUntil(sig.Symbol, sig.SignalTimeEastern); until != nil {
		return Decision{Reason: RejectBlacklisted, Gates: gates}
	}
	gates = append(gates, "blacklist")

	// 5. existing open position
	for _, p := range sc.Store.OpenPositions() {
		if p.Symbol == sig.Symbol {
			return Decision{Reason: RejectExistingPosition, Gates: gates}
		}
	}
	gates = append(gates, "existing_position")

	// 6. max trades per day
	tradeCount, _ := sc.Store.DailyUsed(sig.SignalTimeEastern)
	if tradeCount >= sc.Cfg.MaxTradesPerDay {
		return Decision{Reason: RejectMaxTrades, Gates: gates}
	}
	gates = append(gates, "max_trades")

	// 8a. optional filters (checked ahead of risk-sim; order among
	// optional filters is unspecified so this order is as good as any)
	if sc.Cfg.EarningsExclusionEnabled {
		for _, w := range sc.Earnings {
			if w.Symbol == sig.Symbol && !sig.SignalTimeEastern.Before(w.Start) && sig.SignalTimeEastern.Before(w.End) {
				return Decision{Reason: RejectEarningsWindow, Gates: gates}
			}
		}
	}
	gates = append(gates, "earnings_window")

	if sc.Cfg.MACDEnabled && sc.MACD != nil {
		if v, ok := sc.MACD(sig.Symbol, sig.SignalTimeEastern); ok && v < sc.Cfg.MACDMinThreshold {
			return Decision{Reason: RejectMACD, Gates: gates}
		}
	}
	gates = append(gates, "macd")

	if sc.Cfg.PriceTrendEnabled && sc.PriceTrend != nil {
		if rising, ok := sc.PriceTrend(sig.Symbol, sig.SignalTimeEastern, sc.Cfg.PriceTrendLookbackDays); ok && !rising {
			return Decision{Reason: RejectPriceTrend, Gates: gates}
		}
	}
	gates = append(gates, "price_trend")

	if sc.Breaker != nil && !sc.Breaker.CanEnter() {
		return Decision{Reason: RejectRiskSimulation, Gates: gates}
	}
	gates = append(gates, "circuit_breaker")

	// resolve exec bar / limit price
	bars, err := sc.Market.GetMinuteBars(ctx, sig.Symbol, execTime.Add(-time.Hour), execTime)
	if err != nil {
		return Decision{Reason: RejectDataGap, Gates: gates}
	}
	bar, ok := resolveExecBar(bars, execTime, sc.Cfg.GapPolicy)
	if !ok {
		if sc.Cfg.GapPolicy == GapUseRealtime {
			price, qerr := sc.Market.GetQuote(ctx, sig.Symbol)
			if qerr != nil {
				return Decision{Reason: RejectDataGap, Gates: gates}
			}
			bar = model.MinuteBar{Timestamp: execTime, Close: price}
		} else {
			return Decision{Reason: RejectDataGap, Gates: gates}
		}
	}
	limitPrice := bar.Close * (1 + sc.Cfg.BuySlippagePct)

	acct, err := sc.Market.GetAccount(ctx)
	if err != nil || acct.Equity <= 0 {
		return Decision{Reason: RejectDataGap, Gates: gates}
	}
	_, grossRatio := sc.Store.DailyUsed(sig.SignalTimeEastern)
	remainingDailyCap := sc.Cfg.DailyGrossCap - grossRatio
	if remainingDailyCap <= 0 {
		return Decision{Reason: RejectRiskSimulation, Gates: gates}
	}
	targetNotional := math.Min(sc.Cfg.PerTradeCap*acct.Equity, remainingDailyCap*acct.Equity)
	if sc.Breaker != nil {
		targetNotional *= sc.Breaker.SizeMultiplier()
	}
	shares := floorShares(targetNotional, limitPrice)

	// 7. risk simulation, with scale-down
	shares, ok = simulateAndScaleDown(sc.Cfg, acct, shares, limitPrice, grossRatio)
	if !ok {
		return Decision{Reason: RejectRiskSimulation, Gates: gates}
	}
	gates = append(gates, "risk_simulation")

	posRatio := (float64(shares) * limitPrice) / acct.Equity
	clientID := fingerprint(sig.SignalID, string(model.SideBuy), execTime.Format(time.RFC3339))

	entry := &model.EntryDecision{
		Symbol:          sig.Symbol,
		Shares:          shares,
		LimitPrice:      limitPrice,
		ExecTimeEastern: execTime,
		PosRatio:        posRatio,
		ClientID:        clientID,
		Meta:            signalMeta(sig),
	}
	return Decision{Entry: entry, Gates: gates}
}

func signalMeta(sig model.Signal) map[string]any {
	meta := map[string]any{}
	if sig.Strike != nil {
		meta["strike"] = *sig.Strike
	}
	if sig.OptionPrice != nil {
		meta["option_price"] = *sig.OptionPrice
	}
	return meta
}

// riskCheck reports whether a candidate position of shares at price passes
// the three risk-simulation thresholds against the current account and
// gross-ratio-already-used.
func riskCheck(cfg Config, acct model.Account, shares int, price, grossRatioUsed float64) bool {
	notional := float64(shares) * price
	grossRatioAfter := grossRatioUsed + notional/acct.Equity
	if grossRatioAfter > cfg.DailyGrossCap {
		return false
	}
	grossExposureAfter := grossRatioAfter * acct.Equity
	equityAfter := acct.Equity
	leverageAfter := grossExposureAfter / equityAfter
	if leverageAfter > cfg.MaxLeverage {
		return false
	}
	cashAfter := acct.Cash - notional
	if cashAfter/equityAfter < cfg.MinCashRatio {
		return false
	}
	return true
}

// simulateAndScaleDown reduces shares by a fixed decrement until every
// risk check passes or the size falls below the configured minimum, in
// which case reject.
func simulateAndScaleDown(cfg Config, acct model.Account, shares int, price, grossRatioUsed float64) (int, bool) {
	decrement := cfg.SizeDecrementShares
	if decrement <= 0 {
		decrement = 1
	}
	for shares >= cfg.MinShares {
		if riskCheck(cfg, acct, shares, price, grossRatioUsed) {
			return shares, true
		}
		shares -= decrement
	}
	return 0, false
}

// exitPriorityStep evaluates one bar against the five exit conditions in
// strict priority order, returning the first that fires.
func exitPriorityStep(pos model.Position, bar model.MinuteBar, cfg Config, highWater float64) (model.ExitReason, float64, bool) {
	// 1. scheduled exit
	if !pos.ScheduledExitEastern.IsZero() && !bar.Timestamp.Before(pos.ScheduledExitEastern) {
		return model.ExitTimed, bar.Close, true
	}

	// 2. strike exit (strike-aware variant only): target = strike + option_price
	if strike, ok := pos.Meta["strike"].(float64); ok {
		optionPrice, _ := pos.Meta["option_price"].(float64)
		target := strike + optionPrice
		if bar.High >= target {
			return model.ExitStrike, target, true
		}
	}

	// 3. take profit
	tpThreshold := pos.CostPrice * (1 + cfg.TakeProfit)
	if cfg.TakeProfit > 0 && bar.High >= tpThreshold {
		return model.ExitTakeProfit, tpThreshold, true
	}

	// 4. trailing stop, arms only once in profit (configurable)
	armed := !cfg.TrailingArmsOnProfitOnly || highWater > pos.CostPrice
	if cfg.TrailingStop > 0 && armed {
		trailThreshold := highWater * (1 - cfg.TrailingStop)
		if bar.Low <= trailThreshold {
			return model.ExitTrailing, trailThreshold, true
		}
	}

	// 5. stop loss
	slThreshold := pos.CostPrice * (1 - cfg.StopLoss)
	if cfg.StopLoss > 0 && bar.Low <= slThreshold {
		return model.ExitStopLoss, slThreshold, true
	}

	return "", 0, false
}

// OnPositionCheck walks bars in time order, updating the running
// high-water mark and testing exit conditions in strict priority order.
// The first bar to trigger any condition produces the exit; later bars
// are not examined. It returns the exit decision (nil if none fired) and
// the high-water price after processing every bar up to (and including)
// the triggering bar, or all bars if none triggered.
func OnPositionCheck(pos model.Position, bars []model.MinuteBar, cfg Config) (*model.ExitDecision, float64) {
	highWater := pos.HighWaterPrice
	for _, bar := range bars {
		if bar.High > highWater {
			highWater = bar.High
		}
		reason, price, fired := exitPriorityStep(pos, bar, cfg, highWater)
		if fired {
			clientID := fingerprint(pos.PositionID, string(model.SideSell), bar.Timestamp.Format(time.RFC3339))
			return &model.ExitDecision{
				PositionID: pos.PositionID,
				Symbol:     pos.Symbol,
				Shares:     pos.Shares,
				LimitPrice: price,
				Reason:     reason,
				ClientID:   clientID,
			}, highWater
		}
	}
	return nil, highWater
}

// ScheduledExit computes "N trading days from open, at the configured
// exit time-of-day Eastern."
func ScheduledExit(clk clock.Clock, openTime time.Time, holdingDays int, exitTimeOfDay string) time.Time {
	day := clk.AddTradingDays(openTime, holdingDays)
	return parseTOD(day, exitTimeOfDay)
}

// BlacklistExpiry computes "K trading days from buy day."
func BlacklistExpiry(clk clock.Clock, buyTime time.Time, blacklistDays int) time.Time {
	return clk.AddTradingDays(buyTime, blacklistDays)
}

// SignalFingerprint is the deterministic signal_id: a fingerprint of
// (symbol, signal_time_eastern, premium_usd, ask, contract_id).
func SignalFingerprint(symbol string, signalTimeEastern time.Time, premiumUSD float64, ask *float64, contractID *string) string {
	askStr, contractStr := "", ""
	if ask != nil {
		askStr = formatFloat(*ask)
	}
	if contractID != nil {
		contractStr = *contractID
	}
	return fingerprint(symbol, signalTimeEastern.Format(time.RFC3339), formatFloat(premiumUSD), askStr, contractStr)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
