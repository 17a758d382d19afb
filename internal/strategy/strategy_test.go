package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/Rajchodisetti/options-flow-engine/internal/clock"
	"github.com/Rajchodisetti/options-flow-engine/internal/model"
	"github.com/Rajchodisetti/options-flow-engine/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	blacklisted map[string]time.Time
	openPos     []model.Position
	tradeCount  int
	grossRatio  float64
	histMean    map[string]float64
}

func (f *fakeStore) BlacklistUntil(symbol string, now time.Time) *time.Time {
	if t, ok := f.blacklisted[symbol]; ok && t.After(now) {
		return &t
	}
	return nil
}

func (f *fakeStore) DailyUsed(now time.Time) (int, float64) { return f.tradeCount, f.grossRatio }

func (f *fakeStore) OpenPositions() []model.Position { return f.openPos }

func (f *fakeStore) HistoricalMeanPremium(symbol string, asOf time.Time, lookbackDays int) (float64, bool) {
	v, ok := f.histMean[symbol]
	return v, ok
}

type fakeMarket struct {
	bars    []model.MinuteBar
	quote   float64
	account model.Account
	barsErr error
}

func (f *fakeMarket) GetMinuteBars(ctx context.Context, symbol string, from, to time.Time) ([]model.MinuteBar, error) {
	return f.bars, f.barsErr
}
func (f *fakeMarket) GetQuote(ctx context.Context, symbol string) (float64, error) {
	return f.quote, nil
}
func (f *fakeMarket) GetAccount(ctx context.Context) (model.Account, error) { return f.account, nil }

func baseConfig() Config {
	return Config{
		MinPremiumUSD:   10000,
		PremiumMaxUSD:   0,
		PerTradeCap:     0.1,
		DailyGrossCap:   0.5,
		MaxTradesPerDay: 5,
		MaxLeverage:     1.0,
		MinCashRatio:    0.1,
		MinShares:       1,
		GapPolicy:       GapNextBar,
	}
}

func signalAt(t time.Time, premium float64) model.Signal {
	return model.Signal{
		SignalID:          "sig-1",
		Symbol:            "AAPL",
		PremiumUSD:        premium,
		SignalTimeEastern: t,
		SignalTimeSource:  t,
	}
}

func TestOnSignal_AcceptsWithinAllGates(t *testing.T) {
	execTime := time.Date(2026, 3, 3, 10, 0, 0, 0, clock.Eastern)
	sig := signalAt(execTime, 20000)

	sc := StrategyContext{
		Cfg:   baseConfig(),
		Clock: clock.NewRealClock(),
		Store: &fakeStore{},
		Market: &fakeMarket{
			bars:    []model.MinuteBar{{Timestamp: execTime, Open: 100, High: 101, Low: 99, Close: 100}},
			account: model.Account{Equity: 100000, Cash: 100000, BuyingPower: 100000},
		},
		Now: execTime,
	}

	d := OnSignal(context.Background(), sig, sc)
	require.NotNil(t, d.Entry)
	assert.Equal(t, "AAPL", d.Entry.Symbol)
	assert.Greater(t, d.Entry.Shares, 0)
	assert.Equal(t, 100.0, d.Entry.LimitPrice)
}

func TestOnSignal_RejectsBelowMinPremium(t *testing.T) {
	execTime := time.Date(2026, 3, 3, 10, 0, 0, 0, clock.Eastern)
	sig := signalAt(execTime, 100)
	sc := StrategyContext{Cfg: baseConfig(), Clock: clock.NewRealClock(), Store: &fakeStore{}, Market: &fakeMarket{}, Now: execTime}

	d := OnSignal(context.Background(), sig, sc)
	assert.Nil(t, d.Entry)
	assert.Equal(t, RejectPremiumTooLow, d.Reason)
}

func TestOnSignal_RejectsBlacklistedSymbol(t *testing.T) {
	execTime := time.Date(2026, 3, 3, 10, 0, 0, 0, clock.Eastern)
	sig := signalAt(execTime, 20000)
	store := &fakeStore{blacklisted: map[string]time.Time{"AAPL": execTime.Add(24 * time.Hour)}}
	sc := StrategyContext{Cfg: baseConfig(), Clock: clock.NewRealClock(), Store: store, Market: &fakeMarket{}, Now: execTime}

	d := OnSignal(context.Background(), sig, sc)
	assert.Nil(t, d.Entry)
	assert.Equal(t, RejectBlacklisted, d.Reason)
}

func TestOnSignal_RejectsExistingPosition(t *testing.T) {
	execTime := time.Date(2026, 3, 3, 10, 0, 0, 0, clock.Eastern)
	sig := signalAt(execTime, 20000)
	store := &fakeStore{openPos: []model.Position{{Symbol: "AAPL"}}}
	sc := StrategyContext{Cfg: baseConfig(), Clock: clock.NewRealClock(), Store: store, Market: &fakeMarket{}, Now: execTime}

	d := OnSignal(context.Background(), sig, sc)
	assert.Nil(t, d.Entry)
	assert.Equal(t, RejectExistingPosition, d.Reason)
}

func TestOnSignal_HistoricalPremiumFailsOpenWithoutHistory(t *testing.T) {
	execTime := time.Date(2026, 3, 3, 10, 0, 0, 0, clock.Eastern)
	sig := signalAt(execTime, 20000)
	cfg := baseConfig()
	cfg.HistoricalPremiumEnabled = true
	cfg.HistoricalMultiplier = 2.0
	sc := StrategyContext{
		Cfg: cfg, Clock: clock.NewRealClock(), Store: &fakeStore{},
		Market: &fakeMarket{
			bars:    []model.MinuteBar{{Timestamp: execTime, Close: 100}},
			account: model.Account{Equity: 100000, Cash: 100000},
		},
		Now: execTime,
	}
	d := OnSignal(context.Background(), sig, sc)
	require.NotNil(t, d.Entry)
}

func TestOnSignal_HistoricalPremiumRejectsBelowThreshold(t *testing.T) {
	execTime := time.Date(2026, 3, 3, 10, 0, 0, 0, clock.Eastern)
	sig := signalAt(execTime, 20000)
	cfg := baseConfig()
	cfg.HistoricalPremiumEnabled = true
	cfg.HistoricalMultiplier = 2.0
	store := &fakeStore{histMean: map[string]float64{"AAPL": 15000}} // 20000 <= 2*15000
	sc := StrategyContext{Cfg: cfg, Clock: clock.NewRealClock(), Store: store, Market: &fakeMarket{}, Now: execTime}

	d := OnSignal(context.Background(), sig, sc)
	assert.Nil(t, d.Entry)
	assert.Equal(t, RejectHistoricalPremium, d.Reason)
}

// TestScenario_S2_HistoricalFilterTriggers: with a 7-day mean premium of
// $50,000 and a 2.0 multiplier, a $90,000 signal is rejected and a
// $120,000 signal is accepted.
func TestScenario_S2_HistoricalFilterTriggers(t *testing.T) {
	execTime := time.Date(2026, 3, 3, 10, 0, 0, 0, clock.Eastern)
	cfg := baseConfig()
	cfg.HistoricalPremiumEnabled = true
	cfg.HistoricalMultiplier = 2.0
	store := &fakeStore{histMean: map[string]float64{"XYZ": 50000}}
	market := &fakeMarket{
		bars:    []model.MinuteBar{{Timestamp: execTime, Open: 100, High: 101, Low: 99, Close: 100}},
		account: model.Account{Equity: 100000, Cash: 100000},
	}

	rejected := OnSignal(context.Background(), model.Signal{SignalID: "s1", Symbol: "XYZ", PremiumUSD: 90000, SignalTimeEastern: execTime, SignalTimeSource: execTime}, StrategyContext{Cfg: cfg, Clock: clock.NewRealClock(), Store: store, Market: market, Now: execTime})
	assert.Nil(t, rejected.Entry)
	assert.Equal(t, RejectHistoricalPremium, rejected.Reason)

	accepted := OnSignal(context.Background(), model.Signal{SignalID: "s2", Symbol: "XYZ", PremiumUSD: 120000, SignalTimeEastern: execTime, SignalTimeSource: execTime}, StrategyContext{Cfg: cfg, Clock: clock.NewRealClock(), Store: store, Market: market, Now: execTime})
	require.NotNil(t, accepted.Entry)
}

// TestScenario_S4_GapThroughStopAndTakeProfit: a position opened at cost
// 100 with stop_loss=0.10 and take_profit=0.40 sees a single bar with
// low=80, high=145 — TP outranks SL, so the exit reason is TP at 140, not
// SL at 90.
func TestScenario_S4_GapThroughStopAndTakeProfit(t *testing.T) {
	cfg := Config{StopLoss: 0.10, TakeProfit: 0.40, HoldingDays: 5}
	pos := model.Position{PositionID: "p1", Symbol: "XYZ", CostPrice: 100, Shares: 10}
	bars := []model.MinuteBar{{Timestamp: time.Now(), Open: 100, High: 145, Low: 80, Close: 120}}

	exit, _ := OnPositionCheck(pos, bars, cfg)
	require.NotNil(t, exit)
	assert.Equal(t, model.ExitTakeProfit, exit.Reason)
	assert.Equal(t, 140.0, exit.LimitPrice)
}

// TestScenario_S5_ScheduledExitAfterHoldingDays: a position opened Monday
// 2024-06-03 14:00 ET with holding_days=6 and exit_time_of_day=15:00
// schedules its exit for Tuesday 2024-06-11 15:00 ET; the monitor holds
// at 14:59 that day and fires TIMED at 15:00.
func TestScenario_S5_ScheduledExitAfterHoldingDays(t *testing.T) {
	clk := clock.NewRealClock()
	open := time.Date(2024, 6, 3, 14, 0, 0, 0, clock.Eastern)
	scheduled := ScheduledExit(clk, open, 6, "15:00:00")
	assert.Equal(t, time.Date(2024, 6, 11, 15, 0, 0, 0, clock.Eastern), scheduled)

	cfg := Config{}
	pos := model.Position{PositionID: "p1", Symbol: "XYZ", CostPrice: 100, ScheduledExitEastern: scheduled}

	holdBar := model.MinuteBar{Timestamp: scheduled.Add(-time.Minute), Open: 100, High: 101, Low: 99, Close: 100}
	exit, _ := OnPositionCheck(pos, []model.MinuteBar{holdBar}, cfg)
	assert.Nil(t, exit)

	fireBar := model.MinuteBar{Timestamp: scheduled, Open: 100, High: 101, Low: 99, Close: 100}
	exit, _ = OnPositionCheck(pos, []model.MinuteBar{fireBar}, cfg)
	require.NotNil(t, exit)
	assert.Equal(t, model.ExitTimed, exit.Reason)
}

func TestOnSignal_RejectsWhenBreakerHalted(t *testing.T) {
	execTime := time.Date(2026, 3, 3, 10, 0, 0, 0, clock.Eastern)
	sig := signalAt(execTime, 20000)
	breaker := risk.NewCircuitBreaker(risk.Thresholds{DailyHaltPct: 1.0})
	breaker.Update(execTime.Add(-time.Hour), 100000)
	breaker.Update(execTime, 90000) // 10% daily drawdown, well past the 1% halt threshold
	sc := StrategyContext{Cfg: baseConfig(), Clock: clock.NewRealClock(), Store: &fakeStore{}, Market: &fakeMarket{}, Now: execTime, Breaker: breaker}

	d := OnSignal(context.Background(), sig, sc)
	assert.Nil(t, d.Entry)
	assert.Equal(t, RejectRiskSimulation, d.Reason)
}

func TestOnPositionCheck_TakeProfitBeatsStopLossWhenBothInBar(t *testing.T) {
	// A single gap bar that spans both the SL and TP threshold: SL priority
	// is lower than TP, so TP should still win since it is checked first.
	cfg := Config{StopLoss: 0.05, TakeProfit: 0.05, HoldingDays: 5}
	pos := model.Position{PositionID: "p1", Symbol: "AAPL", CostPrice: 100, Shares: 10}
	bars := []model.MinuteBar{{Timestamp: time.Now(), Open: 100, High: 106, Low: 94, Close: 100}}

	exit, hwp := OnPositionCheck(pos, bars, cfg)
	require.NotNil(t, exit)
	assert.Equal(t, model.ExitTakeProfit, exit.Reason)
	assert.Equal(t, 106.0, hwp)
}

func TestOnPositionCheck_TrailingArmsOnlyAfterProfit(t *testing.T) {
	cfg := Config{TrailingStop: 0.1, TrailingArmsOnProfitOnly: true, HoldingDays: 5}
	pos := model.Position{PositionID: "p1", Symbol: "AAPL", CostPrice: 100, Shares: 10, HighWaterPrice: 100}
	// Price never exceeds cost, so trailing must not arm even though it dips 10%.
	bars := []model.MinuteBar{{Timestamp: time.Now(), Open: 100, High: 100, Low: 89, Close: 95}}

	exit, _ := OnPositionCheck(pos, bars, cfg)
	assert.Nil(t, exit)
}

func TestOnPositionCheck_ScheduledExitBeatsEverythingElse(t *testing.T) {
	scheduled := time.Date(2026, 3, 3, 15, 0, 0, 0, clock.Eastern)
	cfg := Config{StopLoss: 0.05, TakeProfit: 0.05}
	pos := model.Position{PositionID: "p1", Symbol: "AAPL", CostPrice: 100, ScheduledExitEastern: scheduled}
	bars := []model.MinuteBar{{Timestamp: scheduled, Open: 100, High: 200, Low: 1, Close: 150}}

	exit, _ := OnPositionCheck(pos, bars, cfg)
	require.NotNil(t, exit)
	assert.Equal(t, model.ExitTimed, exit.Reason)
	assert.Equal(t, 150.0, exit.LimitPrice)
}

func TestOnPositionCheck_StrikeExitOnlyWhenMetaPresent(t *testing.T) {
	cfg := Config{}
	pos := model.Position{PositionID: "p1", Symbol: "AAPL", CostPrice: 100, Meta: map[string]any{"strike": 110.0, "option_price": 2.0}}
	bars := []model.MinuteBar{{Timestamp: time.Now(), Open: 100, High: 113, Low: 99, Close: 105}}

	exit, _ := OnPositionCheck(pos, bars, cfg)
	require.NotNil(t, exit)
	assert.Equal(t, model.ExitStrike, exit.Reason)
	assert.Equal(t, 112.0, exit.LimitPrice)
}

func TestNew_SelectsRegisteredVariantByName(t *testing.T) {
	std, err := New("standard")
	require.NoError(t, err)
	assert.Equal(t, "standard", std.Name())

	aware, err := New("strike-aware")
	require.NoError(t, err)
	assert.Equal(t, "strike-aware", aware.Name())

	def, err := New("")
	require.NoError(t, err)
	assert.Equal(t, "strike-aware", def.Name())
}

func TestNew_RejectsUnknownVariant(t *testing.T) {
	_, err := New("dynamic-loaded-v9")
	assert.Error(t, err)
}

func TestStandardStrategy_IgnoresStrikeExitEvenWithMeta(t *testing.T) {
	std, err := New("standard")
	require.NoError(t, err)

	cfg := Config{}
	pos := model.Position{PositionID: "p1", Symbol: "AAPL", CostPrice: 100, Meta: map[string]any{"strike": 110.0, "option_price": 2.0}}
	bars := []model.MinuteBar{{Timestamp: time.Now(), Open: 100, High: 113, Low: 99, Close: 105}}

	exit, _ := std.OnPositionCheck(pos, bars, cfg)
	assert.Nil(t, exit)
}

func TestStrikeAwareStrategy_FiresStrikeExit(t *testing.T) {
	aware, err := New("strike-aware")
	require.NoError(t, err)

	cfg := Config{}
	pos := model.Position{PositionID: "p1", Symbol: "AAPL", CostPrice: 100, Meta: map[string]any{"strike": 110.0, "option_price": 2.0}}
	bars := []model.MinuteBar{{Timestamp: time.Now(), Open: 100, High: 113, Low: 99, Close: 105}}

	exit, _ := aware.OnPositionCheck(pos, bars, cfg)
	require.NotNil(t, exit)
	assert.Equal(t, model.ExitStrike, exit.Reason)
}

func TestStrategyLifecycleHooks_AreNoOpsAndReturnNil(t *testing.T) {
	strat, err := New("standard")
	require.NoError(t, err)
	assert.NoError(t, strat.OnStart(context.Background()))
	assert.NoError(t, strat.OnShutdown(context.Background()))
}

func TestSignalFingerprint_Deterministic(t *testing.T) {
	ts := time.Date(2026, 3, 3, 10, 0, 0, 0, clock.Eastern)
	a := SignalFingerprint("AAPL", ts, 20000, nil, nil)
	b := SignalFingerprint("AAPL", ts, 20000, nil, nil)
	assert.Equal(t, a, b)

	c := SignalFingerprint("AAPL", ts, 20001, nil, nil)
	assert.NotEqual(t, a, c)
}

func TestScheduledExit_AddsHoldingDaysAtConfiguredTime(t *testing.T) {
	clk := clock.NewRealClock()
	open := time.Date(2026, 3, 3, 10, 0, 0, 0, clock.Eastern) // Tuesday
	exit := ScheduledExit(clk, open, 2, "15:00:00")
	assert.Equal(t, 15, exit.Hour())
	assert.True(t, exit.After(open))
}
