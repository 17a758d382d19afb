// Command backtest replays a fixture of signals and minute bars through
// the strategy using a SimClock and the simulated gateway, printing a
// fill-by-fill trade log plus an end-of-run equity summary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/Rajchodisetti/options-flow-engine/internal/clock"
	"github.com/Rajchodisetti/options-flow-engine/internal/config"
	"github.com/Rajchodisetti/options-flow-engine/internal/gateway"
	"github.com/Rajchodisetti/options-flow-engine/internal/ingest"
	"github.com/Rajchodisetti/options-flow-engine/internal/model"
	"github.com/Rajchodisetti/options-flow-engine/internal/risk"
	"github.com/Rajchodisetti/options-flow-engine/internal/store"
	"github.com/Rajchodisetti/options-flow-engine/internal/strategy"
)

type signalsFixture struct {
	Signals []json.RawMessage `json:"signals"`
}

func mustRead(path string, v any) {
	b, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("backtest: read %s: %v", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		log.Fatalf("backtest: parse %s: %v", path, err)
	}
}

func main() {
	log.SetFlags(0)

	cfgPath := flag.String("config", "config.yaml", "path to engine config")
	signalsPath := flag.String("signals", "fixtures/signals.json", "path to signals fixture")
	startDate := flag.String("start", "", "backtest start date, YYYY-MM-DD Eastern")
	endDate := flag.String("end", "", "backtest end date, YYYY-MM-DD Eastern")
	dataDir := flag.String("data-dir", "", "override data_dir from config (backtests should not share live state)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("backtest: load config: %v", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	var sf signalsFixture
	mustRead(*signalsPath, &sf)
	signals, skipped := ingest.ParseBatch(rawToBytes(sf.Signals))
	if skipped > 0 {
		log.Printf("backtest: skipped %d unparseable signal records", skipped)
	}
	sort.Slice(signals, func(i, j int) bool {
		return signals[i].SignalTimeEastern.Before(signals[j].SignalTimeEastern)
	})

	cal := clock.NewNYSECalendar()
	start := parseDateOrDefault(*startDate, cal.SessionOpen(time.Now().In(clock.Eastern)))
	end := parseDateOrDefault(*endDate, cal.SessionClose(start))

	sc := clock.NewSimClock(cal.SessionOpen(start), cal)

	st, err := store.New(cfg.DataDir)
	if err != nil {
		log.Fatalf("backtest: open store: %v", err)
	}

	bars := gateway.NewGeneratedMinuteBarStore(cal, 42)
	gw := gateway.NewSimGateway(sc, cal, bars, gateway.SimConfig{
		SlippagePct:  cfg.Simulation.SlippagePct,
		FeePerShare:  cfg.Simulation.FeePerShare,
		FeeMin:       cfg.Simulation.FeeMin,
		MinCashRatio: cfg.Simulation.MinCashRatio,
		StartingCash: cfg.Simulation.StartingCash,
	})

	breaker := risk.NewCircuitBreaker(risk.Thresholds{
		DailyWarningPct:       cfg.Risk.DailyWarningPct,
		DailyReducedPct:       cfg.Risk.DailyReducedPct,
		DailyHaltPct:          cfg.Risk.DailyHaltPct,
		WeeklyWarningPct:      cfg.Risk.WeeklyWarningPct,
		WeeklyReducedPct:      cfg.Risk.WeeklyReducedPct,
		WeeklyHaltPct:         cfg.Risk.WeeklyHaltPct,
		ReducedSizeMultiplier: cfg.Risk.ReducedSizeMultiplier,
	})

	strategyCfg := config.ToStrategyConfig(cfg.Strategy)
	strat, err := strategy.New(cfg.Strategy.Variant)
	if err != nil {
		log.Fatalf("backtest: %v", err)
	}
	ctx := context.Background()
	if err := strat.OnStart(ctx); err != nil {
		log.Fatalf("backtest: strategy start: %v", err)
	}
	defer strat.OnShutdown(ctx)

	pending := signals
	minute := cal.SessionOpen(start)
	for !minute.After(end) {
		sc.Advance(minute)
		breaker.Update(minute, mustEquity(ctx, gw))

		for len(pending) > 0 && !pending[0].SignalTimeEastern.After(minute) {
			sig := pending[0]
			pending = pending[1:]
			processBacktestSignal(ctx, sig, strat, strategyCfg, sc, st, gw, breaker)
		}
		checkBacktestPositions(ctx, st, gw, sc, strat, strategyCfg, minute)

		minute = minute.Add(time.Minute)
	}

	acct, _ := gw.GetAccount(ctx)
	fmt.Printf("{\"final_equity\":%.2f,\"final_cash\":%.2f,\"open_positions\":%d}\n",
		acct.Equity, acct.Cash, len(st.OpenPositions()))
}

func rawToBytes(raw []json.RawMessage) [][]byte {
	out := make([][]byte, len(raw))
	for i, r := range raw {
		out[i] = []byte(r)
	}
	return out
}

func parseDateOrDefault(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := time.ParseInLocation("2006-01-02", s, clock.Eastern)
	if err != nil {
		log.Fatalf("backtest: bad date %q: %v", s, err)
	}
	return t
}

func mustEquity(ctx context.Context, gw gateway.Gateway) float64 {
	acct, err := gw.GetAccount(ctx)
	if err != nil {
		return 0
	}
	return acct.Equity
}

func processBacktestSignal(ctx context.Context, sig model.Signal, strat strategy.Strategy, cfg strategy.Config, sc *clock.SimClock, st *store.Store, gw gateway.Gateway, breaker *risk.CircuitBreaker) {
	fresh, err := st.InsertSignalIfNew(sig)
	if err != nil || !fresh {
		return
	}
	stratCtx := strategy.StrategyContext{
		Cfg: cfg, Clock: sc, Store: st, Market: gw, Now: sc.NowEastern(), Breaker: breaker,
	}
	decision := strat.OnSignal(ctx, sig, stratCtx)
	if decision.Entry == nil {
		return
	}
	entry := *decision.Entry
	resID, err := st.ReserveDailyCapacity(sc.NowEastern(), entry.PosRatio, cfg.MaxTradesPerDay, cfg.DailyGrossCap)
	if err != nil {
		return
	}
	result, err := gw.PlaceOrder(ctx, entry.ClientID, entry.Symbol, model.SideBuy, entry.Shares, entry.LimitPrice)
	if err != nil || result.Status != model.OrderFilled {
		_ = st.RollbackDailyCapacity(resID)
		return
	}
	_ = st.CommitDailyCapacity(resID)
	scheduledExit := strategy.ScheduledExit(sc, sc.NowEastern(), cfg.HoldingDays, cfg.ExitTimeOfDay)
	_, _ = st.RecordOpen(sig, entry, result, scheduledExit)
	fmt.Printf("{\"event\":\"open\",\"symbol\":%q,\"shares\":%d,\"price\":%.2f}\n", entry.Symbol, entry.Shares, entry.LimitPrice)
}

func checkBacktestPositions(ctx context.Context, st *store.Store, gw gateway.Gateway, sc *clock.SimClock, strat strategy.Strategy, cfg strategy.Config, now time.Time) {
	for _, pos := range st.OpenPositions() {
		from := pos.LastCheckedEastern
		if from.IsZero() {
			from = pos.OpenTimeEastern
		}
		if !now.After(from) {
			continue
		}
		bars, err := gw.GetMinuteBars(ctx, pos.Symbol, from, now)
		if err != nil || len(bars) == 0 {
			continue
		}
		bars = gateway.FillMinuteGaps(bars, from, now)
		exit, hwp := strat.OnPositionCheck(pos, bars, cfg)
		_ = st.UpdateHighWaterPrice(pos.PositionID, hwp)
		_ = st.UpdateLastChecked(pos.PositionID, now)
		if exit == nil {
			continue
		}
		result, err := gw.PlaceOrder(ctx, exit.ClientID, exit.Symbol, model.SideSell, exit.Shares, exit.LimitPrice)
		if err != nil || result.Status != model.OrderFilled {
			continue
		}
		blacklistUntil := strategy.BlacklistExpiry(sc, pos.OpenTimeEastern, cfg.BlacklistDays)
		_ = st.RecordClose(pos.PositionID, *exit, result, blacklistUntil)
		fmt.Printf("{\"event\":\"close\",\"symbol\":%q,\"reason\":%q,\"price\":%.2f}\n", exit.Symbol, exit.Reason, exit.LimitPrice)
	}
}
