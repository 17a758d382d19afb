// Package loop wires the strategy, gateway, and store into the running
// engine: a signal-processing worker, a position monitor, and a daily
// reconciliation scheduler, each ticking on its own interval until the
// context is cancelled.
package loop

import (
	"context"
	"time"

	"github.com/Rajchodisetti/options-flow-engine/internal/alerts"
	"github.com/Rajchodisetti/options-flow-engine/internal/clock"
	"github.com/Rajchodisetti/options-flow-engine/internal/gateway"
	"github.com/Rajchodisetti/options-flow-engine/internal/model"
	"github.com/Rajchodisetti/options-flow-engine/internal/observ"
	"github.com/Rajchodisetti/options-flow-engine/internal/reconcile"
	"github.com/Rajchodisetti/options-flow-engine/internal/risk"
	"github.com/Rajchodisetti/options-flow-engine/internal/store"
	"github.com/Rajchodisetti/options-flow-engine/internal/strategy"
)

// Store is the full persistence surface the supervisor drives, beyond the
// read-only slice the strategy itself is given.
type Store interface {
	strategy.ReadStore
	InsertSignalIfNew(sig model.Signal) (bool, error)
	ReserveDailyCapacity(now time.Time, ratio float64, maxTrades int, dailyGrossCap float64) (string, error)
	CommitDailyCapacity(id string) error
	RollbackDailyCapacity(id string) error
	RecordOpen(sig model.Signal, decision model.EntryDecision, result gateway.OrderResult, scheduledExit time.Time) (string, error)
	UpdateLastChecked(positionID string, t time.Time) error
	UpdateHighWaterPrice(positionID string, hwp float64) error
	RecordClose(positionID string, decision model.ExitDecision, result gateway.OrderResult, blacklistUntil time.Time) error
	RecordOrderEvent(clientID, symbol string, side model.Side, shares int, limitPrice float64, result gateway.OrderResult) error
	LoadCheckpoint() store.Checkpoint
	SaveCheckpoint(cp store.Checkpoint) error
	ApplyReconciliationFix(report model.ReconciliationReport, lastKnownPrice map[string]float64, now time.Time) error
	RecordReconciliation(report model.ReconciliationReport) error
}

// SignalSource feeds newly-arrived signals to the supervisor. cmd/engine
// backs this with newline-delimited JSON records read from stdin.
type SignalSource interface {
	Next(ctx context.Context) (model.Signal, bool, error)
}

// Supervisor owns the three trading loops and the shared dependencies
// they consult.
type Supervisor struct {
	Cfg      strategy.Config
	Clock    clock.Clock
	Store    Store
	Gateway  gateway.Gateway
	Breaker  *risk.CircuitBreaker
	Signals  SignalSource
	Alerts   *alerts.Notifier
	Strategy strategy.Strategy // nil selects strategy.Default()

	PositionCheckInterval   time.Duration
	ReconciliationTimeOfDay string // "HH:MM:SS" Eastern, e.g. "17:00:00"
	AutoFixReconciliation   bool

	Earnings   []strategy.EarningsWindow
	PriceTrend func(symbol string, asOf time.Time, lookbackDays int) (rising bool, ok bool)
	MACD       func(symbol string, asOf time.Time) (value float64, ok bool)
}

// strategy returns the configured Strategy variant, falling back to the
// package default when none was set.
func (s *Supervisor) strategy() strategy.Strategy {
	if s.Strategy != nil {
		return s.Strategy
	}
	return strategy.Default()
}

// Run blocks, driving all three loops concurrently, until ctx is
// cancelled or a fatal error occurs on the signal-processing path.
func (s *Supervisor) Run(ctx context.Context) error {
	strat := s.strategy()
	if err := strat.OnStart(ctx); err != nil {
		return err
	}
	defer strat.OnShutdown(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- s.runSignalLoop(ctx) }()
	go s.runPositionMonitor(ctx)
	go s.runReconciliationScheduler(ctx)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			s.Alerts.FatalError(context.Background(), err)
		}
		return err
	}
}

// signalBufferSize bounds the channel decoupling ingestion (reading from
// SignalSource, which may block on file/stdin I/O) from the strategy
// consumer (which blocks on gateway/store round trips per signal).
const signalBufferSize = 256

// runSignalLoop feeds a bounded channel from a dedicated ingestion
// goroutine and drains it in order on the calling goroutine, so a slow
// on_signal evaluation never blocks the next read from the source.
func (s *Supervisor) runSignalLoop(ctx context.Context) error {
	buf := make(chan model.Signal, signalBufferSize)
	done := make(chan error, 1)

	go func() {
		defer close(buf)
		for {
			sig, ok, err := s.Signals.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					done <- nil
					return
				}
				observ.Log("signal_ingest_error", map[string]any{"error": err.Error()})
				done <- err
				return
			}
			if !ok {
				done <- nil
				return
			}
			select {
			case buf <- sig:
				observ.SetGauge("signal_buffer_depth", float64(len(buf)), nil)
			case <-ctx.Done():
				done <- nil
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-buf:
			if !ok {
				return <-done
			}
			s.processSignal(ctx, sig)
		}
	}
}

func (s *Supervisor) processSignal(ctx context.Context, sig model.Signal) {
	fresh, err := s.Store.InsertSignalIfNew(sig)
	if err != nil {
		observ.Log("signal_insert_error", map[string]any{"signal_id": sig.SignalID, "error": err.Error()})
		return
	}
	if !fresh {
		observ.IncCounter("signal_duplicate_total", nil)
		return
	}

	sc := strategy.StrategyContext{
		Cfg:        s.Cfg,
		Clock:      s.Clock,
		Store:      s.Store,
		Market:     s.Gateway,
		Now:        s.Clock.NowEastern(),
		Earnings:   s.Earnings,
		PriceTrend: s.PriceTrend,
		MACD:       s.MACD,
		Breaker:    s.Breaker,
	}
	decision := s.strategy().OnSignal(ctx, sig, sc)
	observ.Log("signal_decision", map[string]any{"signal_id": sig.SignalID, "audit": decision.MarshalAudit()})
	if decision.Entry == nil {
		observ.IncCounter("signal_rejected_total", map[string]string{"reason": string(decision.Reason)})
		return
	}

	entry := *decision.Entry
	reservationID, err := s.Store.ReserveDailyCapacity(sc.Now, entry.PosRatio, s.Cfg.MaxTradesPerDay, s.Cfg.DailyGrossCap)
	if err != nil {
		observ.Log("capacity_reservation_failed", map[string]any{"symbol": entry.Symbol, "error": err.Error()})
		return
	}

	result, err := s.Gateway.PlaceOrder(ctx, entry.ClientID, entry.Symbol, model.SideBuy, entry.Shares, entry.LimitPrice)
	if err != nil {
		_ = s.Store.RollbackDailyCapacity(reservationID)
		observ.Log("order_place_failed", map[string]any{"symbol": entry.Symbol, "error": err.Error()})
		return
	}
	if err := s.Store.RecordOrderEvent(entry.ClientID, entry.Symbol, model.SideBuy, entry.Shares, entry.LimitPrice, result); err != nil {
		observ.Log("order_record_failed", map[string]any{"symbol": entry.Symbol, "error": err.Error()})
	}

	if result.Status != model.OrderFilled {
		_ = s.Store.RollbackDailyCapacity(reservationID)
		observ.IncCounter("order_not_filled_total", map[string]string{"status": string(result.Status)})
		return
	}
	if err := s.Store.CommitDailyCapacity(reservationID); err != nil {
		observ.Log("capacity_commit_failed", map[string]any{"symbol": entry.Symbol, "error": err.Error()})
	}

	scheduledExit := strategy.ScheduledExit(s.Clock, sc.Now, s.Cfg.HoldingDays, s.Cfg.ExitTimeOfDay)
	if _, err := s.Store.RecordOpen(sig, entry, result, scheduledExit); err != nil {
		observ.Log("position_open_record_failed", map[string]any{"symbol": entry.Symbol, "error": err.Error()})
		return
	}
	observ.IncCounter("position_opened_total", nil)
}

func (s *Supervisor) runPositionMonitor(ctx context.Context) {
	interval := s.PositionCheckInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkPositions(ctx)
		}
	}
}

func (s *Supervisor) checkPositions(ctx context.Context) {
	now := s.Clock.NowEastern()
	for _, pos := range s.Store.OpenPositions() {
		from := pos.LastCheckedEastern
		if from.IsZero() {
			from = pos.OpenTimeEastern
		}
		bars, err := s.Gateway.GetMinuteBars(ctx, pos.Symbol, from, now)
		if err != nil {
			observ.Log("position_bars_error", map[string]any{"symbol": pos.Symbol, "error": err.Error()})
			continue
		}
		bars = gateway.FillMinuteGaps(bars, from, now)
		if len(bars) == 0 {
			continue
		}

		exit, highWater := s.strategy().OnPositionCheck(pos, bars, s.Cfg)
		if err := s.Store.UpdateHighWaterPrice(pos.PositionID, highWater); err != nil {
			observ.Log("high_water_update_failed", map[string]any{"symbol": pos.Symbol, "error": err.Error()})
		}
		if err := s.Store.UpdateLastChecked(pos.PositionID, now); err != nil {
			observ.Log("last_checked_update_failed", map[string]any{"symbol": pos.Symbol, "error": err.Error()})
		}
		if exit == nil {
			continue
		}
		s.executeExit(ctx, pos, *exit)
	}
}

func (s *Supervisor) executeExit(ctx context.Context, pos model.Position, exit model.ExitDecision) {
	result, err := s.Gateway.PlaceOrder(ctx, exit.ClientID, exit.Symbol, model.SideSell, exit.Shares, exit.LimitPrice)
	if err != nil {
		observ.Log("exit_order_failed", map[string]any{"symbol": exit.Symbol, "error": err.Error()})
		return
	}
	if err := s.Store.RecordOrderEvent(exit.ClientID, exit.Symbol, model.SideSell, exit.Shares, exit.LimitPrice, result); err != nil {
		observ.Log("exit_order_record_failed", map[string]any{"symbol": exit.Symbol, "error": err.Error()})
	}
	if result.Status != model.OrderFilled {
		observ.IncCounter("exit_not_filled_total", map[string]string{"status": string(result.Status)})
		return
	}
	blacklistUntil := strategy.BlacklistExpiry(s.Clock, pos.OpenTimeEastern, s.Cfg.BlacklistDays)
	if err := s.Store.RecordClose(pos.PositionID, exit, result, blacklistUntil); err != nil {
		observ.Log("position_close_record_failed", map[string]any{"symbol": exit.Symbol, "error": err.Error()})
		return
	}
	observ.IncCounter("position_closed_total", map[string]string{"reason": string(exit.Reason)})
}

// runReconciliationScheduler fires once per trading day at the configured
// Eastern time-of-day (default 17:00:00). After each fire it re-arms for
// the next occurrence of that time-of-day, recomputed from the clock, so
// it follows the target time-of-day rather than process start time;
// fires that land on a non-trading day run no reconciliation.
func (s *Supervisor) runReconciliationScheduler(ctx context.Context) {
	tod := s.ReconciliationTimeOfDay
	if tod == "" {
		tod = "17:00:00"
	}
	timer := time.NewTimer(durationUntil(s.Clock.NowEastern(), tod))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if !s.Clock.IsTradingDay(s.Clock.NowEastern()) {
				timer.Reset(durationUntil(s.Clock.NowEastern(), tod))
				continue
			}
			r := reconcile.Reconciler{
				Store:   s.Store,
				Market:  s.Gateway,
				Clock:   s.Clock,
				AutoFix: s.AutoFixReconciliation,
			}
			report, err := reconcile.Run(ctx, r)
			if err != nil {
				observ.Log("reconciliation_error", map[string]any{"error": err.Error()})
			} else if !report.IsEmpty() {
				s.Alerts.ReconciliationDrift(ctx, len(report.ExtrasLocal), len(report.ExtrasBroker), len(report.ShareMismatches), report.AccountDelta.EquityDelta)
			}
			timer.Reset(durationUntil(s.Clock.NowEastern(), tod))
		}
	}
}

// durationUntil returns the delay from now until the next occurrence of
// hhmmss Eastern, today if it hasn't passed yet, otherwise tomorrow.
func durationUntil(now time.Time, hhmmss string) time.Duration {
	next, err := time.ParseInLocation("2006-01-02 15:04:05", now.In(clock.Eastern).Format("2006-01-02")+" "+hhmmss, clock.Eastern)
	if err != nil {
		return 24 * time.Hour
	}
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
