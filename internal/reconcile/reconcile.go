// Package reconcile compares local position/order bookkeeping against the
// broker's own view and produces a drift report, optionally applying a
// bounded auto-fix.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/Rajchodisetti/options-flow-engine/internal/clock"
	"github.com/Rajchodisetti/options-flow-engine/internal/model"
	"github.com/Rajchodisetti/options-flow-engine/internal/observ"
	"github.com/google/uuid"
)

// Store is the slice of the persistence contract reconciliation needs.
type Store interface {
	OpenPositions() []model.Position
	RecordReconciliation(report model.ReconciliationReport) error
	ApplyReconciliationFix(report model.ReconciliationReport, lastKnownPrice map[string]float64, now time.Time) error
}

// Market is the slice of the gateway contract reconciliation needs.
type Market interface {
	GetPositions(ctx context.Context) ([]model.BrokerPosition, error)
	GetAccount(ctx context.Context) (model.Account, error)
	GetQuote(ctx context.Context, symbol string) (float64, error)
}

// Reconciler runs one comparison pass between local and broker state.
type Reconciler struct {
	Store   Store
	Market  Market
	Clock   clock.Clock
	AutoFix bool
}

// Run executes a single reconciliation pass, persists the report, and
// applies the auto-fix (if enabled and the report found drift).
func Run(ctx context.Context, r Reconciler) (model.ReconciliationReport, error) {
	local := r.Store.OpenPositions()
	broker, err := r.Market.GetPositions(ctx)
	if err != nil {
		return model.ReconciliationReport{}, fmt.Errorf("reconcile: get broker positions: %w", err)
	}
	acct, err := r.Market.GetAccount(ctx)
	if err != nil {
		return model.ReconciliationReport{}, fmt.Errorf("reconcile: get account: %w", err)
	}

	localBySymbol := make(map[string]model.Position, len(local))
	for _, p := range local {
		localBySymbol[p.Symbol] = p
	}
	brokerBySymbol := make(map[string]model.BrokerPosition, len(broker))
	for _, b := range broker {
		brokerBySymbol[b.Symbol] = b
	}

	var extrasLocal []string
	var extrasBroker []model.BrokerPosition
	var mismatches []model.ShareMismatch

	for sym, p := range localBySymbol {
		b, ok := brokerBySymbol[sym]
		if !ok {
			extrasLocal = append(extrasLocal, sym)
			continue
		}
		if b.Shares != p.Shares {
			mismatches = append(mismatches, model.ShareMismatch{
				Symbol: sym, LocalShares: p.Shares, BrokerShares: b.Shares,
			})
		}
	}
	for sym, b := range brokerBySymbol {
		if _, ok := localBySymbol[sym]; !ok {
			extrasBroker = append(extrasBroker, b)
		}
	}

	localEquity := localEquityEstimate(local, acct.Cash)
	report := model.ReconciliationReport{
		ID:              uuid.NewString(),
		DateEastern:     r.Clock.NowEastern().Format("2006-01-02"),
		ExtrasLocal:     extrasLocal,
		ExtrasBroker:    extrasBroker,
		ShareMismatches: mismatches,
		AccountDelta: model.AccountDelta{
			EquityDelta: acct.Equity - localEquity,
			CashDelta:   0, // local cash tracking is derived from the broker snapshot itself
		},
		GeneratedAt: r.Clock.NowEastern(),
	}

	if err := r.Store.RecordReconciliation(report); err != nil {
		return report, fmt.Errorf("reconcile: record report: %w", err)
	}

	if report.IsEmpty() {
		observ.Log("reconciliation_clean", map[string]any{"date": report.DateEastern})
		return report, nil
	}

	observ.Log("reconciliation_drift", map[string]any{
		"date":             report.DateEastern,
		"extras_local":     len(extrasLocal),
		"extras_broker":    len(extrasBroker),
		"share_mismatches": len(mismatches),
		"equity_delta":     report.AccountDelta.EquityDelta,
	})
	observ.IncCounter("reconciliation_drift_total", nil)

	if !r.AutoFix {
		return report, nil
	}

	lastKnownPrice := make(map[string]float64, len(extrasBroker)+len(mismatches))
	for _, b := range extrasBroker {
		lastKnownPrice[b.Symbol] = b.AvgCost
	}
	for _, m := range mismatches {
		if _, ok := lastKnownPrice[m.Symbol]; !ok {
			if q, err := r.Market.GetQuote(ctx, m.Symbol); err == nil {
				lastKnownPrice[m.Symbol] = q
			}
		}
	}

	if err := r.Store.ApplyReconciliationFix(report, lastKnownPrice, r.Clock.NowEastern()); err != nil {
		return report, fmt.Errorf("reconcile: apply auto-fix: %w", err)
	}
	observ.Log("reconciliation_auto_fixed", map[string]any{"date": report.DateEastern})
	return report, nil
}

func localEquityEstimate(positions []model.Position, cash float64) float64 {
	equity := cash
	for _, p := range positions {
		equity += float64(p.Shares) * p.CostPrice
	}
	return equity
}
