package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/Rajchodisetti/options-flow-engine/internal/clock"
	"github.com/Rajchodisetti/options-flow-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	positions map[string]model.Position
	reports   []model.ReconciliationReport
	fixed     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{positions: map[string]model.Position{}}
}

func (s *fakeStore) OpenPositions() []model.Position {
	out := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}

func (s *fakeStore) RecordReconciliation(report model.ReconciliationReport) error {
	s.reports = append(s.reports, report)
	return nil
}

func (s *fakeStore) ApplyReconciliationFix(report model.ReconciliationReport, lastKnownPrice map[string]float64, now time.Time) error {
	for _, symbol := range report.ExtrasLocal {
		for id, p := range s.positions {
			if p.Symbol == symbol {
				delete(s.positions, id)
			}
		}
	}
	for _, bp := range report.ExtrasBroker {
		s.positions[bp.Symbol] = model.Position{PositionID: bp.Symbol, Symbol: bp.Symbol, Shares: bp.Shares, CostPrice: bp.AvgCost}
	}
	s.fixed = true
	return nil
}

type fakeMarket struct {
	positions []model.BrokerPosition
	account   model.Account
}

func (m *fakeMarket) GetPositions(ctx context.Context) ([]model.BrokerPosition, error) {
	return m.positions, nil
}
func (m *fakeMarket) GetAccount(ctx context.Context) (model.Account, error) { return m.account, nil }
func (m *fakeMarket) GetQuote(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

// TestScenario_S6_ReconciliationAutoFix: local holds AAA (100sh), broker
// reports 0 AAA / 50 BBB. auto_fix drops AAA locally and opens BBB at the
// broker's avg cost; a second run against the now-matching books is empty
// (invariant #7: reconciliation fixed point).
func TestScenario_S6_ReconciliationAutoFix(t *testing.T) {
	st := newFakeStore()
	st.positions["p-aaa"] = model.Position{PositionID: "p-aaa", Symbol: "AAA", Shares: 100, CostPrice: 10}
	mkt := &fakeMarket{
		positions: []model.BrokerPosition{{Symbol: "BBB", Shares: 50, AvgCost: 20}},
		account:   model.Account{Equity: 101000, Cash: 100000},
	}
	r := Reconciler{Store: st, Market: mkt, Clock: clock.NewRealClock(), AutoFix: true}

	report, err := Run(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA"}, report.ExtrasLocal)
	require.Len(t, report.ExtrasBroker, 1)
	assert.Equal(t, "BBB", report.ExtrasBroker[0].Symbol)
	assert.True(t, st.fixed)

	// Local book now matches the broker: AAA gone, BBB present at 50sh.
	_, hasAAA := st.positions["p-aaa"]
	assert.False(t, hasAAA)
	bbb, hasBBB := st.positions["BBB"]
	require.True(t, hasBBB)
	assert.Equal(t, 50, bbb.Shares)

	// Second run with no intervening activity must be empty.
	mkt.positions = []model.BrokerPosition{{Symbol: "BBB", Shares: 50, AvgCost: 20}}
	second, err := Run(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, second.IsEmpty())
}
