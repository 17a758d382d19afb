package store

import (
	"testing"
	"time"

	"github.com/Rajchodisetti/options-flow-engine/internal/gateway"
	"github.com/Rajchodisetti/options-flow-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestInsertSignalIfNew_SuppressesDuplicates(t *testing.T) {
	s := newTestStore(t)
	sig := model.Signal{SignalID: "sig-1", Symbol: "AAPL", PremiumUSD: 20000}

	inserted, err := s.InsertSignalIfNew(sig)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertSignalIfNew(sig)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestReserveDailyCapacity_RejectsOverMaxTrades(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

	id1, err := s.ReserveDailyCapacity(now, 0.05, 1, 1.0)
	require.NoError(t, err)
	require.NoError(t, s.CommitDailyCapacity(id1))

	_, err = s.ReserveDailyCapacity(now, 0.05, 1, 1.0)
	assert.Error(t, err)
	var rejected *AdmissionRejected
	assert.ErrorAs(t, err, &rejected)
	assert.Equal(t, "max_trades_per_day", rejected.Reason)
}

func TestReserveDailyCapacity_RejectsOverGrossCap(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

	_, err := s.ReserveDailyCapacity(now, 0.3, 10, 0.5)
	require.NoError(t, err)

	_, err = s.ReserveDailyCapacity(now, 0.3, 10, 0.5)
	assert.Error(t, err)
	var rejected *AdmissionRejected
	assert.ErrorAs(t, err, &rejected)
	assert.Equal(t, "daily_gross_cap", rejected.Reason)
}

// TestScenario_S3_DailyCapReservationWalk: three 0.30 reservations are
// admitted and committed (totaling 0.90), a fourth at 0.15 is rejected
// since 0.90+0.15 > 0.99.
func TestScenario_S3_DailyCapReservationWalk(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

	opened := 0
	for i := 0; i < 3; i++ {
		id, err := s.ReserveDailyCapacity(now, 0.30, 10, 0.99)
		require.NoError(t, err)
		require.NoError(t, s.CommitDailyCapacity(id))
		opened++
	}
	assert.Equal(t, 3, opened)

	count, ratio := s.DailyUsed(now)
	assert.Equal(t, 3, count)
	assert.InDelta(t, 0.90, ratio, 1e-9)

	_, err := s.ReserveDailyCapacity(now, 0.15, 10, 0.99)
	assert.Error(t, err)
	var rejected *AdmissionRejected
	assert.ErrorAs(t, err, &rejected)
	assert.Equal(t, "daily_gross_cap", rejected.Reason)

	count, ratio = s.DailyUsed(now)
	assert.Equal(t, 3, count)
	assert.InDelta(t, 0.90, ratio, 1e-9)
}

func TestRollbackDailyCapacity_FreesRatioWithoutTradeCount(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

	id, err := s.ReserveDailyCapacity(now, 0.3, 10, 0.5)
	require.NoError(t, err)
	require.NoError(t, s.RollbackDailyCapacity(id))

	count, ratio := s.DailyUsed(now)
	assert.Equal(t, 0, count)
	assert.Equal(t, 0.0, ratio)

	// The freed ratio can be reserved again.
	_, err = s.ReserveDailyCapacity(now, 0.3, 10, 0.5)
	assert.NoError(t, err)
}

func TestHistoricalMeanPremium_FailsOpenWithoutHistory(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.HistoricalMeanPremium("AAPL", time.Now(), 30)
	assert.False(t, ok)
}

func TestHistoricalMeanPremium_AveragesPriorSignalsOnly(t *testing.T) {
	s := newTestStore(t)
	asOf := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	_, err := s.InsertSignalIfNew(model.Signal{SignalID: "s1", Symbol: "AAPL", PremiumUSD: 10000, SignalTimeEastern: asOf.AddDate(0, 0, -5)})
	require.NoError(t, err)
	_, err = s.InsertSignalIfNew(model.Signal{SignalID: "s2", Symbol: "AAPL", PremiumUSD: 20000, SignalTimeEastern: asOf.AddDate(0, 0, -2)})
	require.NoError(t, err)
	// Same-instant-or-later signal must be excluded.
	_, err = s.InsertSignalIfNew(model.Signal{SignalID: "s3", Symbol: "AAPL", PremiumUSD: 999999, SignalTimeEastern: asOf})
	require.NoError(t, err)

	mean, ok := s.HistoricalMeanPremium("AAPL", asOf, 30)
	require.True(t, ok)
	assert.Equal(t, 15000.0, mean)
}

func TestBlacklistUntil_ExpiredEntryTreatedAsAbsent(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	result := gateway.OrderResult{Status: model.OrderFilled, FilledShares: 10, TimestampEastern: now}
	decision := model.ExitDecision{PositionID: "p1", Symbol: "AAPL", Shares: 10, LimitPrice: 100, ClientID: "c1"}

	positionID, err := s.RecordOpen(model.Signal{Symbol: "AAPL"}, model.EntryDecision{Symbol: "AAPL", Shares: 10, LimitPrice: 100, ClientID: "c0"}, result, now.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.RecordClose(positionID, decision, result, now.Add(-time.Minute)))

	assert.Nil(t, s.BlacklistUntil("AAPL", now))
}

func TestRecordOpenAndClose_MovesPositionOutOfOpenSet(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	avgPrice := 100.0
	openResult := gateway.OrderResult{Status: model.OrderFilled, FilledShares: 10, AvgPrice: &avgPrice, TimestampEastern: now}

	positionID, err := s.RecordOpen(model.Signal{Symbol: "AAPL"}, model.EntryDecision{Symbol: "AAPL", Shares: 10, LimitPrice: 100, ClientID: "c0"}, openResult, now.Add(24*time.Hour))
	require.NoError(t, err)

	open := s.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, "AAPL", open[0].Symbol)
	assert.Equal(t, 100.0, open[0].CostPrice)

	closeResult := gateway.OrderResult{Status: model.OrderFilled, FilledShares: 10, TimestampEastern: now.Add(time.Hour)}
	closeDecision := model.ExitDecision{PositionID: positionID, Symbol: "AAPL", Shares: 10, LimitPrice: 110, Reason: model.ExitTakeProfit, ClientID: "c1"}
	require.NoError(t, s.RecordClose(positionID, closeDecision, closeResult, now.Add(48*time.Hour)))

	assert.Empty(t, s.OpenPositions())
	until := s.BlacklistUntil("AAPL", now)
	require.NotNil(t, until)
	assert.True(t, until.Equal(now.Add(48 * time.Hour)))
}

func TestApplyReconciliationFix_ClosesExtraLocalPositions(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	openResult := gateway.OrderResult{Status: model.OrderFilled, FilledShares: 10, TimestampEastern: now}
	_, err := s.RecordOpen(model.Signal{Symbol: "AAPL"}, model.EntryDecision{Symbol: "AAPL", Shares: 10, LimitPrice: 100, ClientID: "c0"}, openResult, now.Add(time.Hour))
	require.NoError(t, err)

	report := model.ReconciliationReport{ExtrasLocal: []string{"AAPL"}}
	require.NoError(t, s.ApplyReconciliationFix(report, map[string]float64{"AAPL": 105}, now.Add(2*time.Hour)))

	assert.Empty(t, s.OpenPositions())
}

func TestApplyReconciliationFix_OpensExtraBrokerPositions(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

	report := model.ReconciliationReport{ExtrasBroker: []model.BrokerPosition{{Symbol: "MSFT", Shares: 5, AvgCost: 300}}}
	require.NoError(t, s.ApplyReconciliationFix(report, nil, now))

	open := s.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, "MSFT", open[0].Symbol)
	assert.Equal(t, 5, open[0].Shares)
}

func TestSnapshotPersistence_RoundTripsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(dir)
	require.NoError(t, err)

	_, err = s1.InsertSignalIfNew(model.Signal{SignalID: "sig-1", Symbol: "AAPL", PremiumUSD: 20000, SignalTimeEastern: time.Now()})
	require.NoError(t, err)

	s2, err := New(dir)
	require.NoError(t, err)
	_, ok := s2.HistoricalMeanPremium("AAPL", time.Now().Add(time.Hour), 30)
	assert.True(t, ok)
}
