// Package store is the persistence layer: idempotent signal/order/position
// storage, the daily-capacity reservation ledger, and reconciliation
// history. Every mutating method here is single-writer-serialized via one
// mutex, giving insert_signal_if_new and reserve_daily_capacity (and, for
// simplicity and auditability, every other write) a SERIALIZABLE-equivalent
// guarantee.
//
// Durability is a single JSON snapshot written via temp-file-then-rename.
// Order events are kept in that snapshot as the latest state per client
// id; no separate event log is written. No third-party database driver is
// used (see DESIGN.md).
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/options-flow-engine/internal/clock"
	"github.com/Rajchodisetti/options-flow-engine/internal/gateway"
	"github.com/Rajchodisetti/options-flow-engine/internal/model"
	"github.com/Rajchodisetti/options-flow-engine/internal/observ"
)

// Checkpoint is the external file-watcher's resume position; the store
// only persists it.
type Checkpoint struct {
	LastProcessedFile string `json:"last_processed_file"`
	LastOffset        int64  `json:"last_offset"`
}

// AdmissionRejected is returned by ReserveDailyCapacity when the day's
// caps would be exceeded.
type AdmissionRejected struct {
	Reason string
}

func (e *AdmissionRejected) Error() string { return "admission rejected: " + e.Reason }

// Store is the repository backing signal admission, order/position
// bookkeeping, daily capacity, and reconciliation history.
type Store struct {
	mu   sync.Mutex
	path string

	signals     map[string]model.Signal
	orders      map[string]model.Order
	positions   map[string]model.Position // open, keyed by position id
	closed      []model.Position
	blacklist   map[string]time.Time
	daily       map[string]*model.DailyState // date -> state
	checkpoint  Checkpoint
	reconciliations []model.ReconciliationReport
}

// New constructs a Store that snapshots its whole state, order events
// included, to dir/state.json.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	s := &Store{
		path:      filepath.Join(dir, "state.json"),
		signals:   map[string]model.Signal{},
		orders:    map[string]model.Order{},
		positions: map[string]model.Position{},
		blacklist: map[string]time.Time{},
		daily:     map[string]*model.DailyState{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

type snapshot struct {
	Signals    map[string]model.Signal    `json:"signals"`
	Orders     map[string]model.Order     `json:"orders"`
	Positions  map[string]model.Position  `json:"positions"`
	Closed     []model.Position           `json:"closed"`
	Blacklist  map[string]time.Time       `json:"blacklist"`
	Daily      map[string]*model.DailyState `json:"daily"`
	Checkpoint Checkpoint                 `json:"checkpoint"`
	Reconciliations []model.ReconciliationReport `json:"reconciliations"`
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: read snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("store: unmarshal snapshot: %w", err)
	}
	if snap.Signals != nil {
		s.signals = snap.Signals
	}
	if snap.Orders != nil {
		s.orders = snap.Orders
	}
	if snap.Positions != nil {
		s.positions = snap.Positions
	}
	s.closed = snap.Closed
	if snap.Blacklist != nil {
		s.blacklist = snap.Blacklist
	}
	if snap.Daily != nil {
		s.daily = snap.Daily
	}
	s.checkpoint = snap.Checkpoint
	s.reconciliations = snap.Reconciliations
	return nil
}

// saveUnsafe must be called with mu held; it snapshots the whole store
// atomically via temp-file-then-rename: write to a sibling .tmp file,
// fsync, then rename over the real path.
func (s *Store) saveUnsafe() error {
	snap := snapshot{
		Signals: s.signals, Orders: s.orders, Positions: s.positions,
		Closed: s.closed, Blacklist: s.blacklist, Daily: s.daily,
		Checkpoint: s.checkpoint, Reconciliations: s.reconciliations,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// InsertSignalIfNew is atomic on SignalID: a signal whose id already
// exists is silently ignored without error.
func (s *Store) InsertSignalIfNew(sig model.Signal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.signals[sig.SignalID]; exists {
		return false, nil
	}
	s.signals[sig.SignalID] = sig
	if err := s.saveUnsafe(); err != nil {
		return false, err
	}
	return true, nil
}

// HistoricalMeanPremium averages premium_usd over the last lookbackDays
// calendar days of stored signals for symbol, excluding signals at or
// after asOf. ok is false when no history exists, in which case the
// historical-premium filter fails open.
func (s *Store) HistoricalMeanPremium(symbol string, asOf time.Time, lookbackDays int) (mean float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := asOf.AddDate(0, 0, -lookbackDays)
	sum, n := 0.0, 0
	for _, sig := range s.signals {
		if sig.Symbol != symbol {
			continue
		}
		if !sig.SignalTimeEastern.Before(asOf) || sig.SignalTimeEastern.Before(cutoff) {
			continue
		}
		sum += sig.PremiumUSD
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// BlacklistUntil returns the symbol's cooldown expiry, or nil if none is
// active. An expired entry is treated as absent; no GC required.
func (s *Store) BlacklistUntil(symbol string, now time.Time) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.blacklist[symbol]
	if !ok || !until.After(now) {
		return nil
	}
	return &until
}

func dateKey(t time.Time) string { return t.In(clock.Eastern).Format("2006-01-02") }

func (s *Store) dailyStateUnsafe(day string) *model.DailyState {
	d, ok := s.daily[day]
	if !ok {
		d = &model.DailyState{DateEastern: day}
		s.daily[day] = d
	}
	return d
}

// DailyUsed sums committed and currently-held reservations for the day
// containing now.
func (s *Store) DailyUsed(now time.Time) (tradeCount int, grossRatio float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dailyStateUnsafe(dateKey(now))
	return d.TradeCount, d.UsedRatio()
}

// ReserveDailyCapacity is the canonical atomic admission-check primitive:
// it checks trade_count+pending_reservations <= maxTrades and
// used+ratio <= dailyGrossCap in the same critical section that inserts
// the HELD reservation, so no interleaving of concurrent signal handling
// can observe a stale used ratio.
func (s *Store) ReserveDailyCapacity(now time.Time, ratio float64, maxTrades int, dailyGrossCap float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dailyStateUnsafe(dateKey(now))
	if d.TradeCount+d.PendingReservations() >= maxTrades {
		return "", &AdmissionRejected{Reason: "max_trades_per_day"}
	}
	if d.UsedRatio()+ratio > dailyGrossCap {
		return "", &AdmissionRejected{Reason: "daily_gross_cap"}
	}
	id := uuid.NewString()
	d.Reservations = append(d.Reservations, model.Reservation{ReservationID: id, Ratio: ratio, Status: model.ReservationHeld})
	if err := s.saveUnsafe(); err != nil {
		return "", err
	}
	observ.IncCounter("daily_capacity_reserved_total", nil)
	return id, nil
}

func (s *Store) findReservation(id string) (*model.DailyState, *model.Reservation) {
	for _, d := range s.daily {
		for i := range d.Reservations {
			if d.Reservations[i].ReservationID == id {
				return d, &d.Reservations[i]
			}
		}
	}
	return nil, nil
}

// CommitDailyCapacity converts a HELD reservation into committed gross
// ratio and increments the day's trade count, called only after a FILLED
// result.
func (s *Store) CommitDailyCapacity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, r := s.findReservation(id)
	if r == nil {
		return fmt.Errorf("store: reservation %s not found", id)
	}
	if r.Status != model.ReservationHeld {
		return nil
	}
	r.Status = model.ReservationCommitted
	d.CommittedGrossRatio += r.Ratio
	d.TradeCount++
	return s.saveUnsafe()
}

// RollbackDailyCapacity frees a reservation's ratio without affecting
// trade count.
func (s *Store) RollbackDailyCapacity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, r := s.findReservation(id)
	if r == nil {
		return fmt.Errorf("store: reservation %s not found", id)
	}
	if r.Status != model.ReservationHeld {
		return nil
	}
	r.Status = model.ReservationRolledBack
	return s.saveUnsafe()
}

// RecordOpen persists the order and opens a new position for a filled
// buy. Apart from the synthetic opens ApplyReconciliationFix inserts for
// broker-only symbols, it is the only path that creates a Position, so
// "one open position per symbol" holds as long as the strategy filter
// checked OpenPositions before deciding to buy.
func (s *Store) RecordOpen(sig model.Signal, decision model.EntryDecision, result gateway.OrderResult, scheduledExit time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordOrderUnsafe(decision.ClientID, decision.Symbol, model.SideBuy, decision.Shares, decision.LimitPrice, result)

	positionID := uuid.NewString()
	fee := result.Fee
	costPrice := avgPriceOr(result, decision.LimitPrice)
	if result.FilledShares > 0 {
		costPrice += fee / float64(result.FilledShares)
	}
	pos := model.Position{
		PositionID:           positionID,
		OpenOrderClientID:    decision.ClientID,
		Symbol:               decision.Symbol,
		Shares:               result.FilledShares,
		CostPrice:            costPrice,
		FeesPaid:             fee,
		OpenTimeEastern:      result.TimestampEastern,
		ScheduledExitEastern: scheduledExit,
		HighWaterPrice:       avgPriceOr(result, decision.LimitPrice),
		Meta:                 decision.Meta,
		LastCheckedEastern:   result.TimestampEastern,
	}
	s.positions[positionID] = pos
	return positionID, s.saveUnsafe()
}

func avgPriceOr(result gateway.OrderResult, fallback float64) float64 {
	if result.AvgPrice != nil {
		return *result.AvgPrice
	}
	return fallback
}

// OpenPositions returns every position that has not been closed yet.
func (s *Store) OpenPositions() []model.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// UpdateLastChecked stores the position's new last-checked timestamp
// without closing it, so the next monitor tick only walks newer bars.
func (s *Store) UpdateLastChecked(positionID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[positionID]
	if !ok {
		return fmt.Errorf("store: position %s not found", positionID)
	}
	pos.LastCheckedEastern = t
	s.positions[positionID] = pos
	return s.saveUnsafe()
}

// UpdateHighWaterPrice persists a monotonic increase to a position's
// high-water mark, called every monitor tick even when no exit fires.
func (s *Store) UpdateHighWaterPrice(positionID string, hwp float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[positionID]
	if !ok {
		return fmt.Errorf("store: position %s not found", positionID)
	}
	if hwp > pos.HighWaterPrice {
		pos.HighWaterPrice = hwp
		s.positions[positionID] = pos
		return s.saveUnsafe()
	}
	return nil
}

// RecordClose closes a position, appends its blacklist entry, and moves
// it out of the open set.
func (s *Store) RecordClose(positionID string, decision model.ExitDecision, result gateway.OrderResult, blacklistUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[positionID]
	if !ok {
		return fmt.Errorf("store: position %s not found", positionID)
	}
	s.recordOrderUnsafe(decision.ClientID, decision.Symbol, model.SideSell, decision.Shares, decision.LimitPrice, result)

	pos.Closed = true
	pos.CloseTimeEastern = result.TimestampEastern
	pos.ClosePrice = avgPriceOr(result, decision.LimitPrice)
	pos.CloseReason = decision.Reason
	pos.CloseOrderClientID = decision.ClientID
	delete(s.positions, positionID)
	s.closed = append(s.closed, pos)

	s.blacklist[pos.Symbol] = blacklistUntil
	return s.saveUnsafe()
}

func (s *Store) recordOrderUnsafe(clientID, symbol string, side model.Side, shares int, limitPrice float64, result gateway.OrderResult) {
	o, existed := s.orders[clientID]
	if !existed {
		o = model.Order{
			ClientID: clientID, Symbol: symbol, Side: side, Shares: shares,
			LimitPrice: limitPrice, CreatedEastern: result.TimestampEastern,
		}
	}
	o.Status = result.Status
	o.FilledShares = result.FilledShares
	o.AvgPrice = result.AvgPrice
	o.BrokerID = result.BrokerOrderID
	o.UpdatedEastern = result.TimestampEastern
	s.orders[clientID] = o
	observ.IncCounter("order_events_total", map[string]string{"status": string(result.Status)})
}

// RecordOrderEvent persists an order-status transition independent of
// open/close bookkeeping. It neither creates nor closes a position, so a
// FILLED result recorded here still needs RecordOpen or RecordClose.
func (s *Store) RecordOrderEvent(clientID, symbol string, side model.Side, shares int, limitPrice float64, result gateway.OrderResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordOrderUnsafe(clientID, symbol, side, shares, limitPrice, result)
	return s.saveUnsafe()
}

// LoadCheckpoint returns the external watcher's saved resume position.
func (s *Store) LoadCheckpoint() Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint
}

// SaveCheckpoint persists the external watcher's resume position.
func (s *Store) SaveCheckpoint(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = cp
	return s.saveUnsafe()
}

// RecordReconciliation appends a reconciliation report to history.
func (s *Store) RecordReconciliation(report model.ReconciliationReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciliations = append(s.reconciliations, report)
	return s.saveUnsafe()
}

// LastReconciliation returns the most recent report, if any.
func (s *Store) LastReconciliation() (model.ReconciliationReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reconciliations) == 0 {
		return model.ReconciliationReport{}, false
	}
	return s.reconciliations[len(s.reconciliations)-1], true
}

// ApplyReconciliationFix mutates the local book to match the broker's
// view, called only when auto_fix is enabled.
func (s *Store) ApplyReconciliationFix(report model.ReconciliationReport, lastKnownPrice map[string]float64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, symbol := range report.ExtrasLocal {
		for id, pos := range s.positions {
			if pos.Symbol != symbol {
				continue
			}
			price := lastKnownPrice[symbol]
			if price == 0 {
				price = pos.CostPrice
			}
			pos.Closed = true
			pos.CloseTimeEastern = now
			pos.ClosePrice = price
			pos.CloseReason = model.ExitReconDrop
			delete(s.positions, id)
			s.closed = append(s.closed, pos)
		}
	}

	for _, bp := range report.ExtrasBroker {
		positionID := uuid.NewString()
		s.positions[positionID] = model.Position{
			PositionID:      positionID,
			Symbol:          bp.Symbol,
			Shares:          bp.Shares,
			CostPrice:       bp.AvgCost,
			HighWaterPrice:  bp.AvgCost,
			OpenTimeEastern: now,
			LastCheckedEastern: now,
			Meta:            map[string]any{"synthetic_open": true},
		}
	}

	for _, mismatch := range report.ShareMismatches {
		for id, pos := range s.positions {
			if pos.Symbol == mismatch.Symbol {
				pos.Shares = mismatch.BrokerShares
				s.positions[id] = pos
			}
		}
	}

	return s.saveUnsafe()
}
