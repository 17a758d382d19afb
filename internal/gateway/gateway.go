// Package gateway unifies live and simulated order execution behind one
// interface, selected by configuration the way an adapter factory picks
// a provider implementation.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rajchodisetti/options-flow-engine/internal/model"
)

// ErrorKind names the abstract error kinds the Market Gateway contract
// requires callers to distinguish.
type ErrorKind string

const (
	ErrSymbolUnknown      ErrorKind = "SYMBOL_UNKNOWN"
	ErrStale              ErrorKind = "STALE"
	ErrNetwork            ErrorKind = "NETWORK"
	ErrIdempotencyConflict ErrorKind = "IDEMPOTENCY_CONFLICT"
	ErrInsufficientFunds  ErrorKind = "INSUFFICIENT_FUNDS"
	ErrNotFound           ErrorKind = "NOT_FOUND"
)

// GatewayError wraps an ErrorKind with a human-readable detail, so callers
// can both errors.Is against the kind and log a useful message.
type GatewayError struct {
	Kind   ErrorKind
	Detail string
}

func (e *GatewayError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Detail) }

// Is lets errors.Is(err, &GatewayError{Kind: ErrNetwork}) match by kind
// regardless of Detail.
func (e *GatewayError) Is(target error) bool {
	var t *GatewayError
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func newErr(kind ErrorKind, detail string) error { return &GatewayError{Kind: kind, Detail: detail} }

// KindOf extracts the ErrorKind from err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind, true
	}
	return "", false
}

// OrderResult is the gateway's answer to a place_order / get_order call.
type OrderResult struct {
	ClientID     string
	Status       model.OrderStatus
	FilledShares int
	AvgPrice     *float64
	Fee          float64
	TimestampEastern time.Time
	BrokerOrderID *string
	RejectReason  string
}

// Gateway is the uniform contract both the live and simulated
// implementations honor identically.
type Gateway interface {
	Connect(ctx context.Context) error
	Disconnect() error

	GetQuote(ctx context.Context, symbol string) (float64, error)
	// GetMinuteBars returns every minute bar in [from, to] for which data
	// exists; gaps are permitted. Callers forward-fill missing minutes
	// from the last known close.
	GetMinuteBars(ctx context.Context, symbol string, from, to time.Time) ([]model.MinuteBar, error)
	GetAccount(ctx context.Context) (model.Account, error)
	GetPositions(ctx context.Context) ([]model.BrokerPosition, error)

	// PlaceOrder MUST be idempotent on clientID: an identical retry
	// returns the same terminal state; a retry with different arguments
	// fails with ErrIdempotencyConflict.
	PlaceOrder(ctx context.Context, clientID, symbol string, side model.Side, shares int, limitPrice float64) (OrderResult, error)
	GetOrder(ctx context.Context, clientID string) (OrderResult, error)

	CountTradingDaysBetween(from, to time.Time) int
}

// FillMinuteGaps forward-fills a requested [from,to] minute range using
// whatever bars exist in bars, repeating the last known close for any
// missing minute. bars must already be sorted ascending by Timestamp.
func FillMinuteGaps(bars []model.MinuteBar, from, to time.Time) []model.MinuteBar {
	if len(bars) == 0 {
		return nil
	}
	byMinute := make(map[int64]model.MinuteBar, len(bars))
	for _, b := range bars {
		byMinute[b.Timestamp.Unix()] = b
	}
	out := make([]model.MinuteBar, 0, len(bars))
	var lastClose float64
	haveLast := false
	for t := from.Truncate(time.Minute); !t.After(to); t = t.Add(time.Minute) {
		if b, ok := byMinute[t.Unix()]; ok {
			out = append(out, b)
			lastClose = b.Close
			haveLast = true
			continue
		}
		if !haveLast {
			continue
		}
		out = append(out, model.MinuteBar{
			Timestamp: t,
			Open:      lastClose,
			High:      lastClose,
			Low:       lastClose,
			Close:     lastClose,
		})
	}
	return out
}
