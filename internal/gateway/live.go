package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/options-flow-engine/internal/clock"
	"github.com/Rajchodisetti/options-flow-engine/internal/model"
	"github.com/Rajchodisetti/options-flow-engine/internal/observ"
)

// LiveConfig configures the HTTP client that talks to the brokerage
// daemon.
type LiveConfig struct {
	BaseURL           string
	TimeoutSeconds    int
	MaxRetries        int
	BackoffBaseMs     int
	BackoffMaxMs      int
	RateLimitPerSecond float64
}

// LiveGateway talks HTTP to a brokerage daemon. Every call goes through
// withRetry, which rate-limits, times out, and retries transient errors
// with capped exponential backoff up to a small bound.
type LiveGateway struct {
	cfg     LiveConfig
	cal     *clock.Calendar
	http    *http.Client
	limiter *rate.Limiter
}

// NewLiveGateway constructs a LiveGateway. cal is used only for
// CountTradingDaysBetween, which is a local calendar computation, not a
// broker round-trip.
func NewLiveGateway(cfg LiveConfig, cal *clock.Calendar) *LiveGateway {
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBaseMs == 0 {
		cfg.BackoffBaseMs = 200
	}
	if cfg.BackoffMaxMs == 0 {
		cfg.BackoffMaxMs = 5000
	}
	if cfg.RateLimitPerSecond == 0 {
		cfg.RateLimitPerSecond = 10
	}
	return &LiveGateway{
		cfg:     cfg,
		cal:     cal,
		http:    &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), 1),
	}
}

func (g *LiveGateway) Connect(ctx context.Context) error {
	_, err := g.doJSON(ctx, http.MethodGet, "/health", nil)
	return err
}

func (g *LiveGateway) Disconnect() error { return nil }

func (g *LiveGateway) CountTradingDaysBetween(from, to time.Time) int {
	return g.cal.CountTradingDaysBetween(from, to)
}

// withRetry runs fn, retrying transient (network) errors with capped
// exponential backoff plus jitter. Every other error, including an
// idempotency conflict, is returned at once and never retried.
func (g *LiveGateway) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return newErr(ErrNetwork, err.Error())
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if kind, ok := KindOf(lastErr); !ok || kind != ErrNetwork {
			return lastErr
		}
		if attempt == g.cfg.MaxRetries {
			break
		}
		backoff := time.Duration(g.cfg.BackoffBaseMs*(1<<attempt)) * time.Millisecond
		if max := time.Duration(g.cfg.BackoffMaxMs) * time.Millisecond; backoff > max {
			backoff = max
		}
		backoff += time.Duration(rand.Intn(100)) * time.Millisecond
		observ.Log("gateway_retry", map[string]any{"op": op, "attempt": attempt, "error": lastErr.Error()})
		select {
		case <-ctx.Done():
			return newErr(ErrNetwork, ctx.Err().Error())
		case <-time.After(backoff):
		}
	}
	observ.Log("gateway_retry_exhausted", map[string]any{"op": op, "error": lastErr.Error()})
	return lastErr
}

func (g *LiveGateway) doJSON(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, newErr(ErrNetwork, err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, newErr(ErrNetwork, err.Error())
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newErr(ErrNetwork, err.Error())
	}
	if resp.StatusCode == http.StatusConflict {
		return nil, newErr(ErrIdempotencyConflict, string(data))
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, newErr(ErrNotFound, string(data))
	}
	if resp.StatusCode >= 500 {
		return nil, newErr(ErrNetwork, fmt.Sprintf("status %d: %s", resp.StatusCode, string(data)))
	}
	if resp.StatusCode >= 400 {
		return nil, newErr(ErrSymbolUnknown, fmt.Sprintf("status %d: %s", resp.StatusCode, string(data)))
	}
	return data, nil
}

func (g *LiveGateway) GetQuote(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := g.withRetry(ctx, "get_quote", func() error {
		data, err := g.doJSON(ctx, http.MethodGet, "/quotes/"+symbol, nil)
		if err != nil {
			return err
		}
		var resp struct {
			Price      float64 `json:"price"`
			StalenessMs int64  `json:"staleness_ms"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return newErr(ErrNetwork, err.Error())
		}
		if resp.StalenessMs > 60000 {
			return newErr(ErrStale, symbol)
		}
		price = resp.Price
		return nil
	})
	return price, err
}

func (g *LiveGateway) GetMinuteBars(ctx context.Context, symbol string, from, to time.Time) ([]model.MinuteBar, error) {
	var bars []model.MinuteBar
	err := g.withRetry(ctx, "get_minute_bars", func() error {
		path := fmt.Sprintf("/bars/%s?from=%s&to=%s", symbol,
			strconv.FormatInt(from.Unix(), 10), strconv.FormatInt(to.Unix(), 10))
		data, err := g.doJSON(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		var resp []struct {
			Ts    int64   `json:"ts"`
			Open  float64 `json:"open"`
			High  float64 `json:"high"`
			Low   float64 `json:"low"`
			Close float64 `json:"close"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return newErr(ErrNetwork, err.Error())
		}
		bars = make([]model.MinuteBar, 0, len(resp))
		for _, r := range resp {
			bars = append(bars, model.MinuteBar{
				Timestamp: time.Unix(r.Ts, 0).In(clock.Eastern),
				Open:      r.Open, High: r.High, Low: r.Low, Close: r.Close,
			})
		}
		return nil
	})
	return FillMinuteGaps(bars, from, to), err
}

func (g *LiveGateway) GetAccount(ctx context.Context) (model.Account, error) {
	var acct model.Account
	err := g.withRetry(ctx, "get_account", func() error {
		data, err := g.doJSON(ctx, http.MethodGet, "/account", nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &acct)
	})
	return acct, err
}

func (g *LiveGateway) GetPositions(ctx context.Context) ([]model.BrokerPosition, error) {
	var positions []model.BrokerPosition
	err := g.withRetry(ctx, "get_positions", func() error {
		data, err := g.doJSON(ctx, http.MethodGet, "/positions", nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &positions)
	})
	return positions, err
}

func (g *LiveGateway) PlaceOrder(ctx context.Context, clientID, symbol string, side model.Side, shares int, limitPrice float64) (OrderResult, error) {
	var result OrderResult
	err := g.withRetry(ctx, "place_order", func() error {
		body := map[string]any{
			"client_id": clientID, "symbol": symbol, "side": side,
			"shares": shares, "limit_price": limitPrice,
		}
		data, err := g.doJSON(ctx, http.MethodPost, "/orders", body)
		if err != nil {
			return err
		}
		return decodeOrderResult(data, &result)
	})
	return result, err
}

func (g *LiveGateway) GetOrder(ctx context.Context, clientID string) (OrderResult, error) {
	var result OrderResult
	err := g.withRetry(ctx, "get_order", func() error {
		data, err := g.doJSON(ctx, http.MethodGet, "/orders/"+clientID, nil)
		if err != nil {
			return err
		}
		return decodeOrderResult(data, &result)
	})
	return result, err
}

func decodeOrderResult(data []byte, out *OrderResult) error {
	var resp struct {
		ClientID      string   `json:"client_id"`
		Status        string   `json:"status"`
		FilledShares  int      `json:"filled_shares"`
		AvgPrice      *float64 `json:"avg_price"`
		Fee           float64  `json:"fee"`
		TimestampUnix int64    `json:"timestamp_unix"`
		BrokerOrderID *string  `json:"broker_order_id"`
		RejectReason  string   `json:"reject_reason"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return newErr(ErrNetwork, err.Error())
	}
	*out = OrderResult{
		ClientID:         resp.ClientID,
		Status:           model.OrderStatus(resp.Status),
		FilledShares:     resp.FilledShares,
		AvgPrice:         resp.AvgPrice,
		Fee:              resp.Fee,
		TimestampEastern: time.Unix(resp.TimestampUnix, 0).In(clock.Eastern),
		BrokerOrderID:    resp.BrokerOrderID,
		RejectReason:     resp.RejectReason,
	}
	return nil
}
