package gateway

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/options-flow-engine/internal/clock"
	"github.com/Rajchodisetti/options-flow-engine/internal/model"
	"github.com/Rajchodisetti/options-flow-engine/internal/observ"
)

// MinuteBarStore supplies historical minute bars for the simulated
// gateway, cached per (symbol, date) by the gateway itself.
type MinuteBarStore interface {
	DayBars(symbol string, day time.Time) ([]model.MinuteBar, error)
}

// SimConfig configures the simulated gateway's execution costs.
type SimConfig struct {
	SlippagePct   float64 // applied +on buy, -on sell
	FeePerShare   float64
	FeeMin        float64
	MinCashRatio  float64
	StartingCash  float64
}

// simLedgerPosition is the sim gateway's private, single-owner view of a
// held symbol: an explicit transactional ledger entry rather than a
// shared mutable dictionary another goroutine could race on.
type simLedgerPosition struct {
	Shares  int
	AvgCost float64
}

// SimGateway replays historical minute bars against a clock pointer that
// the backtest driver advances externally.
type SimGateway struct {
	mu    sync.Mutex
	clk   *clock.SimClock
	cal   *clock.Calendar
	cfg   SimConfig
	store MinuteBarStore

	cash      float64
	positions map[string]*simLedgerPosition
	orders    map[string]simOrderRecord

	dayBarCache map[string][]model.MinuteBar // "SYMBOL|YYYY-MM-DD" -> bars

	lastKnownPrice map[string]float64
}

type simOrderRecord struct {
	args   orderArgs
	result OrderResult
}

type orderArgs struct {
	Symbol     string
	Side       model.Side
	Shares     int
	LimitPrice float64
}

// NewSimGateway constructs a simulated gateway over clk and store.
func NewSimGateway(clk *clock.SimClock, cal *clock.Calendar, store MinuteBarStore, cfg SimConfig) *SimGateway {
	if cfg.StartingCash == 0 {
		cfg.StartingCash = 100000
	}
	return &SimGateway{
		clk:            clk,
		cal:            cal,
		cfg:            cfg,
		store:          store,
		cash:           cfg.StartingCash,
		positions:      map[string]*simLedgerPosition{},
		orders:         map[string]simOrderRecord{},
		dayBarCache:    map[string][]model.MinuteBar{},
		lastKnownPrice: map[string]float64{},
	}
}

func (g *SimGateway) Connect(ctx context.Context) error    { return nil }
func (g *SimGateway) Disconnect() error                    { return nil }

func (g *SimGateway) CountTradingDaysBetween(from, to time.Time) int {
	return g.cal.CountTradingDaysBetween(from, to)
}

func (g *SimGateway) dayKey(symbol string, day time.Time) string {
	return strings.ToUpper(symbol) + "|" + day.In(clock.Eastern).Format("2006-01-02")
}

// barsForDay loads and caches one symbol-day of minute bars.
func (g *SimGateway) barsForDay(symbol string, day time.Time) ([]model.MinuteBar, error) {
	key := g.dayKey(symbol, day)
	if bars, ok := g.dayBarCache[key]; ok {
		return bars, nil
	}
	bars, err := g.store.DayBars(symbol, day)
	if err != nil {
		return nil, err
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	g.dayBarCache[key] = bars
	return bars, nil
}

// barAt returns the minute bar containing t, if loaded.
func (g *SimGateway) barAt(symbol string, t time.Time) (model.MinuteBar, bool, error) {
	bars, err := g.barsForDay(symbol, t)
	if err != nil {
		return model.MinuteBar{}, false, err
	}
	target := t.Truncate(time.Minute)
	for _, b := range bars {
		if b.Timestamp.Equal(target) {
			return b, true, nil
		}
	}
	return model.MinuteBar{}, false, nil
}

func (g *SimGateway) GetQuote(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clk.NowEastern()
	bar, ok, err := g.barAt(symbol, now)
	if err != nil {
		return 0, newErr(ErrNetwork, err.Error())
	}
	if !ok {
		if last, ok := g.lastKnownPrice[strings.ToUpper(symbol)]; ok {
			return last, nil
		}
		return 0, newErr(ErrSymbolUnknown, symbol)
	}
	g.lastKnownPrice[strings.ToUpper(symbol)] = bar.Close
	return bar.Close, nil
}

func (g *SimGateway) GetMinuteBars(ctx context.Context, symbol string, from, to time.Time) ([]model.MinuteBar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var all []model.MinuteBar
	for d := from.In(clock.Eastern); !d.After(to); d = d.AddDate(0, 0, 1) {
		bars, err := g.barsForDay(symbol, d)
		if err != nil {
			return nil, newErr(ErrNetwork, err.Error())
		}
		all = append(all, bars...)
	}
	return FillMinuteGaps(all, from, to), nil
}

func (g *SimGateway) GetAccount(ctx context.Context) (model.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accountUnlocked(), nil
}

func (g *SimGateway) accountUnlocked() model.Account {
	gross := 0.0
	for symbol, pos := range g.positions {
		price := g.lastKnownPrice[symbol]
		if price == 0 {
			price = pos.AvgCost
		}
		gross += float64(pos.Shares) * price
	}
	equity := g.cash + gross
	return model.Account{Equity: equity, Cash: g.cash, BuyingPower: g.cash}
}

func (g *SimGateway) GetPositions(ctx context.Context) ([]model.BrokerPosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]model.BrokerPosition, 0, len(g.positions))
	for symbol, pos := range g.positions {
		if pos.Shares == 0 {
			continue
		}
		out = append(out, model.BrokerPosition{Symbol: symbol, Shares: pos.Shares, AvgCost: pos.AvgCost})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (g *SimGateway) PlaceOrder(ctx context.Context, clientID, symbol string, side model.Side, shares int, limitPrice float64) (OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	args := orderArgs{Symbol: strings.ToUpper(symbol), Side: side, Shares: shares, LimitPrice: limitPrice}
	if rec, ok := g.orders[clientID]; ok {
		if rec.args != args {
			return OrderResult{}, newErr(ErrIdempotencyConflict, clientID)
		}
		return rec.result, nil
	}

	now := g.clk.NowEastern()
	bar, ok, err := g.barAt(symbol, now)
	if err != nil {
		return OrderResult{}, newErr(ErrNetwork, err.Error())
	}
	if !ok {
		return OrderResult{}, newErr(ErrSymbolUnknown, symbol)
	}

	execPrice := bar.Close
	if side == model.SideBuy {
		execPrice *= 1 + g.cfg.SlippagePct
	} else {
		execPrice *= 1 - g.cfg.SlippagePct
	}
	fee := math.Max(g.cfg.FeeMin, g.cfg.FeePerShare*float64(shares))
	notional := execPrice * float64(shares)

	result := OrderResult{ClientID: clientID, TimestampEastern: now}

	if side == model.SideBuy {
		cost := notional + fee
		acct := g.accountUnlocked()
		cashAfter := g.cash - cost
		if acct.Equity > 0 && cashAfter/acct.Equity < g.cfg.MinCashRatio {
			result.Status = model.OrderRejected
			result.RejectReason = string(ErrInsufficientFunds)
			g.orders[clientID] = simOrderRecord{args: args, result: result}
			observ.IncCounter("sim_orders_rejected_total", map[string]string{"reason": "insufficient_funds"})
			return result, nil
		}
		g.cash = cashAfter
		symKey := strings.ToUpper(symbol)
		pos, exists := g.positions[symKey]
		if !exists {
			pos = &simLedgerPosition{}
			g.positions[symKey] = pos
		}
		totalCost := pos.AvgCost*float64(pos.Shares) + execPrice*float64(shares) + fee
		pos.Shares += shares
		if pos.Shares > 0 {
			pos.AvgCost = totalCost / float64(pos.Shares)
		}
	} else {
		symKey := strings.ToUpper(symbol)
		pos, exists := g.positions[symKey]
		if !exists {
			pos = &simLedgerPosition{}
			g.positions[symKey] = pos
		}
		pos.Shares -= shares
		if pos.Shares <= 0 {
			delete(g.positions, symKey)
		}
		g.cash += notional - fee
	}

	filled := shares
	avg := execPrice
	result.Status = model.OrderFilled
	result.FilledShares = filled
	result.AvgPrice = &avg
	result.Fee = fee
	g.lastKnownPrice[strings.ToUpper(symbol)] = bar.Close
	g.orders[clientID] = simOrderRecord{args: args, result: result}
	observ.IncCounter("sim_orders_filled_total", map[string]string{"side": string(side)})
	return result, nil
}

func (g *SimGateway) GetOrder(ctx context.Context, clientID string) (OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.orders[clientID]
	if !ok {
		return OrderResult{}, newErr(ErrNotFound, clientID)
	}
	return rec.result, nil
}

// GeneratedMinuteBarStore synthesizes a deterministic random walk per
// symbol-day for backtest fixtures and demos, seeded so the same
// (symbol, day, Seed) always reproduces the same bars.
type GeneratedMinuteBarStore struct {
	BasePrices map[string]float64
	Volatility map[string]float64
	Cal        *clock.Calendar
	Seed       int64
}

// NewGeneratedMinuteBarStore seeds a deterministic generator; the same
// (symbol, day, Seed) always yields the same bars.
func NewGeneratedMinuteBarStore(cal *clock.Calendar, seed int64) *GeneratedMinuteBarStore {
	return &GeneratedMinuteBarStore{
		BasePrices: map[string]float64{"AAPL": 206.80, "NVDA": 450.00, "MSFT": 415.75, "GOOGL": 172.50, "TSLA": 245.0},
		Volatility: map[string]float64{"AAPL": 0.02, "NVDA": 0.03, "MSFT": 0.018, "GOOGL": 0.022, "TSLA": 0.04},
		Cal:        cal,
		Seed:       seed,
	}
}

func (s *GeneratedMinuteBarStore) DayBars(symbol string, day time.Time) ([]model.MinuteBar, error) {
	symbol = strings.ToUpper(symbol)
	if !s.Cal.IsTradingDay(day) {
		return nil, nil
	}
	base, ok := s.BasePrices[symbol]
	if !ok {
		return nil, fmt.Errorf("gateway: symbol %s not seeded in generated bar store", symbol)
	}
	vol := s.Volatility[symbol]
	open := s.Cal.SessionOpen(day)
	close := s.Cal.SessionClose(day)

	h := fnv1a(symbol + day.In(clock.Eastern).Format("2006-01-02"))
	rng := rand.New(rand.NewSource(s.Seed ^ int64(h)))

	price := base
	var bars []model.MinuteBar
	for t := open; t.Before(close); t = t.Add(time.Minute) {
		change := (rng.Float64() - 0.5) * 2 * vol / 16 // scale intraday step
		o := price
		price = price * (1 + change)
		hi := math.Max(o, price) * (1 + rng.Float64()*0.001)
		lo := math.Min(o, price) * (1 - rng.Float64()*0.001)
		bars = append(bars, model.MinuteBar{Timestamp: t, Open: o, High: hi, Low: lo, Close: price})
	}
	return bars, nil
}

func fnv1a(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
