// Package risk implements the post-trade risk-simulation overlay: a
// drawdown-based circuit breaker that scales or halts new entries when
// account equity falls, layered on top of the strategy's per-trade
// leverage/cash-ratio checks.
package risk

import (
	"sync"
	"time"

	"github.com/Rajchodisetti/options-flow-engine/internal/observ"
)

// State is the circuit breaker's graduated response level.
type State string

const (
	StateNormal  State = "normal"
	StateWarning State = "warning"
	StateReduced State = "reduced"
	StateHalted  State = "halted"
)

// Thresholds configures the drawdown percentages (0-100) at which the
// breaker escalates, and the position-size multiplier applied at each
// level. A zero threshold disables that band.
type Thresholds struct {
	DailyWarningPct float64
	DailyReducedPct float64
	DailyHaltPct    float64

	WeeklyWarningPct float64
	WeeklyReducedPct float64
	WeeklyHaltPct    float64

	ReducedSizeMultiplier float64 // applied in StateReduced, e.g. 0.5
}

// DefaultThresholds returns a conservative starting set of drawdown
// bands, suitable until an operator tunes them from observed volatility.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DailyWarningPct:       2.0,
		DailyReducedPct:       3.0,
		DailyHaltPct:          4.0,
		WeeklyWarningPct:      5.0,
		WeeklyReducedPct:      7.0,
		WeeklyHaltPct:         10.0,
		ReducedSizeMultiplier: 0.5,
	}
}

// CircuitBreaker tracks start-of-day and start-of-week equity marks and
// derives a State + size multiplier from the resulting drawdown. It is
// the single source of truth the strategy's risk simulation consults
// before sizing a new entry.
type CircuitBreaker struct {
	mu sync.Mutex

	thresholds Thresholds

	startOfDayEquity  float64
	startOfWeekEquity float64
	lastUpdate        time.Time

	state State
}

// NewCircuitBreaker constructs a breaker in StateNormal.
func NewCircuitBreaker(thresholds Thresholds) *CircuitBreaker {
	return &CircuitBreaker{thresholds: thresholds, state: StateNormal}
}

// Update records the current equity mark, rolling the day/week reference
// points forward at day/week boundaries (Eastern calendar dates), and
// recomputes the breaker's state.
func (cb *CircuitBreaker) Update(now time.Time, equity float64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.startOfDayEquity == 0 || isNewDay(cb.lastUpdate, now) {
		cb.startOfDayEquity = equity
	}
	if cb.startOfWeekEquity == 0 || isNewWeek(cb.lastUpdate, now) {
		cb.startOfWeekEquity = equity
	}
	cb.lastUpdate = now

	dailyDD := drawdownPct(cb.startOfDayEquity, equity)
	weeklyDD := drawdownPct(cb.startOfWeekEquity, equity)

	prev := cb.state
	cb.state = cb.deriveState(dailyDD, weeklyDD)
	if cb.state != prev {
		observ.Log("circuit_breaker_state_change", map[string]any{
			"from": string(prev), "to": string(cb.state),
			"daily_drawdown_pct": dailyDD, "weekly_drawdown_pct": weeklyDD,
		})
	}
	observ.SetGauge("drawdown_daily_pct", dailyDD, nil)
	observ.SetGauge("drawdown_weekly_pct", weeklyDD, nil)
}

func (cb *CircuitBreaker) deriveState(dailyDD, weeklyDD float64) State {
	t := cb.thresholds
	hit := func(dd, threshold float64) bool { return threshold > 0 && dd >= threshold }
	switch {
	case hit(dailyDD, t.DailyHaltPct) || hit(weeklyDD, t.WeeklyHaltPct):
		return StateHalted
	case hit(dailyDD, t.DailyReducedPct) || hit(weeklyDD, t.WeeklyReducedPct):
		return StateReduced
	case hit(dailyDD, t.DailyWarningPct) || hit(weeklyDD, t.WeeklyWarningPct):
		return StateWarning
	default:
		return StateNormal
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// SizeMultiplier returns the multiplier the strategy should apply to a
// candidate entry's share count before running risk-simulation
// scale-down. StateHalted returns 0, rejecting every new entry outright.
func (cb *CircuitBreaker) SizeMultiplier() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateHalted:
		return 0
	case StateReduced:
		return cb.thresholds.ReducedSizeMultiplier
	default:
		return 1.0
	}
}

// CanEnter reports whether a new BUY may be attempted at all. REDUCE/exit
// activity is never blocked by the breaker.
func (cb *CircuitBreaker) CanEnter() bool {
	return cb.State() != StateHalted
}

func drawdownPct(start, current float64) float64 {
	if start <= 0 {
		return 0
	}
	dd := (start - current) / start * 100
	if dd < 0 {
		return 0
	}
	return dd
}

func isNewDay(last, current time.Time) bool {
	if last.IsZero() {
		return true
	}
	return last.Format("2006-01-02") != current.Format("2006-01-02")
}

func isNewWeek(last, current time.Time) bool {
	if last.IsZero() {
		return true
	}
	return mondayOf(last) != mondayOf(current)
}

func mondayOf(t time.Time) string {
	wd := int(t.Weekday())
	if wd == 0 {
		wd = 7
	}
	return t.AddDate(0, 0, -(wd - 1)).Format("2006-01-02")
}
