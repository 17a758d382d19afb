package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_StaysNormalWithoutDrawdown(t *testing.T) {
	cb := NewCircuitBreaker(DefaultThresholds())
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	cb.Update(now, 100000)
	cb.Update(now.Add(time.Minute), 100500)
	assert.Equal(t, StateNormal, cb.State())
	assert.True(t, cb.CanEnter())
	assert.Equal(t, 1.0, cb.SizeMultiplier())
}

func TestCircuitBreaker_EscalatesThroughStates(t *testing.T) {
	th := Thresholds{
		DailyWarningPct: 2, DailyReducedPct: 3, DailyHaltPct: 4,
		WeeklyWarningPct: 100, WeeklyReducedPct: 100, WeeklyHaltPct: 100,
		ReducedSizeMultiplier: 0.5,
	}
	cb := NewCircuitBreaker(th)
	now := time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC)
	cb.Update(now, 100000)

	cb.Update(now.Add(time.Minute), 97500) // 2.5% drawdown -> warning
	assert.Equal(t, StateWarning, cb.State())
	assert.True(t, cb.CanEnter())

	cb.Update(now.Add(2*time.Minute), 96500) // 3.5% drawdown -> reduced
	assert.Equal(t, StateReduced, cb.State())
	assert.Equal(t, 0.5, cb.SizeMultiplier())

	cb.Update(now.Add(3*time.Minute), 95000) // 5% drawdown -> halted
	assert.Equal(t, StateHalted, cb.State())
	assert.False(t, cb.CanEnter())
	assert.Equal(t, 0.0, cb.SizeMultiplier())
}

func TestCircuitBreaker_ResetsAtNewDay(t *testing.T) {
	cb := NewCircuitBreaker(Thresholds{DailyHaltPct: 1, ReducedSizeMultiplier: 0.5})
	day1 := time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC)
	cb.Update(day1, 100000)
	cb.Update(day1.Add(time.Hour), 90000) // 10% drawdown -> halted
	assert.Equal(t, StateHalted, cb.State())

	day2 := day1.AddDate(0, 0, 1)
	cb.Update(day2, 90000) // fresh day, new start-of-day reference at 90000
	assert.Equal(t, StateNormal, cb.State())
}
