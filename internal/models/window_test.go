package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSampleSeedStableWithinWindow(t *testing.T) {
	base := time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC)
	a := SampleSeed("rule-1", "@hourly", base.Add(3*time.Minute))
	b := SampleSeed("rule-1", "@hourly", base.Add(47*time.Minute))
	assert.Equal(t, a, b)

	c := SampleSeed("rule-1", "@hourly", base.Add(61*time.Minute))
	assert.NotEqual(t, a, c, "next window draws a new sample")

	d := SampleSeed("rule-2", "@hourly", base.Add(3*time.Minute))
	assert.NotEqual(t, a, d)
	assert.GreaterOrEqual(t, a, int64(0))
}

func TestScheduleInterval(t *testing.T) {
	at := time.Date(2024, 3, 10, 14, 2, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Minute, ScheduleInterval("*/5 * * * *", at))
	assert.Equal(t, 24*time.Hour, ScheduleInterval("@daily", at))
	assert.Equal(t, time.Minute, ScheduleInterval("not a cron", at))
}

func TestIrregularScheduleWindowIsStable(t *testing.T) {
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	const sched = "0 9,17 * * *"

	start, end, ok := ScheduleWindow(sched, day.Add(10*time.Hour))
	assert.True(t, ok)
	assert.Equal(t, day.Add(9*time.Hour), start)
	assert.Equal(t, day.Add(17*time.Hour), end)

	assert.Equal(t, WindowStart(sched, day.Add(10*time.Hour)), WindowStart(sched, day.Add(16*time.Hour+30*time.Minute)))
	assert.Equal(t,
		SampleSeed("rule-1", sched, day.Add(9*time.Hour)),
		SampleSeed("rule-1", sched, day.Add(16*time.Hour+59*time.Minute)))

	assert.Equal(t, 16*time.Hour, ScheduleInterval(sched, day.Add(18*time.Hour)))
	assert.Equal(t, day.Add(17*time.Hour), WindowStart(sched, day.Add(32*time.Hour)), "night window spans midnight")
}

func TestEveryScheduleWindowIsAligned(t *testing.T) {
	at := time.Date(2024, 3, 10, 14, 2, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC), WindowStart("@every 5m", at))
	assert.Equal(t, WindowStart("@every 5m", at), WindowStart("@every 5m", at.Add(2*time.Minute)))
	assert.Equal(t, 5*time.Minute, ScheduleInterval("@every 5m", at))
}

func TestAsError(t *testing.T) {
	e := Errorf(CodeRuleNotFound, "rule %q not found", "x")
	assert.Equal(t, CodeRuleNotFound, AsError(e).Code)
	assert.Equal(t, CodeInternal, AsError(assert.AnError).Code)
	assert.Nil(t, AsError(nil))
}
