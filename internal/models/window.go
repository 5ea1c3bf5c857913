package models

import (
	"hash/fnv"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// maxLookback bounds the search for the previous fire of sparse schedules.
const maxLookback = 2 * 366 * 24 * time.Hour

// ScheduleWindow returns the schedule window containing t: the latest fire at
// or before t and the fire after it. Every instant inside a window maps to
// the same bounds, also for irregular schedules such as "0 9,17 * * *".
func ScheduleWindow(schedule string, t time.Time) (start, end time.Time, ok bool) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	t = t.UTC()
	if every, isEvery := sched.(cron.ConstantDelaySchedule); isEvery {
		start = t.Truncate(every.Delay)
		return start, start.Add(every.Delay), true
	}
	for span := time.Minute; span <= maxLookback; span *= 2 {
		var prev time.Time
		for f := sched.Next(t.Add(-span)); !f.IsZero() && !f.After(t); f = sched.Next(f) {
			prev = f
		}
		if !prev.IsZero() {
			return prev, sched.Next(prev), true
		}
	}
	return time.Time{}, time.Time{}, false
}

// ScheduleInterval is the length of the schedule window containing t.
func ScheduleInterval(schedule string, t time.Time) time.Duration {
	if start, end, ok := ScheduleWindow(schedule, t); ok && end.After(start) {
		return end.Sub(start)
	}
	return time.Minute
}

// WindowStart is the latest schedule fire at or before t, or t truncated to
// the minute when the schedule cannot be resolved.
func WindowStart(schedule string, t time.Time) time.Time {
	if start, _, ok := ScheduleWindow(schedule, t); ok {
		return start
	}
	return t.UTC().Truncate(time.Minute)
}

// SampleSeed derives the deterministic sampling seed for a run: the same rule
// within the same schedule window always draws the same sample.
func SampleSeed(ruleID, schedule string, startedAt time.Time) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(ruleID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatInt(WindowStart(schedule, startedAt).Unix(), 10)))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}
