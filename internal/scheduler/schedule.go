package scheduler

import (
	"time"
)

// IntervalSchedule runs a task at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every creates an interval schedule.
func Every(d time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: d}
}

// Next returns the next run time.
func (s *IntervalSchedule) Next(after time.Time) time.Time {
	return after.Add(s.Interval)
}

// EveryMinutes is Every for a whole number of minutes. Non-positive values
// yield a nil Schedule, meaning "never".
func EveryMinutes(n int) Schedule {
	if n <= 0 {
		return nil
	}
	return Every(time.Duration(n) * time.Minute)
}
