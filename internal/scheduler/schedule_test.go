package scheduler

import (
	"testing"
	"time"
)

func TestIntervalSchedule(t *testing.T) {
	s := Every(time.Hour)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	next := s.Next(now)
	if !next.Equal(now.Add(time.Hour)) {
		t.Errorf("Expected %v, got %v", now.Add(time.Hour), next)
	}
}

func TestEveryMinutes(t *testing.T) {
	is, ok := EveryMinutes(15).(*IntervalSchedule)
	if !ok || is.Interval != 15*time.Minute {
		t.Errorf("EveryMinutes(15) = %+v", is)
	}
	if s := EveryMinutes(0); s != nil {
		t.Errorf("EveryMinutes(0) should be nil, got %+v", s)
	}
	if s := EveryMinutes(-5); s != nil {
		t.Errorf("EveryMinutes(-5) should be nil, got %+v", s)
	}
}
