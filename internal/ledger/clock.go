package ledger

import (
	"sync"
	"time"
)

// Clock supplies creation timestamps for ledger records.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads wall time in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

type monotonicClock struct {
	mu   sync.Mutex
	base Clock
	last time.Time
}

// NewMonotonicClock wraps base so successive readings never go backwards,
// even if the wall clock is stepped.
func NewMonotonicClock(base Clock) Clock {
	if base == nil {
		base = SystemClock
	}
	return &monotonicClock{base: base}
}

func (c *monotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.base.Now()
	if now.Before(c.last) {
		now = c.last
	}
	c.last = now
	return now
}

// StepClock is a deterministic clock that advances by Step on every reading.
// Tests use it to give each record a distinct timestamp.
type StepClock struct {
	mu   sync.Mutex
	now  time.Time
	Step time.Duration
}

// NewStepClock starts at start and advances by step per call.
func NewStepClock(start time.Time, step time.Duration) *StepClock {
	return &StepClock{now: start, Step: step}
}

func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.Step)
	return t
}
