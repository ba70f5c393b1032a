package mock

import (
	"sync"
	"time"
)

// StepClock is a deterministic clock: After(d) moves time forward by d and
// returns an already-fired channel. Waiting costs no wall time, so a run
// against a Page sharing the clock is reproducible to the millisecond.
type StepClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewStepClock creates a StepClock starting at start.
func NewStepClock(start time.Time) *StepClock {
	return &StepClock{now: start}
}

// Now returns the current clock time.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After advances the clock by d.
func (c *StepClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves the clock forward by d.
func (c *StepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
