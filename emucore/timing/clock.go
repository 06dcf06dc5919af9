package timing

import (
	"sync"
	"time"
)

// Clock is the source of wall-clock time used for advance deadlines.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a clock that only moves when told to. Each call to Now
// returns the current time and then moves it forward by Step.
type ManualClock struct {
	mu   sync.Mutex
	now  time.Time
	Step time.Duration
}

// NewManualClock returns a manual clock starting at start.
func NewManualClock(start time.Time, step time.Duration) *ManualClock {
	return &ManualClock{now: start, Step: step}
}

func (m *ManualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.now
	m.now = m.now.Add(m.Step)
	return t
}

// Advance moves the clock forward by d.
func (m *ManualClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Deadline returns the time budget after now, or the zero time (no deadline)
// when budget is not positive.
func Deadline(c Clock, budget time.Duration) time.Time {
	if budget <= 0 {
		return time.Time{}
	}
	return c.Now().Add(budget)
}
