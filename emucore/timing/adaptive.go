package timing

import (
	"log/slog"
	"time"
)

const (
	// spinThreshold is the wait below which the limiter spins instead of
	// sleeping; sleeps overshoot by about a millisecond.
	spinThreshold = 2 * time.Millisecond
	// maxLag is how far behind the limiter may fall before it gives up on
	// catching up and restarts its schedule from now.
	maxLag = 5 * time.Millisecond
)

// AdaptiveLimiter sleeps most of the way to the next frame and spins for the
// rest, keeping an absolute schedule so that short frames make up for long
// ones.
type AdaptiveLimiter struct {
	frame  time.Duration
	clock  Clock
	sleep  func(time.Duration)
	next   time.Time
	resync int
	logger *slog.Logger
}

// AdaptiveOption configures an AdaptiveLimiter.
type AdaptiveOption func(*AdaptiveLimiter)

// WithSleeper makes the limiter read time from clk and wait with sleep.
func WithSleeper(clk Clock, sleep func(time.Duration)) AdaptiveOption {
	return func(a *AdaptiveLimiter) {
		a.clock = clk
		a.sleep = sleep
	}
}

func NewAdaptiveLimiter(frame time.Duration, opts ...AdaptiveOption) *AdaptiveLimiter {
	a := &AdaptiveLimiter{
		frame:  frame,
		clock:  SystemClock{},
		sleep:  time.Sleep,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.next = a.clock.Now()
	return a
}

func (a *AdaptiveLimiter) WaitForNextFrame() {
	now := a.clock.Now()
	wait := a.next.Sub(now)
	switch {
	case wait >= spinThreshold:
		a.sleep(wait - time.Millisecond)
		a.spin()
	case wait > 0:
		a.spin()
	case wait < -maxLag:
		a.resync++
		a.logger.Debug("Frame pacing behind, resynchronizing", "behind_ms", (-wait).Milliseconds(), "resyncs", a.resync)
		a.next = now
	}
	a.next = a.next.Add(a.frame)
}

func (a *AdaptiveLimiter) spin() {
	for a.clock.Now().Before(a.next) {
	}
}

func (a *AdaptiveLimiter) Reset() {
	a.next = a.clock.Now()
}

// Resyncs returns how many times the limiter fell behind and restarted its
// schedule.
func (a *AdaptiveLimiter) Resyncs() int {
	return a.resync
}
