package timing

import (
	"time"

	"github.com/pkg/errors"
)

var ErrUnknownLimiter = errors.New("unknown limiter")

// Limiter paces the host loop so that each emulated frame takes its real
// time duration.
type Limiter interface {
	// WaitForNextFrame blocks until it's time for the next frame.
	// Returns immediately if timing is behind schedule.
	WaitForNextFrame()

	// Reset resets the timing state, useful after pauses.
	Reset()
}

// NewNoOpLimiter returns a limiter that doesn't limit (for headless mode).
func NewNoOpLimiter() Limiter {
	return &noOpLimiter{}
}

type noOpLimiter struct{}

func (n *noOpLimiter) WaitForNextFrame() {}
func (n *noOpLimiter) Reset()            {}

// NewLimiter returns the limiter called kind, pacing frames of the given
// duration: "adaptive" (the default), "ticker" or "none".
func NewLimiter(kind string, frame time.Duration) (Limiter, error) {
	switch kind {
	case "", "adaptive":
		return NewAdaptiveLimiter(frame), nil
	case "ticker":
		return NewTickerLimiter(frame), nil
	case "none":
		return NewNoOpLimiter(), nil
	default:
		return nil, errors.Wrapf(ErrUnknownLimiter, "%q", kind)
	}
}

// FrameTicks returns the number of master ticks in one frame of a machine
// whose master clock runs at frequency Hz and presents fps frames per second.
func FrameTicks(frequency uint64, fps float64) uint64 {
	if fps <= 0 {
		return frequency
	}
	t := uint64(float64(frequency) / fps)
	if t == 0 {
		return 1
	}
	return t
}

// FrameDuration returns the target duration of a single frame at fps.
func FrameDuration(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}
