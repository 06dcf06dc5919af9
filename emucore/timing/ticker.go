package timing

import "time"

// TickerLimiter paces frames with a time.Ticker. Frames that run long are
// not made up for beyond the single tick the ticker buffers.
type TickerLimiter struct {
	frame  time.Duration
	ticker *time.Ticker
}

func NewTickerLimiter(frame time.Duration) *TickerLimiter {
	if frame <= 0 {
		frame = time.Millisecond
	}
	return &TickerLimiter{
		frame:  frame,
		ticker: time.NewTicker(frame),
	}
}

func (t *TickerLimiter) WaitForNextFrame() {
	<-t.ticker.C
}

// Reset restarts the period and drops a tick buffered while paused.
func (t *TickerLimiter) Reset() {
	t.ticker.Reset(t.frame)
	select {
	case <-t.ticker.C:
	default:
	}
}

func (t *TickerLimiter) Stop() {
	t.ticker.Stop()
}
