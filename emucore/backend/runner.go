package backend

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore"
	"github.com/valerio/go-emucore/emucore/timing"
)

// Runner drives a machine one host frame at a time and hands each frame to
// a backend.
type Runner struct {
	machine    *emucore.Machine
	backend    Backend
	monitor    *Monitor
	frameTicks uint64

	limiter   timing.Limiter
	clock     timing.Clock
	budget    time.Duration
	statePath string
	dumpDir   string
	logger    *slog.Logger

	paused bool
	frames int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLimiter paces frames. The default does not wait.
func WithLimiter(l timing.Limiter) RunnerOption {
	return func(r *Runner) { r.limiter = l }
}

// WithBudget bounds the wall-clock time spent advancing each frame. A
// frame that runs out of budget ends early and the machine falls behind.
func WithBudget(clk timing.Clock, d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.clock = clk
		r.budget = d
	}
}

// WithStatePath sets the file save and load state actions use.
func WithStatePath(path string) RunnerOption {
	return func(r *Runner) { r.statePath = path }
}

// WithDumpDir sets the directory frame dumps are written to.
func WithDumpDir(dir string) RunnerOption {
	return func(r *Runner) { r.dumpDir = dir }
}

// WithRunnerLogger sets the logger. The default is slog.Default().
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a runner advancing m by frameTicks master ticks per
// frame.
func NewRunner(m *emucore.Machine, b Backend, mon *Monitor, frameTicks uint64, opts ...RunnerOption) *Runner {
	r := &Runner{
		machine:    m,
		backend:    b,
		monitor:    mon,
		frameTicks: frameTicks,
		limiter:    timing.NewNoOpLimiter(),
		clock:      timing.SystemClock{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Frames returns the number of frames presented so far.
func (r *Runner) Frames() int {
	return r.frames
}

// Run loops until the backend quits, the context is cancelled or the
// machine faults.
func (r *Runner) Run(ctx context.Context) error {
	r.limiter.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if !r.paused {
			res, err := r.machine.Advance(r.frameTicks, timing.Deadline(r.clock, r.budget))
			if err != nil {
				return errors.Wrapf(err, "frame %d", r.frames+1)
			}
			if res.Partial {
				r.logger.Debug("Frame over budget", "frame", r.frames+1, "ticks", res.Ticks, "want", r.frameTicks)
			}
		}

		r.frames++
		frame := r.monitor.Frame(r.frames)
		frame.Paused = r.paused
		actions, err := r.backend.Update(frame)
		if err != nil {
			return err
		}
		for _, a := range actions {
			quit, err := r.handle(a, frame)
			if err != nil {
				return err
			}
			if quit {
				return nil
			}
		}

		r.limiter.WaitForNextFrame()
	}
}

func (r *Runner) handle(a Action, frame Frame) (bool, error) {
	switch a {
	case ActionQuit:
		return true, nil
	case ActionPauseToggle:
		r.paused = !r.paused
		r.limiter.Reset()
		r.logger.Info("Pause toggled", "paused", r.paused, "tick", r.machine.Now())
	case ActionSaveState:
		if r.statePath == "" {
			r.logger.Warn("No state file configured")
			return false, nil
		}
		blob, err := r.machine.Capture()
		if err != nil {
			return false, err
		}
		if err := os.WriteFile(r.statePath, blob, 0o644); err != nil {
			return false, errors.Wrap(err, "save state")
		}
		r.logger.Info("State saved", "path", r.statePath, "tick", r.machine.Now(), "bytes", len(blob))
	case ActionLoadState:
		if r.statePath == "" {
			r.logger.Warn("No state file configured")
			return false, nil
		}
		blob, err := os.ReadFile(r.statePath)
		if err != nil {
			r.logger.Error("Failed to read state", "path", r.statePath, "error", err)
			return false, nil
		}
		// a rejected snapshot leaves the machine as it was
		if err := r.machine.Restore(blob); err != nil {
			r.logger.Error("Failed to load state", "path", r.statePath, "error", err)
			return false, nil
		}
		r.limiter.Reset()
		r.logger.Info("State loaded", "path", r.statePath, "tick", r.machine.Now())
	case ActionFrameDump:
		if _, err := SaveFramePNG(frame.Video, "frame", r.dumpDir); err != nil {
			r.logger.Error("Failed to dump frame", "frame", frame.Number, "error", err)
		}
	case ActionReset:
		if err := r.machine.Reset(); err != nil {
			return false, err
		}
		r.limiter.Reset()
		r.logger.Info("Machine reset")
	}
	return false, nil
}
