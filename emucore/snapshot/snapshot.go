// Package snapshot captures and restores the complete state of a machine:
// every component's private state, the mapping tables with their open bus
// values, and the scheduler's clocks and pending events.
//
// Restoring is all or nothing. A blob is decoded and checked against the
// machine's topology before anything is touched, and component states that
// fail to load are rolled back to what they were before the restore.
package snapshot

import (
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/bus"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/registry"
	"github.com/valerio/go-emucore/emucore/scheduler"
)

var (
	ErrVersionMismatch    = errors.New("snapshot version mismatch")
	ErrStructuralMismatch = errors.New("snapshot does not match machine")
	ErrNotIdle            = errors.New("machine is not between rounds")
)

// ComponentStateError reports a component that failed to save or load its
// private state.
type ComponentStateError struct {
	ID  component.ID
	Err error
}

func (e *ComponentStateError) Error() string {
	return fmt.Sprintf("component %q state: %v", e.ID, e.Err)
}

func (e *ComponentStateError) Unwrap() error {
	return e.Err
}

// Engine captures and restores one machine.
type Engine struct {
	reg    *registry.Registry
	sched  *scheduler.Scheduler
	router *bus.Router
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// New creates an engine for the machine made of reg and sched.
func New(reg *registry.Registry, sched *scheduler.Scheduler, opts ...Option) *Engine {
	e := &Engine{
		reg:    reg,
		sched:  sched,
		router: reg.Router(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Image returns the current state of the machine, without encoding it.
func (e *Engine) Image() (*Image, error) {
	if st := e.sched.State(); st != scheduler.Idle {
		return nil, errors.Wrapf(ErrNotIdle, "state %s", st)
	}

	img := &Image{Version: Version}
	for _, en := range e.reg.Entries() {
		state, err := en.Component.SaveState()
		if err != nil {
			return nil, &ComponentStateError{ID: en.ID, Err: err}
		}
		img.Components = append(img.Components, ComponentState{ID: en.ID, State: state})
	}
	for _, name := range e.router.Buses() {
		last, err := e.router.LastDriven(name)
		if err != nil {
			return nil, err
		}
		img.Buses = append(img.Buses, BusState{Name: name, LastDriven: last})
	}
	img.Mappings = e.router.Mappings()
	img.Scheduler = e.sched.Save()
	return img, nil
}

// Capture serializes the machine. It must be called between rounds.
func (e *Engine) Capture() ([]byte, error) {
	img, err := e.Image()
	if err != nil {
		return nil, err
	}
	blob, err := Encode(img)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Snapshot captured", "tick", img.Scheduler.Master, "bytes", len(blob))
	return blob, nil
}

// Restore replaces the machine state with a captured one. On error the
// machine is left as it was.
func (e *Engine) Restore(blob []byte) error {
	if st := e.sched.State(); st != scheduler.Idle {
		return errors.Wrapf(ErrNotIdle, "state %s", st)
	}
	img, err := Decode(blob)
	if err != nil {
		return err
	}
	plan, err := e.check(img)
	if err != nil {
		return err
	}

	entries := e.reg.Entries()
	backup := make([][]byte, len(entries))
	for i, en := range entries {
		if backup[i], err = en.Component.SaveState(); err != nil {
			return &ComponentStateError{ID: en.ID, Err: errors.Wrap(err, "backup")}
		}
	}
	for i, en := range entries {
		if err := en.Component.LoadState(img.Components[i].State); err != nil {
			e.rollback(entries[:i+1], backup)
			return &ComponentStateError{ID: en.ID, Err: err}
		}
	}

	e.router.Commit(plan)
	if err := e.sched.Load(img.Scheduler); err != nil {
		// validated by check
		panic(err)
	}
	e.reg.Capabilities().Invalidate()

	e.logger.Debug("Snapshot restored", "tick", img.Scheduler.Master)
	return nil
}

// check validates an image against the machine and prepares the router
// change.
func (e *Engine) check(img *Image) (*bus.Plan, error) {
	entries := e.reg.Entries()
	if len(img.Components) != len(entries) {
		return nil, errors.Wrapf(ErrStructuralMismatch, "%d components, machine has %d", len(img.Components), len(entries))
	}
	for i, c := range img.Components {
		if c.ID != entries[i].ID {
			return nil, errors.Wrapf(ErrStructuralMismatch, "component %d is %q, machine has %q", i, c.ID, entries[i].ID)
		}
	}

	buses := e.router.Buses()
	if len(img.Buses) != len(buses) {
		return nil, errors.Wrapf(ErrStructuralMismatch, "%d buses, machine has %d", len(img.Buses), len(buses))
	}
	last := make(map[string]byte, len(buses))
	for i, b := range img.Buses {
		if b.Name != buses[i] {
			return nil, errors.Wrapf(ErrStructuralMismatch, "bus %d is %q, machine has %q", i, b.Name, buses[i])
		}
		last[b.Name] = b.LastDriven
	}

	plan, err := e.router.Replace(img.Mappings, last)
	if err != nil {
		return nil, errors.Wrap(ErrStructuralMismatch, err.Error())
	}
	if err := e.sched.Validate(img.Scheduler); err != nil {
		return nil, errors.Wrap(ErrStructuralMismatch, err.Error())
	}
	return plan, nil
}

func (e *Engine) rollback(entries []*registry.Entry, backup [][]byte) {
	for i, en := range entries {
		if err := en.Component.LoadState(backup[i]); err != nil {
			e.logger.Error("Snapshot rollback failed", "component", string(en.ID), "error", err)
		}
	}
}
