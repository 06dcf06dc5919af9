package emucore

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/bus"
	"github.com/valerio/go-emucore/emucore/capability"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/fabric"
	"github.com/valerio/go-emucore/emucore/registry"
	"github.com/valerio/go-emucore/emucore/scheduler"
	"github.com/valerio/go-emucore/emucore/snapshot"
	"github.com/valerio/go-emucore/emucore/timing"
)

// Machine is a set of components wired by buses, advanced by a scheduler and
// saved and restored as a whole.
type Machine struct {
	router *bus.Router
	caps   *capability.Directory
	reg    *registry.Registry
	sched  *scheduler.Scheduler
	snap   *snapshot.Engine
	fabric *fabric.Fabric
	logger *slog.Logger
}

type config struct {
	logger  *slog.Logger
	workers int
	clock   timing.Clock
}

// Option configures a Machine.
type Option func(*config)

// WithLogger sets the logger used by the machine and its parts.
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// WithWorkers sets the number of goroutines used to step components that
// declare themselves Parallel.
func WithWorkers(n int) Option { return func(c *config) { c.workers = n } }

// WithClock sets the wall clock used for advance deadlines.
func WithClock(clk timing.Clock) Option { return func(c *config) { c.clock = clk } }

// New creates an empty machine.
func New(opts ...Option) *Machine {
	cfg := config{logger: slog.Default(), workers: 1, clock: timing.SystemClock{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Machine{
		router: bus.NewRouter(bus.WithLogger(cfg.logger)),
		caps:   capability.NewDirectory(),
		fabric: fabric.New(),
		logger: cfg.logger,
	}
	m.router.OnMutate(m.caps.Invalidate)
	m.reg = registry.New(m.router, m.caps, registry.WithLogger(cfg.logger))
	m.sched = scheduler.New(m.reg,
		scheduler.WithWorkers(cfg.workers),
		scheduler.WithClock(cfg.clock),
		scheduler.WithLogger(cfg.logger),
	)
	m.snap = snapshot.New(m.reg, m.sched, snapshot.WithLogger(cfg.logger))
	return m
}

// AddBus adds a bus. Buses must be added before the first Advance.
func (m *Machine) AddBus(cfg bus.Config) error {
	if m.reg.Sealed() {
		return errors.Wrapf(registry.ErrSealed, "add bus %q", cfg.Name)
	}
	return m.router.AddBus(cfg)
}

// Register adds a component.
func (m *Machine) Register(d registry.Descriptor) error {
	_, err := m.reg.Register(d)
	return err
}

// Connect declares that from is stepped before to within a round.
func (m *Machine) Connect(from, to component.ID) error {
	return m.reg.Connect(from, to)
}

// Advance runs the machine for ticks master ticks or until the deadline. A
// zero deadline never expires.
func (m *Machine) Advance(ticks uint64, deadline time.Time) (scheduler.Result, error) {
	return m.sched.Advance(ticks, deadline)
}

// Capture returns a snapshot of the machine.
func (m *Machine) Capture() ([]byte, error) {
	return m.snap.Capture()
}

// Restore loads a snapshot produced by Capture on a machine with the same
// topology.
func (m *Machine) Restore(blob []byte) error {
	return m.snap.Restore(blob)
}

// Remap replaces the mappings of a component on a bus between rounds.
// Components change their own mappings through their Host instead.
func (m *Machine) Remap(id component.ID, busName string, ranges []component.Range) error {
	if err := m.idle(); err != nil {
		return err
	}
	if _, err := m.reg.Lookup(id); err != nil {
		return err
	}
	ms := make([]bus.Mapping, len(ranges))
	for i, r := range ranges {
		ms[i] = bus.MappingFor(id, r)
	}
	return m.router.Remap(busName, id, ms)
}

// Reset power cycles the machine: master tick zero, no pending events,
// mappings as registered, open bus values at their patterns, and every
// component implementing component.Resetter reset.
func (m *Machine) Reset() error {
	if err := m.idle(); err != nil {
		return err
	}

	var initial []bus.Mapping
	for _, e := range m.reg.Entries() {
		for _, r := range e.Ranges {
			initial = append(initial, bus.MappingFor(e.ID, r))
		}
	}
	last := make(map[string]byte)
	for _, name := range m.router.Buses() {
		cfg, _ := m.router.Config(name)
		last[name] = cfg.Pattern
	}
	plan, err := m.router.Replace(initial, last)
	if err != nil {
		return err
	}

	m.router.Commit(plan)
	m.sched.Reset()
	for _, e := range m.reg.Entries() {
		if r, ok := e.Component.(component.Resetter); ok {
			r.Reset()
		}
	}
	m.caps.Invalidate()
	m.logger.Info("Machine reset", "components", m.reg.Len())
	return nil
}

// Read reads from a bus between rounds, as a debugger would.
func (m *Machine) Read(busName string, addr uint64, buf []byte) error {
	if err := m.idle(); err != nil {
		return err
	}
	return m.router.Read(busName, addr, buf)
}

// Write writes to a bus between rounds.
func (m *Machine) Write(busName string, addr uint64, data []byte) error {
	if err := m.idle(); err != nil {
		return err
	}
	return m.router.Write(busName, addr, data)
}

// Preview reads from a bus without side effects.
func (m *Machine) Preview(busName string, addr uint64, buf []byte) error {
	return m.router.Preview(busName, addr, buf)
}

func (m *Machine) idle() error {
	if st := m.sched.State(); st != scheduler.Idle {
		return errors.Wrapf(scheduler.ErrBusy, "state %s", st)
	}
	return nil
}

// Now returns the master tick.
func (m *Machine) Now() uint64 {
	return m.sched.Now()
}

// Components returns the component ids in registration order.
func (m *Machine) Components() []component.ID {
	entries := m.reg.Entries()
	ids := make([]component.ID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// Fault returns the error that stopped the machine, if any.
func (m *Machine) Fault() error {
	return m.sched.Fault()
}

func (m *Machine) Router() *bus.Router                  { return m.router }
func (m *Machine) Capabilities() *capability.Directory { return m.caps }
func (m *Machine) Registry() *registry.Registry         { return m.reg }
func (m *Machine) Scheduler() *scheduler.Scheduler      { return m.sched }
func (m *Machine) Fabric() *fabric.Fabric               { return m.fabric }
func (m *Machine) Logger() *slog.Logger                 { return m.logger }
