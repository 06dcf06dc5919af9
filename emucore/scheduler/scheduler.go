// Package scheduler advances a machine of independently clocked components
// in rounds of master ticks.
//
// Each round steps every clocked component once, in dependency order, with
// the number of local ticks its clock domain produced during the round, then
// fires the events that became due and applies the mapping changes requested
// while the round ran. A round never crosses a local tick of any component
// nor a pending event, so no component observes another out of order.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/bus"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/events"
	"github.com/valerio/go-emucore/emucore/registry"
	"github.com/valerio/go-emucore/emucore/timing"
)

var (
	// ErrPastDeadline is returned when an event is scheduled at or before
	// the current tick.
	ErrPastDeadline = errors.New("event scheduled in the past")

	// ErrFaulted is returned by Advance after a round failed, until the
	// machine is restored or reset.
	ErrFaulted = errors.New("scheduler faulted")

	// ErrBusy is returned when Advance is called while a round is running.
	ErrBusy = errors.New("scheduler busy")

	// ErrNoHandler is returned when a component that does not handle
	// events tries to schedule one.
	ErrNoHandler = errors.New("component does not handle events")

	// ErrInvalidState is returned when loading a saved state that does not
	// fit the registered components.
	ErrInvalidState = errors.New("invalid scheduler state")
)

// State is the phase of the current round.
type State int

const (
	Idle State = iota
	Stepping
	Advancing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Stepping:
		return "stepping"
	case Advancing:
		return "advancing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result reports how far an Advance call got.
type Result struct {
	Ticks       uint64
	Rounds      int
	EventsFired int
	// Partial is set when the deadline expired before the requested ticks
	// were executed. It is not an error: the machine is consistent at the
	// returned tick.
	Partial bool
}

type remapRequest struct {
	id     component.ID
	bus    string
	ranges []component.Range
}

// Scheduler drives the components of a registry.
type Scheduler struct {
	reg    *registry.Registry
	router *bus.Router
	queue  *events.Queue

	master uint64
	state  State
	fault  error
	issued []uint64 // events issued per registration index
	remaps []remapRequest

	workers int
	clock   timing.Clock
	logger  *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers sets the number of goroutines used to step components marked
// Parallel. Values below 2 step everything on the calling goroutine; Parallel
// components still get an isolated host.
func WithWorkers(n int) Option { return func(s *Scheduler) { s.workers = n } }

// WithClock sets the wall clock deadlines are checked against.
func WithClock(c timing.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// New creates a scheduler at master tick zero.
func New(reg *registry.Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		reg:     reg,
		router:  reg.Router(),
		queue:   events.NewQueue(),
		workers: 1,
		clock:   timing.SystemClock{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the master tick.
func (s *Scheduler) Now() uint64 {
	return s.master
}

// State returns the phase of the current round, Idle between rounds.
func (s *Scheduler) State() State {
	return s.state
}

// Fault returns the error that faulted the scheduler, if any.
func (s *Scheduler) Fault() error {
	return s.fault
}

// Pending returns the pending events in firing order.
func (s *Scheduler) Pending() []events.Event {
	return s.queue.Pending()
}

// Advance runs rounds until ticks master ticks have elapsed or the deadline
// expires. A zero deadline never expires. The deadline is only checked
// between rounds.
func (s *Scheduler) Advance(ticks uint64, deadline time.Time) (Result, error) {
	var res Result
	if s.fault != nil {
		return res, errors.Wrapf(ErrFaulted, "%v", s.fault)
	}
	if s.state != Idle {
		return res, errors.Wrapf(ErrBusy, "state %s", s.state)
	}
	s.reg.Seal()
	s.grow()

	for res.Ticks < ticks {
		if !deadline.IsZero() && !s.clock.Now().Before(deadline) {
			res.Partial = true
			s.logger.Debug("Advance stopped at deadline", "tick", s.master, "remaining", ticks-res.Ticks)
			break
		}

		delta := s.roundLength(ticks - res.Ticks)
		fired, err := s.round(delta)
		res.EventsFired += fired
		if err != nil {
			s.fault = err
			s.logger.Error("Round failed", "tick", s.master, "error", err)
			return res, err
		}
		res.Ticks += delta
		res.Rounds++
	}
	return res, nil
}

// roundLength returns the largest number of master ticks that stays within
// budget and does not cross the next local tick of any clocked component or
// the next pending event.
func (s *Scheduler) roundLength(budget uint64) uint64 {
	d := budget
	for _, e := range s.reg.Entries() {
		if n := e.Domain.UntilNext(); n > 0 && n < d {
			d = n
		}
	}
	if ev, ok := s.queue.Peek(); ok && ev.Tick > s.master {
		if n := ev.Tick - s.master; n < d {
			d = n
		}
	}
	return d
}

func (s *Scheduler) round(delta uint64) (fired int, err error) {
	defer func() { s.state = Idle }()

	s.state = Stepping
	start := s.master
	if err := s.stepOrder(s.reg.Order(), start, delta); err != nil {
		return 0, err
	}

	s.state = Advancing
	s.master = start + delta
	for {
		ev, ok := s.queue.PopDue(s.master)
		if !ok {
			break
		}
		if err := s.fire(ev); err != nil {
			return fired, err
		}
		fired++
	}

	return fired, s.applyRemaps()
}

func (s *Scheduler) step(e *registry.Entry, start, local uint64) error {
	h := &host{s: s, e: e, now: start}
	return component.Errorf(e.ID, "step", e.Component.Step(h, local))
}

func (s *Scheduler) fire(ev events.Event) error {
	e, err := s.reg.Lookup(ev.Owner)
	if err != nil {
		return err
	}
	handler, ok := e.Handler()
	if !ok {
		return component.Errorf(e.ID, "event", ErrNoHandler)
	}
	// an event scheduled during a step for a tick inside the round fires
	// late, at the end of the round
	h := &host{s: s, e: e, now: max(ev.Tick, s.master)}
	return component.Errorf(e.ID, "event", handler.HandleEvent(h, ev.Delivery()))
}

func (s *Scheduler) applyRemaps() error {
	reqs := s.remaps
	s.remaps = nil
	for _, req := range reqs {
		ms := make([]bus.Mapping, len(req.ranges))
		for i, rg := range req.ranges {
			ms[i] = bus.MappingFor(req.id, rg)
		}
		if err := s.router.Remap(req.bus, req.id, ms); err != nil {
			return component.Errorf(req.id, "remap", err)
		}
	}
	return nil
}

func (s *Scheduler) schedule(e *registry.Entry, now, at uint64, kind uint32, data []byte) (events.Event, error) {
	if at <= now {
		return events.Event{}, component.Errorf(e.ID, "schedule", errors.Wrapf(ErrPastDeadline, "tick %d at tick %d", at, now))
	}
	if _, ok := e.Handler(); !ok {
		return events.Event{}, component.Errorf(e.ID, "schedule", ErrNoHandler)
	}
	ev := events.Event{
		Tick:  at,
		Owner: e.ID,
		Kind:  kind,
		Data:  append([]byte(nil), data...),
	}
	return ev, nil
}

// eventID builds the id of the n-th event issued by the component registered
// at index. Ids only depend on the issuing component, so they do not change
// when components are stepped concurrently.
func eventID(index int, n uint64) component.EventID {
	return component.EventID(uint64(index+1)<<40 | n&(1<<40-1))
}

func (s *Scheduler) grow() {
	for len(s.issued) < s.reg.Len() {
		s.issued = append(s.issued, 0)
	}
}

// Reset returns to master tick zero with no pending events and every clock
// domain at local tick zero. It clears a fault.
func (s *Scheduler) Reset() {
	s.master = 0
	s.queue.Reset()
	s.remaps = nil
	s.fault = nil
	s.state = Idle
	s.issued = make([]uint64, s.reg.Len())
	for _, e := range s.reg.Entries() {
		e.Domain.Reset()
	}
}

// host is the Host handed to a component stepped on the scheduler goroutine
// or to the owner of a firing event.
type host struct {
	s   *Scheduler
	e   *registry.Entry
	now uint64
}

func (h *host) Now() uint64       { return h.now }
func (h *host) Self() component.ID { return h.e.ID }

func (h *host) Read(busName string, addr uint64, buf []byte) error {
	return h.s.router.Read(busName, addr, buf)
}

func (h *host) Write(busName string, addr uint64, data []byte) error {
	return h.s.router.Write(busName, addr, data)
}

func (h *host) Schedule(at uint64, kind uint32, data []byte) (component.EventID, error) {
	ev, err := h.s.schedule(h.e, h.now, at, kind, data)
	if err != nil {
		return 0, err
	}
	h.s.grow()
	h.s.issued[h.e.Index]++
	ev.ID = eventID(h.e.Index, h.s.issued[h.e.Index])
	if _, err := h.s.queue.Push(ev); err != nil {
		return 0, component.Errorf(h.e.ID, "schedule", err)
	}
	return ev.ID, nil
}

func (h *host) Cancel(id component.EventID) bool {
	return h.s.queue.Cancel(id, h.e.ID)
}

func (h *host) Remap(busName string, ranges []component.Range) error {
	if _, ok := h.s.router.Config(busName); !ok {
		return errors.Wrapf(bus.ErrUnknownBus, "%q", busName)
	}
	h.s.remaps = append(h.s.remaps, remapRequest{
		id:     h.e.ID,
		bus:    busName,
		ranges: append([]component.Range(nil), ranges...),
	})
	return nil
}
