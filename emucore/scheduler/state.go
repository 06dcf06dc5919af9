package scheduler

import (
	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/events"
)

// DomainState is the saved clock domain of one component.
type DomainState struct {
	ID        component.ID
	Local     uint64
	Remainder uint64
	Issued    uint64
}

// Saved is everything the scheduler needs to resume bit-exactly.
type Saved struct {
	Master  uint64
	NextSeq uint64
	// Domains are in registration order.
	Domains []DomainState
	// Events are in firing order.
	Events []events.Event
}

// Save returns the scheduler state. It must be called between rounds.
func (s *Scheduler) Save() Saved {
	s.grow()
	entries := s.reg.Entries()
	st := Saved{
		Master:  s.master,
		NextSeq: s.queue.NextSeq(),
		Domains: make([]DomainState, len(entries)),
		Events:  s.queue.Pending(),
	}
	for i, e := range entries {
		st.Domains[i] = DomainState{
			ID:        e.ID,
			Local:     e.Domain.Local(),
			Remainder: e.Domain.Remainder(),
			Issued:    s.issued[e.Index],
		}
	}
	return st
}

// Validate checks that st can be loaded, without changing anything.
func (s *Scheduler) Validate(st Saved) error {
	entries := s.reg.Entries()
	if len(st.Domains) != len(entries) {
		return errors.Wrapf(ErrInvalidState, "%d clock domains, want %d", len(st.Domains), len(entries))
	}
	for i, d := range st.Domains {
		e := entries[i]
		if d.ID != e.ID {
			return errors.Wrapf(ErrInvalidState, "clock domain %d is %q, want %q", i, d.ID, e.ID)
		}
		if r := e.Domain.Ratio(); d.Remainder >= r.Den || (!r.Active() && (d.Local != 0 || d.Remainder != 0)) {
			return errors.Wrapf(ErrInvalidState, "clock domain %q: remainder %d for ratio %s", d.ID, d.Remainder, r)
		}
	}

	owners := make(map[component.ID]bool, len(entries))
	for _, e := range entries {
		if _, ok := e.Handler(); ok {
			owners[e.ID] = true
		}
	}
	for _, ev := range st.Events {
		if !owners[ev.Owner] {
			return errors.Wrapf(ErrInvalidState, "event %d: owner %q cannot handle events", ev.ID, ev.Owner)
		}
		if ev.Tick <= st.Master {
			return errors.Wrapf(ErrInvalidState, "event %d: tick %d not after master tick %d", ev.ID, ev.Tick, st.Master)
		}
	}
	if err := events.NewQueue().Load(st.Events, st.NextSeq); err != nil {
		return errors.Wrap(ErrInvalidState, err.Error())
	}
	return nil
}

// Load replaces the scheduler state and clears a fault. On error nothing
// changes.
func (s *Scheduler) Load(st Saved) error {
	if s.state != Idle {
		return errors.Wrapf(ErrBusy, "state %s", s.state)
	}
	if err := s.Validate(st); err != nil {
		return err
	}
	if err := s.queue.Load(st.Events, st.NextSeq); err != nil {
		return err
	}

	entries := s.reg.Entries()
	s.issued = make([]uint64, len(entries))
	for i, d := range st.Domains {
		e := entries[i]
		if err := e.Domain.Set(d.Local, d.Remainder); err != nil {
			// checked by Validate
			panic(err)
		}
		s.issued[e.Index] = d.Issued
	}
	s.master = st.Master
	s.remaps = nil
	s.fault = nil
	return nil
}
