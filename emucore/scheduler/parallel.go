package scheduler

import (
	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/bus"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/events"
	"github.com/valerio/go-emucore/emucore/registry"
	"golang.org/x/sync/errgroup"
)

// stepOrder steps the entries in order. Entries marked Parallel always run
// on an isolated host, whatever the worker count, so that the isolation
// rules hold the same way with one worker or many. Runs of adjacent Parallel
// entries with no edge between them are stepped concurrently when workers
// are available; their side effects are merged back in order so the outcome
// matches stepping them one after the other.
func (s *Scheduler) stepOrder(order []*registry.Entry, start, delta uint64) error {
	for i := 0; i < len(order); {
		if !order[i].Parallel {
			e := order[i]
			if local := e.Domain.Advance(delta); local > 0 {
				if err := s.step(e, start, local); err != nil {
					return err
				}
			}
			i++
			continue
		}

		j := i + 1
		for j < len(order) && order[j].Parallel && !s.linked(order[i:j], order[j]) {
			j++
		}
		if err := s.stepBatch(order[i:j], start, delta); err != nil {
			return err
		}
		i = j
	}
	return nil
}

// linked reports whether e depends on any entry of batch. In topological
// order a path between two batch members always passes through a member
// in between, so direct edges are enough.
func (s *Scheduler) linked(batch []*registry.Entry, e *registry.Entry) bool {
	for _, b := range batch {
		if s.reg.Linked(b, e) {
			return true
		}
	}
	return false
}

func (s *Scheduler) stepBatch(batch []*registry.Entry, start, delta uint64) error {
	hosts := make([]*isolatedHost, len(batch))
	locals := make([]uint64, len(batch))
	for i, e := range batch {
		locals[i] = e.Domain.Advance(delta)
		hosts[i] = &isolatedHost{
			s:      s,
			e:      e,
			now:    start,
			issued: s.issued[e.Index],
		}
	}

	errs := make([]error, len(batch))
	step := func(i int) error {
		errs[i] = component.Errorf(batch[i].ID, "step", batch[i].Component.Step(hosts[i], locals[i]))
		return errs[i]
	}
	if s.workers < 2 {
		for i := range batch {
			if locals[i] > 0 && step(i) != nil {
				break
			}
		}
	} else {
		var g errgroup.Group
		g.SetLimit(s.workers)
		for i := range batch {
			if locals[i] == 0 {
				continue
			}
			i := i // per-iteration copy; go.mod targets go1.21 loop semantics
			g.Go(func() error { return step(i) })
		}
		_ = g.Wait()
	}

	// first error in stepping order, not in completion order
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	for _, h := range hosts {
		if err := h.merge(); err != nil {
			return err
		}
	}
	return nil
}

type driven struct {
	bus   string
	value byte
}

// isolatedHost is handed to components stepped concurrently. Bus accesses
// are restricted to the component's own mappings, and every effect on shared
// scheduler state is buffered until merge.
type isolatedHost struct {
	s   *Scheduler
	e   *registry.Entry
	now uint64

	issued    uint64
	pushed    []events.Event
	cancelled []component.EventID
	driven    []driven
	remaps    []remapRequest
}

func (h *isolatedHost) Now() uint64         { return h.now }
func (h *isolatedHost) Self() component.ID { return h.e.ID }

func (h *isolatedHost) Read(busName string, addr uint64, buf []byte) error {
	return h.access(busName, addr, buf, false)
}

func (h *isolatedHost) Write(busName string, addr uint64, data []byte) error {
	return h.access(busName, addr, data, true)
}

func (h *isolatedHost) access(busName string, addr uint64, buf []byte, write bool) error {
	last, ok, err := h.s.router.Isolated(busName, addr, buf, write, h.e.ID)
	if err != nil {
		return err
	}
	if ok {
		h.driven = append(h.driven, driven{busName, last})
	}
	return nil
}

func (h *isolatedHost) Schedule(at uint64, kind uint32, data []byte) (component.EventID, error) {
	ev, err := h.s.schedule(h.e, h.now, at, kind, data)
	if err != nil {
		return 0, err
	}
	h.issued++
	ev.ID = eventID(h.e.Index, h.issued)
	h.pushed = append(h.pushed, ev)
	return ev.ID, nil
}

func (h *isolatedHost) Cancel(id component.EventID) bool {
	for i, ev := range h.pushed {
		if ev.ID == id {
			h.pushed = append(h.pushed[:i], h.pushed[i+1:]...)
			return true
		}
	}
	for _, c := range h.cancelled {
		if c == id {
			return false
		}
	}
	// the queue is only read while a batch runs
	if !h.s.queue.Has(id, h.e.ID) {
		return false
	}
	h.cancelled = append(h.cancelled, id)
	return true
}

func (h *isolatedHost) Remap(busName string, ranges []component.Range) error {
	if _, ok := h.s.router.Config(busName); !ok {
		return errors.Wrapf(bus.ErrUnknownBus, "%q", busName)
	}
	h.remaps = append(h.remaps, remapRequest{
		id:     h.e.ID,
		bus:    busName,
		ranges: append([]component.Range(nil), ranges...),
	})
	return nil
}

// merge applies the buffered effects to the scheduler, router and queue.
func (h *isolatedHost) merge() error {
	for _, id := range h.cancelled {
		h.s.queue.Cancel(id, h.e.ID)
	}
	for _, ev := range h.pushed {
		if _, err := h.s.queue.Push(ev); err != nil {
			return component.Errorf(h.e.ID, "schedule", err)
		}
	}
	for _, d := range h.driven {
		if err := h.s.router.Drive(d.bus, d.value); err != nil {
			return err
		}
	}
	h.s.issued[h.e.Index] = h.issued
	h.s.remaps = append(h.s.remaps, h.remaps...)
	return nil
}
