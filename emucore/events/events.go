// Package events holds the queue of scheduled events, keyed by absolute
// master tick. Events due at the same tick fire in the order they were
// scheduled.
package events

import (
	"container/heap"
	"sort"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/component"
)

var (
	// ErrDuplicateEvent is returned when an event id is already pending.
	ErrDuplicateEvent = errors.New("duplicate event id")
)

// Event represents a scheduled event in the machine
type Event struct {
	ID    component.EventID
	Tick  uint64 // Absolute master tick when this event fires
	Seq   uint64 // Insertion sequence, breaks ties between equal ticks
	Owner component.ID
	Kind  uint32
	Data  []byte
}

// Delivery returns the event as seen by its owner.
func (e Event) Delivery() component.Event {
	return component.Event{ID: e.ID, Tick: e.Tick, Kind: e.Kind, Data: e.Data}
}

func (e Event) before(o Event) bool {
	if e.Tick != o.Tick {
		return e.Tick < o.Tick
	}
	return e.Seq < o.Seq
}

type item struct {
	ev    Event
	index int
}

type eventHeap []*item

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return h[i].ev.before(h[j].ev) }
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a priority queue of pending events ordered by (tick, seq).
type Queue struct {
	heap    eventHeap
	byID    map[component.EventID]*item
	nextSeq uint64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{byID: make(map[component.EventID]*item)}
}

// Push adds an event. The queue assigns its sequence number, which is
// returned along with any error.
func (q *Queue) Push(ev Event) (uint64, error) {
	if _, ok := q.byID[ev.ID]; ok {
		return 0, errors.Wrapf(ErrDuplicateEvent, "%d", ev.ID)
	}
	ev.Seq = q.nextSeq
	q.nextSeq++

	it := &item{ev: ev}
	heap.Push(&q.heap, it)
	q.byID[ev.ID] = it
	return ev.Seq, nil
}

// Peek returns the next event without removing it.
func (q *Queue) Peek() (Event, bool) {
	if len(q.heap) == 0 {
		return Event{}, false
	}
	return q.heap[0].ev, true
}

// PopDue removes and returns the next event if it fires at or before tick.
func (q *Queue) PopDue(tick uint64) (Event, bool) {
	if len(q.heap) == 0 || q.heap[0].ev.Tick > tick {
		return Event{}, false
	}
	it := heap.Pop(&q.heap).(*item)
	delete(q.byID, it.ev.ID)
	return it.ev, true
}

// Has reports whether an event with the given id and owner is pending.
func (q *Queue) Has(id component.EventID, owner component.ID) bool {
	it, ok := q.byID[id]
	return ok && it.ev.Owner == owner
}

// Cancel removes a pending event. Only the owner may withdraw its events.
func (q *Queue) Cancel(id component.EventID, owner component.ID) bool {
	it, ok := q.byID[id]
	if !ok || it.ev.Owner != owner {
		return false
	}
	heap.Remove(&q.heap, it.index)
	delete(q.byID, id)
	return true
}

// Pending returns all pending events in firing order.
func (q *Queue) Pending() []Event {
	out := make([]Event, len(q.heap))
	for i, it := range q.heap {
		out[i] = it.ev
	}
	sort.Slice(out, func(i, j int) bool { return out[i].before(out[j]) })
	return out
}

// NextSeq returns the sequence number the next pushed event will get.
func (q *Queue) NextSeq() uint64 {
	return q.nextSeq
}

// Load replaces the queue contents, keeping the sequence numbers of evs.
// On error the queue is unchanged.
func (q *Queue) Load(evs []Event, nextSeq uint64) error {
	byID := make(map[component.EventID]*item, len(evs))
	h := make(eventHeap, 0, len(evs))
	for _, ev := range evs {
		if _, ok := byID[ev.ID]; ok {
			return errors.Wrapf(ErrDuplicateEvent, "%d", ev.ID)
		}
		if ev.Seq >= nextSeq {
			return errors.Errorf("event %d: sequence %d not below next sequence %d", ev.ID, ev.Seq, nextSeq)
		}
		it := &item{ev: ev, index: len(h)}
		h = append(h, it)
		byID[ev.ID] = it
	}
	heap.Init(&h)

	q.heap = h
	q.byID = byID
	q.nextSeq = nextSeq
	return nil
}

// Reset drops every pending event and restarts sequence numbering.
func (q *Queue) Reset() {
	q.heap = nil
	q.byID = make(map[component.EventID]*item)
	q.nextSeq = 0
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	return len(q.heap)
}
