// Package fabric carries state that components publish for the host to
// observe: video frames, audio chunks and debug registers.
//
// Each named Slot has one writer and any number of readers. A publication is
// immutable once published, and readers always see a whole publication.
package fabric

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	ErrWriterClaimed = errors.New("slot writer already claimed")
	ErrDuplicateSlot = errors.New("duplicate slot")
	ErrUnknownSlot   = errors.New("unknown slot")
	ErrSlotType      = errors.New("slot type mismatch")
)

// Publication is one published value with the master tick it was produced
// at. Seq counts publications on the slot, starting at 1.
type Publication[T any] struct {
	Seq   uint64
	Tick  uint64
	Value T
}

// Slot holds the latest publication of a value of type T.
type Slot[T any] struct {
	name    string
	current atomic.Pointer[Publication[T]]
	claimed atomic.Bool
	mu      sync.Mutex
	taps    []*Tap[T]
}

// NewSlot creates an empty slot.
func NewSlot[T any](name string) *Slot[T] {
	return &Slot[T]{name: name}
}

// Name returns the slot name.
func (s *Slot[T]) Name() string {
	return s.name
}

// Writer claims the slot's single writer.
func (s *Slot[T]) Writer() (*Writer[T], error) {
	if !s.claimed.CompareAndSwap(false, true) {
		return nil, errors.Wrapf(ErrWriterClaimed, "%q", s.name)
	}
	return &Writer[T]{slot: s}, nil
}

// Load returns the latest publication, or false if nothing was published
// yet.
func (s *Slot[T]) Load() (Publication[T], bool) {
	p := s.current.Load()
	if p == nil {
		return Publication[T]{}, false
	}
	return *p, true
}

// Seq returns the sequence number of the latest publication, 0 if none.
func (s *Slot[T]) Seq() uint64 {
	if p := s.current.Load(); p != nil {
		return p.Seq
	}
	return 0
}

// Tap returns a queue receiving every later publication of the slot, for
// readers that must not miss any, such as audio capture.
func (s *Slot[T]) Tap() *Tap[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Tap[T]{}
	s.taps = append(s.taps, t)
	return t
}

// Tap queues publications until they are drained.
type Tap[T any] struct {
	mu    sync.Mutex
	queue []Publication[T]
}

func (t *Tap[T]) push(p Publication[T]) {
	t.mu.Lock()
	t.queue = append(t.queue, p)
	t.mu.Unlock()
}

// Drain returns the queued publications, oldest first, and empties the
// queue.
func (t *Tap[T]) Drain() []Publication[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queue
	t.queue = nil
	return q
}

// Writer publishes values to a slot.
type Writer[T any] struct {
	slot *Slot[T]
	seq  uint64
}

// Publish makes v the slot's current value. The caller must not modify v,
// nor anything it references, afterwards.
func (w *Writer[T]) Publish(tick uint64, v T) {
	w.slot.mu.Lock()
	defer w.slot.mu.Unlock()
	w.seq++
	p := &Publication[T]{Seq: w.seq, Tick: tick, Value: v}
	w.slot.current.Store(p)
	for _, t := range w.slot.taps {
		t.push(*p)
	}
}

// Reset forgets the current publication, as after a machine reset.
func (w *Writer[T]) Reset() {
	w.slot.mu.Lock()
	defer w.slot.mu.Unlock()
	w.slot.current.Store(nil)
}

// Fabric is the set of named slots of a machine.
type Fabric struct {
	mu    sync.RWMutex
	slots map[string]any
}

// New creates an empty fabric.
func New() *Fabric {
	return &Fabric{slots: make(map[string]any)}
}

// Register adds a slot.
func Register[T any](f *Fabric, name string) (*Slot[T], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.slots[name]; ok {
		return nil, errors.Wrapf(ErrDuplicateSlot, "%q", name)
	}
	s := NewSlot[T](name)
	f.slots[name] = s
	return s, nil
}

// Lookup returns the slot registered under name.
func Lookup[T any](f *Fabric, name string) (*Slot[T], error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.slots[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSlot, "%q", name)
	}
	s, ok := v.(*Slot[T])
	if !ok {
		return nil, errors.Wrapf(ErrSlotType, "%q is %T", name, v)
	}
	return s, nil
}

// Names returns the sorted slot names.
func (f *Fabric) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.slots))
	for name := range f.slots {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
