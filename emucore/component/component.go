// Package component defines the contract every pluggable piece of an emulated
// machine implements, together with the host interface the scheduler hands to
// components while they run.
//
// A component never holds a reference into another component's private
// state. Everything it needs from the rest of the machine goes through the
// Host: bus accesses are routed by address, and feedback to itself or to
// later rounds travels as scheduled events.
package component

// ID identifies a component for the whole lifetime of a machine.
type ID string

// EventID identifies a pending scheduled event.
type EventID uint64

// Component is the minimal contract: a step operation taking the number of
// local ticks elapsed in the current round, plus hooks to serialize the
// component's private state for snapshots.
type Component interface {
	// Step advances the component by ticks local clock ticks.
	Step(host Host, ticks uint64) error

	// SaveState returns the opaque private state of the component. The bytes
	// must be a pure function of the component state.
	SaveState() ([]byte, error)

	// LoadState replaces the private state with one produced by SaveState.
	LoadState(state []byte) error
}

// Memory is implemented by components that own address ranges on a bus.
// Offsets are already translated by the router (address - range start +
// mapping offset). The length of the buffer is the access width.
type Memory interface {
	ReadMemory(bus string, offset uint64, buf []byte) error
	WriteMemory(bus string, offset uint64, data []byte) error
}

// Previewer is optionally implemented by Memory components that can report
// their contents without side effects, for debuggers and monitors.
type Previewer interface {
	PreviewMemory(bus string, offset uint64, buf []byte) error
}

// Event is a scheduled event as delivered to its owner.
type Event struct {
	ID   EventID
	Tick uint64
	Kind uint32
	Data []byte
}

// EventHandler is implemented by components that schedule events. Events are
// always delivered back to the component that scheduled them.
type EventHandler interface {
	HandleEvent(host Host, ev Event) error
}

// Resetter is optionally implemented by components that support a machine
// reset (power cycle).
type Resetter interface {
	Reset()
}

// Range declares an address range owned by a component on a bus. Start and
// End are inclusive. Offset is added to (address - Start) before the access
// reaches the component. When Atomic is set, an access starting inside the
// range is delivered whole, even when it spans past End.
type Range struct {
	Bus      string
	Start    uint64
	End      uint64
	Offset   uint64
	Priority int
	Atomic   bool
}

// Size returns the number of addresses covered by the range.
func (r Range) Size() uint64 {
	return r.End - r.Start + 1
}

// Host is the view of the machine a component gets while it is stepped or
// while one of its events fires.
type Host interface {
	// Now returns the master tick. While stepping it is the tick at the
	// start of the round; while an event fires it is the tick it fires at.
	// That is the event's tick, unless the event was scheduled during a step
	// for a tick inside the same round: it then fires at the end of the
	// round and Event.Tick is earlier than Now.
	Now() uint64

	// Self returns the id of the component the host was handed to.
	Self() ID

	// Read and Write access a bus through the router.
	Read(bus string, addr uint64, buf []byte) error
	Write(bus string, addr uint64, data []byte) error

	// Schedule queues an event for this component at the absolute master
	// tick at, which must be strictly after Now.
	Schedule(at uint64, kind uint32, data []byte) (EventID, error)

	// Cancel withdraws a pending event previously scheduled by this
	// component. It reports whether an event was withdrawn.
	Cancel(id EventID) bool

	// Remap replaces this component's mappings on a bus. The change is
	// applied at the end of the current round.
	Remap(bus string, ranges []Range) error
}
