// Package registry owns the components of a machine. Registering a component
// places it in the dependency graph, maps its declared ranges on the router
// and records its capabilities, all or nothing.
package registry

import (
	"log/slog"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/bus"
	"github.com/valerio/go-emucore/emucore/capability"
	"github.com/valerio/go-emucore/emucore/clock"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/graph"
)

var (
	ErrDuplicateID       = errors.New("duplicate component id")
	ErrNotFound          = errors.New("component not found")
	ErrNotMemory         = errors.New("component owns ranges but does not implement memory access")
	ErrInvalidDescriptor = errors.New("invalid component descriptor")
	ErrSealed            = errors.New("registry sealed")
)

// Descriptor declares a component at registration time.
type Descriptor struct {
	ID        component.ID
	Component component.Component
	// Clock is the number of local ticks per master tick. The zero value
	// is rejected; use clock.Unclocked for components that are never
	// stepped.
	Clock        clock.Ratio
	Ranges       []component.Range
	Capabilities []capability.Binding
	// Parallel marks a component that only touches its own mappings while
	// stepping. It is always stepped on an isolated host and may run
	// concurrently with adjacent Parallel entries it has no edge with.
	Parallel bool
}

// Entry is a registered component.
type Entry struct {
	ID        component.ID
	Component component.Component
	Domain    *clock.Domain
	Parallel  bool
	// Ranges are the ranges declared at registration.
	Ranges []component.Range
	// Index is the registration index. It is also the node id in the
	// dependency graph.
	Index int
}

// Handler returns the component's event handler, if it has one.
func (e *Entry) Handler() (component.EventHandler, bool) {
	h, ok := e.Component.(component.EventHandler)
	return h, ok
}

// Registry maps ids to components and keeps the dependency graph.
type Registry struct {
	router  *bus.Router
	caps    *capability.Directory
	graph   *graph.Graph
	entries []*Entry
	byID    map[component.ID]*Entry
	sealed  bool
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// New creates a registry attaching components to router and caps.
func New(router *bus.Router, caps *capability.Directory, opts ...Option) *Registry {
	r := &Registry{
		router: router,
		caps:   caps,
		graph:  graph.New(),
		byID:   make(map[component.ID]*Entry),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates a descriptor against the router, graph and capability
// directory, then commits it to all three. On error nothing changes.
func (r *Registry) Register(d Descriptor) (*Entry, error) {
	if r.sealed {
		return nil, errors.Wrapf(ErrSealed, "register %q", d.ID)
	}
	if d.ID == "" {
		return nil, errors.Wrap(ErrInvalidDescriptor, "empty id")
	}
	if d.Component == nil {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "%q: nil component", d.ID)
	}
	if d.Clock.Den == 0 {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "%q: clock %s", d.ID, d.Clock)
	}
	ratio, err := clock.NewRatio(d.Clock.Num, d.Clock.Den)
	if err != nil {
		return nil, errors.Wrapf(err, "component %q", d.ID)
	}
	if _, ok := r.byID[d.ID]; ok {
		return nil, errors.Wrapf(ErrDuplicateID, "%q", d.ID)
	}

	var plan *bus.Plan
	mem, isMemory := d.Component.(component.Memory)
	if len(d.Ranges) > 0 && !isMemory {
		return nil, errors.Wrapf(ErrNotMemory, "%q", d.ID)
	}
	if isMemory {
		// attached even without ranges so it can map itself later
		adds := make([]bus.Mapping, len(d.Ranges))
		for i, rg := range d.Ranges {
			adds[i] = bus.MappingFor(d.ID, rg)
		}
		plan, err = r.router.Attach(map[component.ID]component.Memory{d.ID: mem}, adds)
		if err != nil {
			return nil, errors.Wrapf(err, "component %q", d.ID)
		}
	}
	if err := r.caps.Validate(d.ID, d.Capabilities); err != nil {
		return nil, err
	}

	// commit
	if plan != nil {
		r.router.Commit(plan)
	}
	if err := r.caps.Register(d.ID, d.Capabilities); err != nil {
		// validated above
		panic(err)
	}
	e := &Entry{
		ID:        d.ID,
		Component: d.Component,
		Domain:    clock.NewDomain(ratio),
		Parallel:  d.Parallel,
		Ranges:    append([]component.Range(nil), d.Ranges...),
		Index:     r.graph.AddNode(),
	}
	r.entries = append(r.entries, e)
	r.byID[d.ID] = e

	r.logger.Debug("Component registered", "id", string(d.ID), "clock", ratio.String(), "ranges", len(d.Ranges))
	return e, nil
}

// Connect declares that from is stepped before to within a round.
func (r *Registry) Connect(from, to component.ID) error {
	if r.sealed {
		return errors.Wrapf(ErrSealed, "connect %q -> %q", from, to)
	}
	a, err := r.Lookup(from)
	if err != nil {
		return err
	}
	b, err := r.Lookup(to)
	if err != nil {
		return err
	}
	if err := r.graph.AddEdge(a.Index, b.Index); err != nil {
		return errors.Wrapf(err, "%q -> %q", from, to)
	}
	r.caps.Invalidate()
	return nil
}

// Seal rejects any further registration or edge.
func (r *Registry) Seal() {
	r.sealed = true
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	return r.sealed
}

// Lookup returns the entry registered under id.
func (r *Registry) Lookup(id component.ID) (*Entry, error) {
	e, ok := r.byID[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%q", id)
	}
	return e, nil
}

// Entries returns the entries in registration order.
func (r *Registry) Entries() []*Entry {
	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of registered components.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Order returns the entries in stepping order: topological, with unrelated
// entries in registration order.
func (r *Registry) Order() []*Entry {
	order := r.graph.Order()
	out := make([]*Entry, len(order))
	for i, n := range order {
		out[i] = r.entries[n]
	}
	return out
}

// Linked reports whether an edge joins a and b in either direction.
func (r *Registry) Linked(a, b *Entry) bool {
	return r.graph.HasEdge(a.Index, b.Index) || r.graph.HasEdge(b.Index, a.Index)
}

// Edges returns the dependency edges as id pairs.
func (r *Registry) Edges() [][2]component.ID {
	edges := r.graph.Edges()
	out := make([][2]component.ID, len(edges))
	for i, e := range edges {
		out[i] = [2]component.ID{r.entries[e.From].ID, r.entries[e.To].ID}
	}
	return out
}

// Router returns the router components are mapped on.
func (r *Registry) Router() *bus.Router {
	return r.router
}

// Capabilities returns the capability directory.
func (r *Registry) Capabilities() *capability.Directory {
	return r.caps
}
