// Package capability is a directory of optional secondary interfaces that
// components advertise by tag when they are registered.
//
// Lookups go through an explicit (component id, tag name) table filled at
// registration time. A Tag carries the Go type of the interface it names, so
// callers get a typed Handle back without type switches over components.
package capability

import (
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/component"
)

var (
	// ErrStaleHandle is returned by Handle.Get after a topology mutation.
	ErrStaleHandle = errors.New("stale capability handle")

	// ErrDuplicateTag is returned when a component declares a tag twice.
	ErrDuplicateTag = errors.New("duplicate capability tag")

	// ErrInvalidBinding is returned for bindings without a name or
	// implementation.
	ErrInvalidBinding = errors.New("invalid capability binding")
)

// Tag names a capability whose accessor has type T.
type Tag[T any] struct {
	name string
}

// NewTag creates a tag. Tags are compared by name, so two tags with the same
// name must carry the same type.
func NewTag[T any](name string) Tag[T] {
	return Tag[T]{name: name}
}

// Name returns the tag name.
func (t Tag[T]) Name() string {
	return t.name
}

// Binding ties a tag name to the accessor a component provides for it.
type Binding struct {
	tag  string
	impl any
}

// Provide builds the binding of impl for tag.
func Provide[T any](tag Tag[T], impl T) Binding {
	return Binding{tag: tag.name, impl: impl}
}

// Tag returns the bound tag name.
func (b Binding) Tag() string {
	return b.tag
}

type key struct {
	id  component.ID
	tag string
}

// Directory maps (component id, tag) pairs to accessors.
type Directory struct {
	entries    map[key]any
	tags       map[component.ID][]string
	generation atomic.Uint64
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		entries: make(map[key]any),
		tags:    make(map[component.ID][]string),
	}
}

// Validate checks the bindings a component is about to register.
func (d *Directory) Validate(id component.ID, bindings []Binding) error {
	seen := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		if b.tag == "" || b.impl == nil {
			return errors.Wrapf(ErrInvalidBinding, "component %q", id)
		}
		if seen[b.tag] {
			return errors.Wrapf(ErrDuplicateTag, "component %q: %q", id, b.tag)
		}
		seen[b.tag] = true
		if _, ok := d.entries[key{id, b.tag}]; ok {
			return errors.Wrapf(ErrDuplicateTag, "component %q: %q", id, b.tag)
		}
	}
	return nil
}

// Register adds the bindings of a component. Registration is a topology
// mutation and invalidates outstanding handles.
func (d *Directory) Register(id component.ID, bindings []Binding) error {
	if err := d.Validate(id, bindings); err != nil {
		return err
	}
	for _, b := range bindings {
		d.entries[key{id, b.tag}] = b.impl
		d.tags[id] = append(d.tags[id], b.tag)
	}
	sort.Strings(d.tags[id])
	d.Invalidate()
	return nil
}

// Invalidate marks every outstanding handle as stale.
func (d *Directory) Invalidate() {
	d.generation.Add(1)
}

// Generation returns the current topology generation.
func (d *Directory) Generation() uint64 {
	return d.generation.Load()
}

// Tags returns the sorted tag names declared by a component.
func (d *Directory) Tags(id component.ID) []string {
	out := make([]string, len(d.tags[id]))
	copy(out, d.tags[id])
	return out
}

// Has reports whether a component declared a tag.
func (d *Directory) Has(id component.ID, tag string) bool {
	_, ok := d.entries[key{id, tag}]
	return ok
}

// Handle is a typed view of a component capability, valid until the next
// topology mutation.
type Handle[T any] struct {
	dir        *Directory
	id         component.ID
	tag        string
	generation uint64
	impl       T
}

// As looks up a capability. It returns false, not an error, when the
// component does not support the tag.
func As[T any](d *Directory, id component.ID, tag Tag[T]) (Handle[T], bool) {
	v, ok := d.entries[key{id, tag.name}]
	if !ok {
		return Handle[T]{}, false
	}
	impl, ok := v.(T)
	if !ok {
		// a tag name reused with another type is never a match
		return Handle[T]{}, false
	}
	return Handle[T]{
		dir:        d,
		id:         id,
		tag:        tag.name,
		generation: d.Generation(),
		impl:       impl,
	}, true
}

// Get returns the accessor, or ErrStaleHandle if the topology changed since
// the handle was obtained.
func (h Handle[T]) Get() (T, error) {
	var zero T
	if h.dir == nil {
		return zero, errors.Wrap(ErrStaleHandle, "empty handle")
	}
	if h.dir.Generation() != h.generation {
		return zero, errors.Wrapf(ErrStaleHandle, "component %q: %q", h.id, h.tag)
	}
	return h.impl, nil
}

// Valid reports whether Get would succeed.
func (h Handle[T]) Valid() bool {
	return h.dir != nil && h.dir.Generation() == h.generation
}

// Component returns the id of the component the handle refers to.
func (h Handle[T]) Component() component.ID {
	return h.id
}

// Each calls fn for every component declaring tag, in id order.
func Each[T any](d *Directory, tag Tag[T], fn func(component.ID, Handle[T])) {
	ids := make([]component.ID, 0, len(d.tags))
	for id := range d.tags {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if h, ok := As(d, id, tag); ok {
			fn(id, h)
		}
	}
}
