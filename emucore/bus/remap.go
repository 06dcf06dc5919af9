package bus

import (
	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/component"
)

// Plan is a validated set of mapping tables waiting to be committed. Plans
// let callers validate several changes before committing any of them.
type Plan struct {
	tables  map[string]*table
	devices map[component.ID]component.Memory
	last    map[string]byte
}

// Attach prepares a plan adding devices and mappings. Every mapping target
// must either be attached already or be part of devices. Nothing changes
// until the plan is committed.
func (r *Router) Attach(devices map[component.ID]component.Memory, adds []Mapping) (*Plan, error) {
	byBus := make(map[string][]Mapping)
	for _, m := range adds {
		if _, err := r.bus(m.Bus); err != nil {
			return nil, errors.Wrapf(err, "mapping for %q", m.Target)
		}
		if _, ok := r.devices[m.Target]; !ok {
			if _, ok := devices[m.Target]; !ok {
				return nil, errors.Wrapf(ErrUnknownTarget, "%q", m.Target)
			}
		}
		byBus[m.Bus] = append(byBus[m.Bus], m)
	}

	p := &Plan{tables: make(map[string]*table), devices: devices}
	for name, ms := range byBus {
		b := r.buses[name]
		if err := r.checkIdle(b); err != nil {
			return nil, err
		}
		t, err := buildTable(name, b.mask, append(b.table.Load().all(), ms...))
		if err != nil {
			return nil, err
		}
		p.tables[name] = t
	}
	return p, nil
}

// Replace prepares a plan replacing every mapping on every bus, as needed
// when restoring a snapshot. Buses missing from last keep their last driven
// value.
func (r *Router) Replace(mappings []Mapping, last map[string]byte) (*Plan, error) {
	byBus := make(map[string][]Mapping, len(r.order))
	for _, m := range mappings {
		if _, err := r.bus(m.Bus); err != nil {
			return nil, errors.Wrapf(err, "mapping for %q", m.Target)
		}
		if _, ok := r.devices[m.Target]; !ok {
			return nil, errors.Wrapf(ErrUnknownTarget, "%q", m.Target)
		}
		byBus[m.Bus] = append(byBus[m.Bus], m)
	}
	for name := range last {
		if _, err := r.bus(name); err != nil {
			return nil, err
		}
	}

	p := &Plan{tables: make(map[string]*table, len(r.order)), last: last}
	for _, name := range r.order {
		b := r.buses[name]
		if err := r.checkIdle(b); err != nil {
			return nil, err
		}
		t, err := buildTable(name, b.mask, byBus[name])
		if err != nil {
			return nil, err
		}
		p.tables[name] = t
	}
	return p, nil
}

// Commit applies a plan. Plans must be committed before any other mapping
// change, otherwise the changes made in between are lost.
func (r *Router) Commit(p *Plan) {
	for id, dev := range p.devices {
		r.devices[id] = dev
	}
	for _, name := range r.order {
		t, ok := p.tables[name]
		if !ok {
			continue
		}
		b := r.buses[name]
		b.table.Store(t)
		if v, ok := p.last[name]; ok {
			b.last = v
		}
	}
	if len(p.tables) > 0 {
		r.mutated()
	}
}

// Remap replaces all mappings of target on a bus.
func (r *Router) Remap(busName string, target component.ID, mappings []Mapping) error {
	b, err := r.bus(busName)
	if err != nil {
		return err
	}
	if err := r.checkIdle(b); err != nil {
		return err
	}
	if _, ok := r.devices[target]; !ok {
		return errors.Wrapf(ErrUnknownTarget, "%q", target)
	}

	ms := b.table.Load().without(target)
	for _, m := range mappings {
		m.Bus = busName
		m.Target = target
		ms = append(ms, m)
	}

	t, err := buildTable(busName, b.mask, ms)
	if err != nil {
		return err
	}
	b.table.Store(t)
	r.logger.Debug("Bus remapped", "bus", busName, "target", string(target), "mappings", len(mappings))
	r.mutated()
	return nil
}

// Unmap removes all mappings of target on a bus.
func (r *Router) Unmap(busName string, target component.ID) error {
	return r.Remap(busName, target, nil)
}

// Mappings returns every mapping, grouped by bus in the order buses were
// added and sorted by start address within a bus.
func (r *Router) Mappings() []Mapping {
	var out []Mapping
	for _, name := range r.order {
		out = append(out, r.buses[name].table.Load().mappings...)
	}
	return out
}

// MappingsOf returns the mappings targeting id.
func (r *Router) MappingsOf(id component.ID) []Mapping {
	var out []Mapping
	for _, m := range r.Mappings() {
		if m.Target == id {
			out = append(out, m)
		}
	}
	return out
}

func (r *Router) checkIdle(b *busState) error {
	if b.inflight.Load() > 0 {
		return errors.Wrapf(ErrReentrantRemap, "bus %q", b.cfg.Name)
	}
	return nil
}

func (r *Router) mutated() {
	for _, fn := range r.hooks {
		fn()
	}
}
