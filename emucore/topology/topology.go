// Package topology describes machines in YAML: their buses, components with
// clocks and mappings, and the dependency edges between components. A
// description is turned into a running machine with Build, which looks up
// each component's kind in a table of factories.
package topology

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore"
	"github.com/valerio/go-emucore/emucore/bus"
	"github.com/valerio/go-emucore/emucore/clock"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/registry"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownKind = errors.New("unknown component kind")
	ErrInvalid     = errors.New("invalid topology")
)

// Topology is a machine description.
type Topology struct {
	Name string `yaml:"name"`
	// MasterHz is the number of master ticks per emulated second. Frontends
	// use it to pace the machine.
	MasterHz   uint64          `yaml:"master_hz"`
	Buses      []BusSpec       `yaml:"buses"`
	Components []ComponentSpec `yaml:"components"`
	Edges      []EdgeSpec      `yaml:"edges"`
}

type BusSpec struct {
	Name        string `yaml:"name"`
	AddressBits uint   `yaml:"address_bits"`
	Widths      []int  `yaml:"widths"`
	// OpenBus is "fixed" (the default) or "last-driven".
	OpenBus string `yaml:"open_bus"`
	Pattern uint8  `yaml:"pattern"`
}

type RangeSpec struct {
	Bus      string `yaml:"bus"`
	Start    uint64 `yaml:"start"`
	End      uint64 `yaml:"end"`
	Offset   uint64 `yaml:"offset"`
	Priority int    `yaml:"priority"`
	Atomic   bool   `yaml:"atomic"`
}

type ComponentSpec struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
	// Clock is the ratio of local ticks per master tick, "num/den" or an
	// integer. Empty means unclocked.
	Clock    string      `yaml:"clock"`
	Parallel bool        `yaml:"parallel"`
	Ranges   []RangeSpec `yaml:"ranges"`
	// Params are decoded by the kind's factory.
	Params yaml.Node `yaml:"params"`
}

// EdgeSpec orders From before To within a round.
type EdgeSpec struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Load parses a description. Unknown fields are rejected.
func Load(r io.Reader) (*Topology, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var t Topology
	if err := dec.Decode(&t); err != nil {
		return nil, errors.Wrap(ErrInvalid, err.Error())
	}
	return &t, nil
}

// LoadFile parses the description at path.
func LoadFile(path string) (*Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open topology")
	}
	defer f.Close()
	t, err := Load(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return t, nil
}

// ranges converts the declared ranges.
func (c ComponentSpec) ranges() []component.Range {
	out := make([]component.Range, len(c.Ranges))
	for i, r := range c.Ranges {
		out[i] = component.Range{
			Bus:      r.Bus,
			Start:    r.Start,
			End:      r.End,
			Offset:   r.Offset,
			Priority: r.Priority,
			Atomic:   r.Atomic,
		}
	}
	return out
}

// Decode decodes the component params into v. Missing params leave v
// untouched.
func (c ComponentSpec) Decode(v any) error {
	if c.Params.Kind == 0 {
		return nil
	}
	if err := c.Params.Decode(v); err != nil {
		return errors.Wrapf(ErrInvalid, "component %q params: %v", c.ID, err)
	}
	return nil
}

func parseOpenBus(s string) (bus.OpenBusPolicy, error) {
	switch strings.ToLower(s) {
	case "", "fixed":
		return bus.OpenBusFixed, nil
	case "last-driven", "last_driven":
		return bus.OpenBusLastDriven, nil
	default:
		return 0, errors.Wrapf(ErrInvalid, "open bus policy %q", s)
	}
}

func parseClock(s string) (clock.Ratio, error) {
	if strings.TrimSpace(s) == "" {
		return clock.Unclocked, nil
	}
	return clock.ParseRatio(s)
}

// Build adds the buses, components and edges of t to m. Relative file
// paths in params are resolved against dir. On error m may be partially
// built and should be discarded.
func Build(m *emucore.Machine, t *Topology, kinds Kinds, dir string) error {
	for _, b := range t.Buses {
		policy, err := parseOpenBus(b.OpenBus)
		if err != nil {
			return err
		}
		err = m.AddBus(bus.Config{
			Name:        b.Name,
			AddressBits: b.AddressBits,
			Widths:      b.Widths,
			OpenBus:     policy,
			Pattern:     b.Pattern,
		})
		if err != nil {
			return err
		}
	}

	env := &Env{Machine: m, Dir: dir}
	for _, c := range t.Components {
		factory, ok := kinds[c.Kind]
		if !ok {
			return errors.Wrapf(ErrUnknownKind, "component %q: %q", c.ID, c.Kind)
		}
		ratio, err := parseClock(c.Clock)
		if err != nil {
			return errors.Wrapf(err, "component %q", c.ID)
		}
		built, err := factory(env, c)
		if err != nil {
			return errors.Wrapf(err, "component %q (%s)", c.ID, c.Kind)
		}
		err = m.Register(registry.Descriptor{
			ID:           component.ID(c.ID),
			Component:    built.Component,
			Clock:        ratio,
			Ranges:       c.ranges(),
			Capabilities: built.Capabilities,
			Parallel:     c.Parallel,
		})
		if err != nil {
			return err
		}
	}

	for _, e := range t.Edges {
		if err := m.Connect(component.ID(e.From), component.ID(e.To)); err != nil {
			return err
		}
	}
	m.Logger().Info("Topology built", "name", t.Name, "buses", len(t.Buses), "components", len(t.Components), "edges", len(t.Edges))
	return nil
}

// Env is what factories get to build a component.
type Env struct {
	Machine *emucore.Machine
	// Dir is the directory relative paths are resolved against.
	Dir string
}

// Path resolves p against the environment directory.
func (e *Env) Path(p string) string {
	if filepath.IsAbs(p) || e.Dir == "" {
		return p
	}
	return filepath.Join(e.Dir, p)
}
