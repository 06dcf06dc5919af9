// Package bus implements the address space router: named buses, each with
// its own interval-indexed mapping table, that dispatch reads and writes to
// the components owning the addressed ranges.
//
// At any address the highest priority covering mapping wins. Unmapped
// addresses are not an error: they read back the bus's open bus value, as
// selected by its OpenBusPolicy.
package bus

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/component"
)

// OpenBusPolicy selects the value read from unmapped addresses.
type OpenBusPolicy int

const (
	// OpenBusFixed reads back Config.Pattern.
	OpenBusFixed OpenBusPolicy = iota
	// OpenBusLastDriven reads back the last byte driven on the bus by any
	// read or write. Config.Pattern is the value before the first access.
	OpenBusLastDriven
)

func (p OpenBusPolicy) String() string {
	switch p {
	case OpenBusFixed:
		return "fixed"
	case OpenBusLastDriven:
		return "last-driven"
	default:
		return fmt.Sprintf("OpenBusPolicy(%d)", int(p))
	}
}

// DefaultWidths are the access widths allowed when a Config lists none.
var DefaultWidths = []int{1, 2, 4, 8}

// Config describes a bus.
type Config struct {
	Name string
	// AddressBits is the width of the address space, 1 to 64. Addresses
	// are masked to this width before resolution.
	AddressBits uint
	// Widths lists the allowed access widths in bytes.
	Widths  []int
	OpenBus OpenBusPolicy
	Pattern byte
}

type busState struct {
	cfg      Config
	mask     uint64
	widths   uint64 // bitset of allowed widths
	table    atomic.Pointer[table]
	last     byte
	inflight atomic.Int32
}

func (b *busState) allows(width int) bool {
	return width > 0 && width < 64 && b.widths&(1<<uint(width)) != 0
}

// Router dispatches accesses on every bus of a machine.
type Router struct {
	buses   map[string]*busState
	order   []string
	devices map[component.ID]component.Memory
	hooks   []func()
	logger  *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the logger used for mapping changes.
func WithLogger(l *slog.Logger) RouterOption { return func(r *Router) { r.logger = l } }

// NewRouter creates a router without buses.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		buses:   make(map[string]*busState),
		devices: make(map[component.ID]component.Memory),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddBus adds an empty bus.
func (r *Router) AddBus(cfg Config) error {
	if cfg.Name == "" {
		return errors.Wrap(ErrInvalidConfig, "empty bus name")
	}
	if _, ok := r.buses[cfg.Name]; ok {
		return errors.Wrapf(ErrDuplicateBus, "%q", cfg.Name)
	}
	if cfg.AddressBits == 0 || cfg.AddressBits > 64 {
		return errors.Wrapf(ErrInvalidConfig, "bus %q: address bits %d", cfg.Name, cfg.AddressBits)
	}
	if cfg.OpenBus != OpenBusFixed && cfg.OpenBus != OpenBusLastDriven {
		return errors.Wrapf(ErrInvalidConfig, "bus %q: open bus policy %d", cfg.Name, cfg.OpenBus)
	}
	if len(cfg.Widths) == 0 {
		cfg.Widths = DefaultWidths
	}

	b := &busState{cfg: cfg, last: cfg.Pattern}
	for _, w := range cfg.Widths {
		if w <= 0 || w >= 64 {
			return errors.Wrapf(ErrInvalidConfig, "bus %q: access width %d", cfg.Name, w)
		}
		b.widths |= 1 << uint(w)
	}
	if cfg.AddressBits == 64 {
		b.mask = ^uint64(0)
	} else {
		b.mask = 1<<cfg.AddressBits - 1
	}
	b.table.Store(&table{})

	r.buses[cfg.Name] = b
	r.order = append(r.order, cfg.Name)
	return nil
}

// Buses returns the bus names in the order they were added.
func (r *Router) Buses() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Config returns the configuration of a bus.
func (r *Router) Config(name string) (Config, bool) {
	b, ok := r.buses[name]
	if !ok {
		return Config{}, false
	}
	return b.cfg, true
}

// OnMutate registers a function called after every committed mapping
// change.
func (r *Router) OnMutate(fn func()) {
	r.hooks = append(r.hooks, fn)
}

func (r *Router) bus(name string) (*busState, error) {
	b, ok := r.buses[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownBus, "%q", name)
	}
	return b, nil
}

// Read fills buf from the bus starting at addr. The length of buf is the
// access width.
func (r *Router) Read(busName string, addr uint64, buf []byte) error {
	b, err := r.begin(busName, len(buf))
	if err != nil {
		return err
	}
	defer b.inflight.Add(-1)

	last, driven, err := r.access(b, addr, buf, opRead, "")
	if driven {
		b.last = last
	}
	return err
}

// Write drives data onto the bus starting at addr.
func (r *Router) Write(busName string, addr uint64, data []byte) error {
	b, err := r.begin(busName, len(data))
	if err != nil {
		return err
	}
	defer b.inflight.Add(-1)

	last, driven, err := r.access(b, addr, data, opWrite, "")
	if driven {
		b.last = last
	}
	return err
}

// Preview reads without side effects: devices implementing
// component.Previewer are asked for their contents, others read back as open
// bus. The last driven value is never updated.
func (r *Router) Preview(busName string, addr uint64, buf []byte) error {
	b, err := r.begin(busName, len(buf))
	if err != nil {
		return err
	}
	defer b.inflight.Add(-1)

	_, _, err = r.access(b, addr, buf, opPreview, "")
	return err
}

// Isolated performs a read or write that must resolve entirely to mappings
// owned by owner. The bus's last driven value is left untouched; the byte
// that would have been driven is returned instead so the caller can apply
// it later in a deterministic order.
func (r *Router) Isolated(busName string, addr uint64, buf []byte, write bool, owner component.ID) (last byte, driven bool, err error) {
	b, err := r.begin(busName, len(buf))
	if err != nil {
		return 0, false, err
	}
	defer b.inflight.Add(-1)

	op := opRead
	if write {
		op = opWrite
	}
	return r.access(b, addr, buf, op, owner)
}

// LastDriven returns the last byte driven on a bus.
func (r *Router) LastDriven(busName string) (byte, error) {
	b, err := r.bus(busName)
	if err != nil {
		return 0, err
	}
	return b.last, nil
}

// Drive sets the last driven byte of a bus, as if an access had driven it.
func (r *Router) Drive(busName string, value byte) error {
	b, err := r.bus(busName)
	if err != nil {
		return err
	}
	b.last = value
	return nil
}

// Resolve returns the mapping servicing addr, if any.
func (r *Router) Resolve(busName string, addr uint64) (Mapping, bool, error) {
	b, err := r.bus(busName)
	if err != nil {
		return Mapping{}, false, err
	}
	t := b.table.Load()
	i, ok := t.lookup(addr & b.mask)
	if !ok {
		return Mapping{}, false, nil
	}
	return t.mappings[t.segments[i].mapping], true, nil
}

// InFlight reports whether an access is in progress on the bus.
func (r *Router) InFlight(busName string) bool {
	b, ok := r.buses[busName]
	return ok && b.inflight.Load() > 0
}

func (r *Router) begin(busName string, width int) (*busState, error) {
	b, err := r.bus(busName)
	if err != nil {
		return nil, err
	}
	if !b.allows(width) {
		return nil, errors.Wrapf(ErrInvalidWidth, "bus %q: width %d", busName, width)
	}
	b.inflight.Add(1)
	return b, nil
}

type op int

const (
	opRead op = iota
	opWrite
	opPreview
)

func (o op) String() string {
	switch o {
	case opRead:
		return "read"
	case opWrite:
		return "write"
	default:
		return "preview"
	}
}

// access performs one access as issued by a host, starting from the bus's
// last driven value.
func (r *Router) access(b *busState, addr uint64, buf []byte, o op, owner component.ID) (byte, bool, error) {
	return r.route(b, addr, buf, o, owner, b.last, false, 0)
}

// route masks the address and splits accesses wrapping around the top of
// the address space. depth counts the redirects that led here.
func (r *Router) route(b *busState, addr uint64, buf []byte, o op, owner component.ID, last byte, driven bool, depth int) (byte, bool, error) {
	addr &= b.mask
	room := b.mask - addr // bytes after addr before wrapping
	n := uint64(len(buf))
	if n-1 <= room {
		return r.dispatch(b, addr, buf, o, owner, last, driven, depth)
	}

	split := room + 1
	last, driven, err := r.dispatch(b, addr, buf[:split], o, owner, last, driven, depth)
	if err != nil {
		return last, driven, err
	}
	return r.dispatch(b, 0, buf[split:], o, owner, last, driven, depth)
}

// dispatch walks the segments covering [addr, addr+len(buf)) from low to
// high address, delivering one sub-access per mapping and filling or dropping
// unmapped bytes. It returns the last byte driven on the bus.
func (r *Router) dispatch(b *busState, addr uint64, buf []byte, o op, owner component.ID, last byte, driven bool, depth int) (byte, bool, error) {
	t := b.table.Load()
	pos := 0

	for pos < len(buf) {
		a := addr + uint64(pos)
		remaining := len(buf) - pos
		i, mapped := t.lookup(a)

		if !mapped {
			n := remaining
			if i < len(t.segments) {
				if gap := t.segments[i].start - a; gap < uint64(n) {
					n = int(gap)
				}
			}
			if owner != "" {
				return last, driven, errors.Wrapf(ErrIsolation, "bus %q: 0x%X unmapped", b.cfg.Name, a)
			}
			switch o {
			case opRead, opPreview:
				fill := b.cfg.Pattern
				if b.cfg.OpenBus == OpenBusLastDriven {
					fill = last
				}
				for k := pos; k < pos+n; k++ {
					buf[k] = fill
				}
			case opWrite:
				last, driven = buf[pos+n-1], true
			}
			pos += n
			continue
		}

		seg := t.segments[i]
		m := t.mappings[seg.mapping]
		if owner != "" && m.Target != owner {
			return last, driven, errors.Wrapf(ErrIsolation, "bus %q: 0x%X owned by %q", b.cfg.Name, a, m.Target)
		}

		n := remaining
		if pos > 0 || !m.Atomic {
			if span := seg.end - a; span < uint64(n-1) {
				n = int(span) + 1
			}
		}

		sub := buf[pos : pos+n]
		rd, err := r.deliver(b, m, m.Offset+(a-m.Start), sub, o)
		if err != nil {
			return last, driven, err
		}
		switch {
		case rd != nil:
			last, driven, err = r.redirect(b, m, rd, sub, o, owner, last, driven, depth)
			if err != nil {
				return last, driven, err
			}
		case o != opPreview:
			last, driven = sub[len(sub)-1], true
		}
		pos += n
	}

	return last, driven, nil
}

// redirect repeats the sub-access m's device forwarded to rd.Addr.
func (r *Router) redirect(b *busState, m Mapping, rd *Redirect, sub []byte, o op, owner component.ID, last byte, driven bool, depth int) (byte, bool, error) {
	to := rd.Addr & b.mask
	if m.covers(to) {
		return last, driven, component.Errorf(m.Target, o.String(), errors.Wrapf(ErrSelfRedirect, "bus %q: 0x%X", b.cfg.Name, to))
	}
	if depth >= MaxRedirects {
		return last, driven, component.Errorf(m.Target, o.String(), errors.Wrapf(ErrRedirectDepth, "bus %q: 0x%X", b.cfg.Name, to))
	}
	return r.route(b, to, sub, o, owner, last, driven, depth+1)
}

// deliver hands a sub-access to the mapping's device. A device asking for a
// redirect gets it returned instead of an error.
func (r *Router) deliver(b *busState, m Mapping, offset uint64, sub []byte, o op) (*Redirect, error) {
	dev, ok := r.devices[m.Target]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTarget, "%q", m.Target)
	}

	var err error
	switch o {
	case opRead:
		err = dev.ReadMemory(b.cfg.Name, offset, sub)
	case opWrite:
		err = dev.WriteMemory(b.cfg.Name, offset, sub)
	case opPreview:
		p, ok := dev.(component.Previewer)
		if !ok {
			fill := b.cfg.Pattern
			if b.cfg.OpenBus == OpenBusLastDriven {
				fill = b.last
			}
			for k := range sub {
				sub[k] = fill
			}
			return nil, nil
		}
		err = p.PreviewMemory(b.cfg.Name, offset, sub)
	}
	var rd *Redirect
	if errors.As(err, &rd) {
		return rd, nil
	}
	return nil, component.Errorf(m.Target, o.String(), err)
}
