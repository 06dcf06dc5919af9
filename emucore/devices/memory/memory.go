// Package memory provides plain storage devices: RAM with configurable
// access flags, ROM, and mirrors aliasing a window of the bus.
package memory

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/bus"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/fabric"
)

// RAM is a byte array mapped on one or more buses. It is never stepped and
// should be registered with clock.Unclocked.
type RAM struct {
	mu       sync.RWMutex
	data     []byte
	fill     byte
	preload  []preload
	readable bool
	writable bool
}

// Option configures a RAM.
type Option func(*RAM)

// WithFill sets the value every byte holds after creation and reset.
func WithFill(v byte) Option {
	return func(m *RAM) { m.fill = v }
}

type preload struct {
	offset int
	data   []byte
}

// WithContents preloads data at offset, after the fill. It may be given
// several times; later preloads overwrite earlier ones where they overlap.
// Bytes past the end of the memory are dropped.
func WithContents(offset int, data []byte) Option {
	return func(m *RAM) {
		m.preload = append(m.preload, preload{offset, append([]byte(nil), data...)})
	}
}

// WriteProtected makes writes fail with bus.ErrDenied.
func WriteProtected() Option {
	return func(m *RAM) { m.writable = false }
}

// Unreadable makes reads fail with bus.ErrDenied. Previews still work.
func Unreadable() Option {
	return func(m *RAM) { m.readable = false }
}

// NewRAM creates a RAM of size bytes.
func NewRAM(size int, opts ...Option) *RAM {
	m := &RAM{
		data:     make([]byte, size),
		readable: true,
		writable: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.Reset()
	return m
}

// Size returns the size in bytes.
func (m *RAM) Size() int {
	return len(m.data)
}

// Reset refills the memory with its initial contents.
func (m *RAM) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.data {
		m.data[i] = m.fill
	}
	for _, p := range m.preload {
		if p.offset >= 0 && p.offset < len(m.data) {
			copy(m.data[p.offset:], p.data)
		}
	}
}

func (m *RAM) Step(component.Host, uint64) error { return nil }

func (m *RAM) ReadMemory(busName string, offset uint64, buf []byte) error {
	if !m.readable {
		return errors.Wrapf(bus.ErrDenied, "read %s+0x%X", busName, offset)
	}
	return m.PreviewMemory(busName, offset, buf)
}

func (m *RAM) PreviewMemory(busName string, offset uint64, buf []byte) error {
	if err := check(busName, offset, len(buf), len(m.data)); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	copy(buf, m.data[offset:])
	return nil
}

func (m *RAM) WriteMemory(busName string, offset uint64, data []byte) error {
	if !m.writable {
		return errors.Wrapf(bus.ErrDenied, "write %s+0x%X", busName, offset)
	}
	if err := check(busName, offset, len(data), len(m.data)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[offset:], data)
	return nil
}

func (m *RAM) SaveState() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.data...), nil
}

func (m *RAM) LoadState(state []byte) error {
	if len(state) != len(m.data) {
		return errors.Errorf("ram state is %d bytes, want %d", len(state), len(m.data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data, state)
	return nil
}

func (m *RAM) Registers() fabric.Registers {
	var flags uint64
	if m.readable {
		flags |= 1
	}
	if m.writable {
		flags |= 2
	}
	return fabric.Registers{
		{Name: "SIZE", Value: uint64(len(m.data)), Width: 4},
		{Name: "FLAGS", Value: flags, Width: 1},
	}
}

// ROM is read-only memory. Writes are ignored unless the ROM is strict, in
// which case they fail with bus.ErrDenied.
type ROM struct {
	data   []byte
	strict bool
}

// NewROM creates a ROM holding a copy of data.
func NewROM(data []byte, strict bool) *ROM {
	return &ROM{data: append([]byte(nil), data...), strict: strict}
}

// Size returns the size in bytes.
func (r *ROM) Size() int {
	return len(r.data)
}

func (r *ROM) Step(component.Host, uint64) error { return nil }

func (r *ROM) ReadMemory(busName string, offset uint64, buf []byte) error {
	return r.PreviewMemory(busName, offset, buf)
}

func (r *ROM) PreviewMemory(busName string, offset uint64, buf []byte) error {
	if err := check(busName, offset, len(buf), len(r.data)); err != nil {
		return err
	}
	copy(buf, r.data[offset:])
	return nil
}

func (r *ROM) WriteMemory(busName string, offset uint64, data []byte) error {
	if r.strict {
		return errors.Wrapf(bus.ErrDenied, "write to rom at %s+0x%X", busName, offset)
	}
	return nil
}

// SaveState returns nothing: a ROM has no mutable state.
func (r *ROM) SaveState() ([]byte, error) { return nil, nil }

func (r *ROM) LoadState(state []byte) error {
	if len(state) != 0 {
		return errors.Errorf("rom state must be empty, got %d bytes", len(state))
	}
	return nil
}

func (r *ROM) Registers() fabric.Registers {
	return fabric.Registers{{Name: "SIZE", Value: uint64(len(r.data)), Width: 4}}
}

// check rejects accesses running past the end of the storage, which happens
// with mapping offsets or atomic ranges.
func check(busName string, offset uint64, n, size int) error {
	if offset > uint64(size) || uint64(n) > uint64(size)-offset {
		return errors.Wrapf(bus.ErrDenied, "%d bytes at %s+0x%X past end of %d byte memory", n, busName, offset, size)
	}
	return nil
}

// Mirror owns no storage. Every access it receives is redirected to the
// same offset, modulo Size, in a window starting at Target on the same bus.
// Accesses running past the end of the window continue linearly.
type Mirror struct {
	target uint64
	size   uint64
}

// NewMirror creates a mirror of the size byte window at target.
func NewMirror(target, size uint64) (*Mirror, error) {
	if size == 0 {
		return nil, errors.New("mirror window must not be empty")
	}
	return &Mirror{target: target, size: size}, nil
}

func (m *Mirror) redirect(offset uint64) error {
	return &bus.Redirect{Addr: m.target + offset%m.size}
}

func (m *Mirror) Step(component.Host, uint64) error { return nil }

func (m *Mirror) ReadMemory(_ string, offset uint64, _ []byte) error {
	return m.redirect(offset)
}

func (m *Mirror) PreviewMemory(_ string, offset uint64, _ []byte) error {
	return m.redirect(offset)
}

func (m *Mirror) WriteMemory(_ string, offset uint64, _ []byte) error {
	return m.redirect(offset)
}

// SaveState returns nothing: the mirrored memory holds the state.
func (m *Mirror) SaveState() ([]byte, error) { return nil, nil }

func (m *Mirror) LoadState(state []byte) error {
	if len(state) != 0 {
		return errors.Errorf("mirror state must be empty, got %d bytes", len(state))
	}
	return nil
}

func (m *Mirror) Registers() fabric.Registers {
	return fabric.Registers{
		{Name: "TARGET", Value: m.target, Width: 4},
		{Name: "SIZE", Value: m.size, Width: 4},
	}
}
