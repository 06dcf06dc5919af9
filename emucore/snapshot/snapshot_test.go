package snapshot

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valerio/go-emucore/emucore/bus"
	"github.com/valerio/go-emucore/emucore/capability"
	"github.com/valerio/go-emucore/emucore/clock"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/registry"
	"github.com/valerio/go-emucore/emucore/scheduler"
)

// ram is a plain memory device.
type ram struct {
	data [0x100]byte
}

func (m *ram) Step(component.Host, uint64) error { return nil }
func (m *ram) SaveState() ([]byte, error)        { return append([]byte(nil), m.data[:]...), nil }

func (m *ram) LoadState(b []byte) error {
	if len(b) != len(m.data) {
		return errors.Errorf("bad ram state (%d bytes)", len(b))
	}
	copy(m.data[:], b)
	return nil
}

func (m *ram) ReadMemory(_ string, off uint64, buf []byte) error {
	copy(buf, m.data[off:])
	return nil
}

func (m *ram) WriteMemory(_ string, off uint64, data []byte) error {
	copy(m.data[off:], data)
	return nil
}

// testWriter walks a pointer through ram and keeps a periodic event going that
// carries open bus values in its payload.
type testWriter struct {
	ptr     uint64
	value   byte
	capture func() error
}

func (w *testWriter) Step(h component.Host, ticks uint64) error {
	if w.capture != nil {
		return w.capture()
	}
	for i := uint64(0); i < ticks; i++ {
		w.value = w.value*31 + 7
		if err := h.Write("main", 0x1000+w.ptr, []byte{w.value}); err != nil {
			return err
		}
		w.ptr = (w.ptr + 1) % 0x100
	}
	if h.Now() == 0 {
		_, err := h.Schedule(17, 0, nil)
		return err
	}
	return nil
}

func (w *testWriter) HandleEvent(h component.Host, ev component.Event) error {
	// read open bus above the ram to move the last driven value
	buf := make([]byte, 2)
	if err := h.Read("main", 0x10FF, buf); err != nil {
		return err
	}
	_, err := h.Schedule(h.Now()+17, ev.Kind+1, buf)
	return err
}

func (w *testWriter) SaveState() ([]byte, error) {
	b := binary.LittleEndian.AppendUint64(nil, w.ptr)
	return append(b, w.value), nil
}

func (w *testWriter) LoadState(b []byte) error {
	if len(b) != 9 {
		return errors.New("bad writer state")
	}
	w.ptr = binary.LittleEndian.Uint64(b)
	w.value = b[8]
	return nil
}

type machine struct {
	reg    *registry.Registry
	sched  *scheduler.Scheduler
	engine *Engine
	ram    *ram
	writer *testWriter
}

func newMachine(t *testing.T, extra ...registry.Descriptor) *machine {
	t.Helper()
	router := bus.NewRouter()
	require.NoError(t, router.AddBus(bus.Config{Name: "main", AddressBits: 16, OpenBus: bus.OpenBusLastDriven}))
	require.NoError(t, router.AddBus(bus.Config{Name: "io", AddressBits: 8, Pattern: 0xFF}))
	reg := registry.New(router, capability.NewDirectory())
	sched := scheduler.New(reg)

	m := &machine{reg: reg, sched: sched, engine: New(reg, sched), ram: &ram{}, writer: &testWriter{}}
	_, err := reg.Register(registry.Descriptor{
		ID: "ram", Component: m.ram, Clock: clock.Unclocked,
		Ranges: []component.Range{{Bus: "main", Start: 0x1000, End: 0x10FF}},
	})
	require.NoError(t, err)
	_, err = reg.Register(registry.Descriptor{ID: "writer", Component: m.writer, Clock: clock.MustRatio(3, 2)})
	require.NoError(t, err)
	for _, d := range extra {
		_, err = reg.Register(d)
		require.NoError(t, err)
	}
	return m
}

func (m *machine) advance(t *testing.T, ticks uint64) {
	t.Helper()
	_, err := m.sched.Advance(ticks, time.Time{})
	require.NoError(t, err)
}

func TestRoundTrip(t *testing.T) {
	m := newMachine(t)
	m.advance(t, 100)
	blob, err := m.engine.Capture()
	require.NoError(t, err)

	m.advance(t, 250)
	want, err := m.engine.Capture()
	require.NoError(t, err)
	wantRAM := m.ram.data

	// same machine, rewound
	require.NoError(t, m.engine.Restore(blob))
	assert.Equal(t, uint64(100), m.sched.Now())
	m.advance(t, 250)
	got, err := m.engine.Capture()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, wantRAM, m.ram.data)

	// fresh machine with the same topology
	n := newMachine(t)
	require.NoError(t, n.engine.Restore(blob))
	n.advance(t, 250)
	got, err = n.engine.Capture()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCaptureIsDeterministic(t *testing.T) {
	a, b := newMachine(t), newMachine(t)
	a.advance(t, 333)
	for _, chunk := range []uint64{1, 32, 300} {
		b.advance(t, chunk)
	}
	ba, err := a.engine.Capture()
	require.NoError(t, err)
	bb, err := b.engine.Capture()
	require.NoError(t, err)
	assert.Equal(t, ba, bb)
}

func TestRestoreKeepsMappingsAndOpenBus(t *testing.T) {
	m := newMachine(t)
	require.NoError(t, m.reg.Router().Write("main", 0x8000, []byte{0x5A}))
	blob, err := m.engine.Capture()
	require.NoError(t, err)

	require.NoError(t, m.reg.Router().Remap("main", "ram", []bus.Mapping{{Start: 0x2000, End: 0x20FF}}))
	require.NoError(t, m.reg.Router().Write("main", 0x8000, []byte{0x11}))

	require.NoError(t, m.engine.Restore(blob))
	last, err := m.reg.Router().LastDriven("main")
	require.NoError(t, err)
	assert.Equal(t, byte(0x5A), last)
	mp, ok, err := m.reg.Router().Resolve("main", 0x1000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, component.ID("ram"), mp.Target)
}

func TestVersionMismatch(t *testing.T) {
	m := newMachine(t)
	blob, err := m.engine.Capture()
	require.NoError(t, err)

	for _, v := range []uint16{Version - 1, Version + 1} {
		old := append([]byte(nil), blob...)
		binary.LittleEndian.PutUint16(old[len(Magic):], v)
		err := m.engine.Restore(old)
		assert.True(t, errors.Is(err, ErrVersionMismatch), "version %d", v)
	}
}

func TestStructuralMismatch(t *testing.T) {
	m := newMachine(t)
	m.advance(t, 10)
	blob, err := m.engine.Capture()
	require.NoError(t, err)

	other := newMachine(t, registry.Descriptor{ID: "extra", Component: &ram{}, Clock: clock.Unclocked})
	cases := map[string]struct {
		target *machine
		blob   []byte
	}{
		"bad magic":      {m, append([]byte("NOPE"), blob[4:]...)},
		"truncated":      {m, blob[:len(blob)-3]},
		"trailing bytes": {m, append(append([]byte(nil), blob...), 0)},
		"empty":          {m, nil},
		"other topology": {other, blob},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			err := c.target.engine.Restore(c.blob)
			assert.True(t, errors.Is(err, ErrStructuralMismatch), "got %v", err)
		})
	}
}

func TestUnknownMappingTargetIsStructural(t *testing.T) {
	m := newMachine(t)
	img, err := m.engine.Image()
	require.NoError(t, err)
	img.Mappings = append(img.Mappings, bus.Mapping{Bus: "io", Start: 0, End: 1, Target: "ghost"})
	blob, err := Encode(img)
	require.NoError(t, err)

	err = m.engine.Restore(blob)
	assert.True(t, errors.Is(err, ErrStructuralMismatch))
}

func TestComponentStateErrorRollsBack(t *testing.T) {
	m := newMachine(t)
	m.advance(t, 50)
	blob, err := m.engine.Capture()
	require.NoError(t, err)

	m.advance(t, 50)
	before, err := m.engine.Capture()
	require.NoError(t, err)

	// corrupt the writer state (second component) so that ram loads first
	img, err := Decode(blob)
	require.NoError(t, err)
	img.Components[1].State = []byte{1, 2, 3}
	bad, err := Encode(img)
	require.NoError(t, err)

	err = m.engine.Restore(bad)
	var serr *ComponentStateError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, component.ID("writer"), serr.ID)

	after, err := m.engine.Capture()
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed restore leaves the machine unchanged")
}

func TestRestoreClearsFault(t *testing.T) {
	m := newMachine(t)
	blob, err := m.engine.Capture()
	require.NoError(t, err)

	m.writer.capture = func() error { return errors.New("boom") }
	_, err = m.sched.Advance(1, time.Time{})
	require.Error(t, err)
	m.writer.capture = nil

	require.NoError(t, m.engine.Restore(blob))
	assert.NoError(t, m.sched.Fault())
	m.advance(t, 1)
}

func TestCaptureDuringRound(t *testing.T) {
	m := newMachine(t)
	var captureErr error
	m.writer.capture = func() error {
		_, captureErr = m.engine.Capture()
		return nil
	}
	m.advance(t, 1)
	assert.True(t, errors.Is(captureErr, ErrNotIdle))
	assert.Equal(t, scheduler.Idle, m.sched.State())
}

func TestDecode(t *testing.T) {
	m := newMachine(t)
	m.advance(t, 20)
	img, err := m.engine.Image()
	require.NoError(t, err)
	blob, err := Encode(img)
	require.NoError(t, err)

	dec, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, img, dec)
	assert.Equal(t, []BusState{{Name: "main", LastDriven: dec.Buses[0].LastDriven}, {Name: "io", LastDriven: 0xFF}}, dec.Buses)
	require.Len(t, dec.Components, 2)
	assert.Equal(t, component.ID("ram"), dec.Components[0].ID)
	assert.Equal(t, uint64(20), dec.Scheduler.Master)
}
