package topology

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valerio/go-emucore/emucore"
	"github.com/valerio/go-emucore/emucore/bus"
	"github.com/valerio/go-emucore/emucore/capability"
	"github.com/valerio/go-emucore/emucore/clock"
	"github.com/valerio/go-emucore/emucore/devices"
	"github.com/valerio/go-emucore/emucore/fabric"
	"github.com/valerio/go-emucore/emucore/graph"
)

func build(t *testing.T, src string) (*emucore.Machine, error) {
	t.Helper()
	topo, err := Load(strings.NewReader(src))
	if err != nil {
		return nil, err
	}
	m := emucore.New()
	return m, Build(m, topo, DefaultKinds(), "")
}

func TestDemoMachine(t *testing.T) {
	topo, err := LoadFile(filepath.Join("..", "..", "machines", "demo.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "demo", topo.Name)
	assert.Equal(t, uint64(1<<20), topo.MasterHz)

	m := emucore.New()
	require.NoError(t, Build(m, topo, DefaultKinds(), ""))
	assert.Len(t, m.Components(), len(topo.Components))

	_, err = m.Advance(40000, time.Time{})
	require.NoError(t, err)
	require.NoError(t, m.Fault())

	buf := make([]byte, 1)
	require.NoError(t, m.Read("main", 0x0000, buf))
	assert.Equal(t, byte(0xC3), buf[0])
	// timer and serial signals
	require.NoError(t, m.Read("main", 0xFF80, buf))
	assert.Equal(t, byte(0x08), buf[0])
	require.NoError(t, m.Read("main", 0xFF81, buf))
	assert.Equal(t, byte(0x04), buf[0])

	// echo RAM aliases work RAM
	require.NoError(t, m.Write("main", 0xE010, []byte{0x5A}))
	require.NoError(t, m.Read("main", 0xC010, buf))
	assert.Equal(t, byte(0x5A), buf[0])

	video, err := fabric.Lookup[*fabric.FrameBuffer](m.Fabric(), "video")
	require.NoError(t, err)
	frame, ok := video.Load()
	require.True(t, ok)
	assert.Equal(t, uint64(2), frame.Seq)
	assert.Equal(t, uint(160), frame.Value.Width())

	audio, err := fabric.Lookup[fabric.AudioBuffer](m.Fabric(), "audio")
	require.NoError(t, err)
	chunk, ok := audio.Load()
	require.True(t, ok)
	assert.Equal(t, 549, chunk.Value.Frames())

	h, ok := capability.As(m.Capabilities(), "timer", devices.RegistersTag)
	require.True(t, ok)
	insp, err := h.Get()
	require.NoError(t, err)
	period, _ := insp.Registers().Get("PERIOD")
	assert.Equal(t, uint64(1024), period)
}

func TestBusAndRanges(t *testing.T) {
	m, err := build(t, `
buses:
  - { name: main, address_bits: 16, open_bus: last-driven, pattern: 0x77 }
  - { name: io, address_bits: 8, widths: [1] }
components:
  - id: low
    kind: ram
    ranges: [{ bus: main, start: 0x1000, end: 0x10FF }]
    params: { contents: [1, 2, 3], contents_offset: 0x10 }
  - id: high
    kind: ram
    ranges: [{ bus: main, start: 0x1000, end: 0x100F, priority: 1, offset: 4 }]
    params: { size: 0x20, fill: 0xEE }
`)
	require.NoError(t, err)

	cfg, ok := m.Router().Config("main")
	require.True(t, ok)
	assert.Equal(t, bus.OpenBusLastDriven, cfg.OpenBus)
	assert.Equal(t, byte(0x77), cfg.Pattern)

	buf := make([]byte, 1)
	require.NoError(t, m.Read("main", 0x1000, buf))
	assert.Equal(t, byte(0xEE), buf[0])
	require.NoError(t, m.Read("main", 0x1002, buf))
	assert.Equal(t, byte(0xEE), buf[0])
	require.NoError(t, m.Read("main", 0x1010, buf))
	assert.Equal(t, byte(0x01), buf[0])
	require.NoError(t, m.Read("main", 0x1012, buf))
	assert.Equal(t, byte(0x03), buf[0])

	err = m.Read("io", 0, make([]byte, 2))
	assert.True(t, errors.Is(err, bus.ErrInvalidWidth))
}

func TestClockAndEdges(t *testing.T) {
	m, err := build(t, `
components:
  - { id: a, kind: script, clock: 3/6 }
  - { id: b, kind: script, clock: "2" }
  - { id: c, kind: script }
edges:
  - { from: b, to: a }
`)
	require.NoError(t, err)

	a, err := m.Registry().Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, clock.MustRatio(1, 2), a.Domain.Ratio())
	c, err := m.Registry().Lookup("c")
	require.NoError(t, err)
	assert.False(t, c.Domain.Active())
	assert.Equal(t, [][2]string{{"b", "a"}}, edgeNames(m))
}

func edgeNames(m *emucore.Machine) [][2]string {
	var out [][2]string
	for _, e := range m.Registry().Edges() {
		out = append(out, [2]string{string(e[0]), string(e[1])})
	}
	return out
}

func TestErrors(t *testing.T) {
	cases := map[string]struct {
		src  string
		want error
	}{
		"unknown field": {`
buses:
  - { name: main, address_bits: 16, bogus: 1 }
`, ErrInvalid},
		"unknown kind": {`
components:
  - { id: x, kind: cpu6502 }
`, ErrUnknownKind},
		"bad open bus": {`
buses:
  - { name: main, address_bits: 16, open_bus: floating }
`, ErrInvalid},
		"bad clock": {`
components:
  - { id: x, kind: script, clock: 1/0 }
`, clock.ErrInvalidRatio},
		"bad params": {`
components:
  - id: x
    kind: tone
    params: { sample_rate: lots }
`, ErrInvalid},
		"contents past end": {`
components:
  - { id: x, kind: ram, params: { size: 4, contents: [1, 2], contents_offset: 3 } }
`, ErrInvalid},
		"missing rom data": {`
components:
  - { id: x, kind: rom }
`, ErrInvalid},
		"cycle": {`
components:
  - { id: a, kind: script }
  - { id: b, kind: script }
edges:
  - { from: a, to: b }
  - { from: b, to: a }
`, graph.ErrCycleDetected},
		"overlap": {`
buses:
  - { name: main, address_bits: 16 }
components:
  - { id: a, kind: ram, ranges: [{ bus: main, start: 0, end: 0xFF }] }
  - { id: b, kind: ram, ranges: [{ bus: main, start: 0x80, end: 0x17F }] }
`, bus.ErrOverlappingOwnership},
		"duplicate slot": {`
components:
  - { id: a, kind: timer, params: { publish: regs } }
  - { id: b, kind: timer, params: { publish: regs } }
`, fabric.ErrDuplicateSlot},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := build(t, c.src)
			assert.True(t, errors.Is(err, c.want), "got %v", err)
		})
	}
}

func TestROMFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "boot.bin"), []byte{0xAB, 0xCD}, 0o644))
	topo, err := Load(strings.NewReader(`
buses:
  - { name: main, address_bits: 16 }
components:
  - id: boot
    kind: rom
    ranges: [{ bus: main, start: 0, end: 1 }]
    params: { file: boot.bin }
`))
	require.NoError(t, err)

	m := emucore.New()
	require.NoError(t, Build(m, topo, DefaultKinds(), dir))
	buf := make([]byte, 2)
	require.NoError(t, m.Read("main", 0, buf))
	assert.Equal(t, []byte{0xAB, 0xCD}, buf)

	m = emucore.New()
	assert.Error(t, Build(m, topo, DefaultKinds(), t.TempDir()))
}
