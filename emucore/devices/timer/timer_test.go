package timer

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valerio/go-emucore/emucore"
	"github.com/valerio/go-emucore/emucore/bus"
	"github.com/valerio/go-emucore/emucore/clock"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/devices/memory"
	"github.com/valerio/go-emucore/emucore/fabric"
	"github.com/valerio/go-emucore/emucore/registry"
)

const (
	timerBase = 0xFF00
	irqAddr   = 0xC000
)

func newMachine(t *testing.T, opts ...Option) (*emucore.Machine, *Timer) {
	t.Helper()
	m := emucore.New()
	require.NoError(t, m.AddBus(bus.Config{Name: "main", AddressBits: 16, Pattern: 0xFF}))

	tm := New(append([]Option{WithSignal("main", irqAddr, 0x01)}, opts...)...)
	require.NoError(t, m.Register(registry.Descriptor{
		ID: "wram", Component: memory.NewRAM(0x100), Clock: clock.Unclocked,
		Ranges: []component.Range{{Bus: "main", Start: 0xC000, End: 0xC0FF}},
	}))
	require.NoError(t, m.Register(registry.Descriptor{
		ID: "timer", Component: tm, Clock: clock.MustRatio(1, 1),
		Ranges: []component.Range{{Bus: "main", Start: timerBase, End: timerBase + Size - 1}},
	}))
	return m, tm
}

func program(t *testing.T, m *emucore.Machine, period uint32, ctrl byte) {
	t.Helper()
	require.NoError(t, m.Write("main", timerBase+RegPeriod, binary.LittleEndian.AppendUint32(nil, period)))
	require.NoError(t, m.Write("main", timerBase+RegCtrl, []byte{ctrl}))
}

func advance(t *testing.T, m *emucore.Machine, ticks uint64) {
	t.Helper()
	_, err := m.Advance(ticks, time.Time{})
	require.NoError(t, err)
}

func readByte(t *testing.T, m *emucore.Machine, addr uint64) byte {
	t.Helper()
	buf := make([]byte, 1)
	require.NoError(t, m.Read("main", addr, buf))
	return buf[0]
}

func TestPeriodic(t *testing.T) {
	m, tm := newMachine(t)
	program(t, m, 10, 0x07)

	advance(t, m, 35)
	assert.Equal(t, uint32(3), tm.Count())
	assert.Equal(t, byte(0x01), readByte(t, m, irqAddr))
	assert.Equal(t, byte(0x01), readByte(t, m, timerBase+RegStatus))

	pending := m.Scheduler().Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(40), pending[0].Tick)
}

func TestOneShot(t *testing.T) {
	m, tm := newMachine(t)
	program(t, m, 10, 0x01)

	advance(t, m, 100)
	assert.Equal(t, uint32(1), tm.Count())
	assert.Empty(t, m.Scheduler().Pending())
	// signal bit was clear
	assert.Equal(t, byte(0x00), readByte(t, m, irqAddr))
}

func TestStatusWriteOneClears(t *testing.T) {
	m, _ := newMachine(t)
	program(t, m, 5, 0x01)
	advance(t, m, 10)
	require.Equal(t, byte(0x01), readByte(t, m, timerBase+RegStatus))

	require.NoError(t, m.Write("main", timerBase+RegStatus, []byte{0x01}))
	assert.Equal(t, byte(0x00), readByte(t, m, timerBase+RegStatus))
}

func TestRearmCancelsPending(t *testing.T) {
	m, tm := newMachine(t)
	program(t, m, 10, 0x03)
	advance(t, m, 5)
	require.Len(t, m.Scheduler().Pending(), 1)

	require.NoError(t, m.Write("main", timerBase+RegPeriod, binary.LittleEndian.AppendUint32(nil, 100)))
	advance(t, m, 50)
	assert.Equal(t, uint32(0), tm.Count())

	pending := m.Scheduler().Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(105), pending[0].Tick)
}

func TestDisableCancels(t *testing.T) {
	m, tm := newMachine(t)
	program(t, m, 10, 0x03)
	advance(t, m, 5)

	require.NoError(t, m.Write("main", timerBase+RegCtrl, []byte{0x00}))
	advance(t, m, 50)
	assert.Equal(t, uint32(0), tm.Count())
	assert.Empty(t, m.Scheduler().Pending())
}

func TestSnapshotRoundTrip(t *testing.T) {
	m, tm := newMachine(t)
	program(t, m, 7, 0x07)
	advance(t, m, 15)
	blob, err := m.Capture()
	require.NoError(t, err)

	advance(t, m, 30)
	want, err := m.Capture()
	require.NoError(t, err)
	wantCount := tm.Count()

	require.NoError(t, m.Restore(blob))
	assert.Equal(t, uint32(2), tm.Count())
	advance(t, m, 30)
	got, err := m.Capture()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, wantCount, tm.Count())
}

func TestPublishesRegisters(t *testing.T) {
	slot := fabric.NewSlot[fabric.Registers]("timer")
	w, err := slot.Writer()
	require.NoError(t, err)

	m, _ := newMachine(t, WithPublisher(w))
	program(t, m, 4, 0x03)
	advance(t, m, 9)

	pub, ok := slot.Load()
	require.True(t, ok)
	assert.Equal(t, uint64(8), pub.Tick)
	assert.Equal(t, uint64(2), pub.Seq)
	count, _ := pub.Value.Get("COUNT")
	assert.Equal(t, uint64(2), count)
}

func TestReset(t *testing.T) {
	m, tm := newMachine(t)
	program(t, m, 3, 0x03)
	advance(t, m, 10)
	require.NotZero(t, tm.Count())

	require.NoError(t, m.Reset())
	assert.Equal(t, uint32(0), tm.Count())
	assert.Equal(t, uint64(0), m.Now())
	assert.Empty(t, m.Scheduler().Pending())
	advance(t, m, 10)
	assert.Equal(t, uint32(0), tm.Count())
}

func TestRegisterFileBounds(t *testing.T) {
	tm := New()
	buf := make([]byte, 4)
	require.NoError(t, tm.PreviewMemory("main", Size-2, buf))
	assert.Equal(t, []byte{0, 0, 0xFF, 0xFF}, buf)
	require.NoError(t, tm.PreviewMemory("main", Size+10, buf))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, buf)

	require.NoError(t, tm.WriteMemory("main", RegCount, []byte{1, 0, 0, 0, 9, 9}))
	assert.Equal(t, uint32(1), tm.Count())
	assert.Equal(t, "CTRL=0x00 STATUS=0x00 PERIOD=0x00000000 COUNT=0x00000001", tm.Registers().String())
}
