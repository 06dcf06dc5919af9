// Package timer implements a programmable alarm. Instead of counting every
// tick, the timer schedules an expiry event for the tick it is due and
// sleeps until then.
//
// Register file, little endian:
//
//	0x00 CTRL   bit 0 enable, bit 1 periodic, bit 2 signal on expiry
//	0x01 STATUS bit 0 expired; writing 1 clears
//	0x04 PERIOD u32, in master ticks
//	0x08 COUNT  u32, expirations so far
//
// Writes to CTRL or PERIOD re-arm the timer at its next step, relative to
// the tick that step starts at.
package timer

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/bit"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/fabric"
)

const (
	RegCtrl   = 0x00
	RegStatus = 0x01
	RegPeriod = 0x04
	RegCount  = 0x08

	// Size is the size of the register file.
	Size = 0x0C
)

// CTRL bits.
const (
	CtrlEnable   uint8 = 0
	CtrlPeriodic uint8 = 1
	CtrlSignal   uint8 = 2
)

const kindExpire uint32 = 1

const stateSize = Size + 4 + 8 + 1

// Timer is a memory-mapped alarm. It must be stepped to pick up register
// writes, so it needs an active clock.
type Timer struct {
	regs    [Size]byte
	epoch   uint32
	pending component.EventID
	dirty   bool

	signal    bool
	sigBus    string
	sigAddr   uint64
	sigValue  byte
	publisher *fabric.Writer[fabric.Registers]
}

// Option configures a Timer.
type Option func(*Timer)

// WithSignal makes the timer write value to addr on busName when it expires
// with the CTRL signal bit set.
func WithSignal(busName string, addr uint64, value byte) Option {
	return func(t *Timer) {
		t.signal = true
		t.sigBus = busName
		t.sigAddr = addr
		t.sigValue = value
	}
}

// WithPublisher publishes the registers after every expiry.
func WithPublisher(w *fabric.Writer[fabric.Registers]) Option {
	return func(t *Timer) { t.publisher = w }
}

// New creates a disabled timer.
func New(opts ...Option) *Timer {
	t := &Timer{}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Timer) ctrl() uint8    { return t.regs[RegCtrl] }
func (t *Timer) period() uint32 { return binary.LittleEndian.Uint32(t.regs[RegPeriod:]) }
func (t *Timer) count() uint32  { return binary.LittleEndian.Uint32(t.regs[RegCount:]) }

// Count returns the number of expirations.
func (t *Timer) Count() uint32 {
	return t.count()
}

func (t *Timer) Step(h component.Host, _ uint64) error {
	if !t.dirty {
		return nil
	}
	t.dirty = false
	if t.pending != 0 {
		h.Cancel(t.pending)
		t.pending = 0
	}
	t.epoch++
	if !bit.IsSet(CtrlEnable, t.ctrl()) || t.period() == 0 {
		return nil
	}
	return t.arm(h)
}

func (t *Timer) arm(h component.Host) error {
	data := binary.LittleEndian.AppendUint32(nil, t.epoch)
	id, err := h.Schedule(h.Now()+uint64(t.period()), kindExpire, data)
	if err != nil {
		return errors.Wrap(err, "arm timer")
	}
	t.pending = id
	return nil
}

func (t *Timer) HandleEvent(h component.Host, ev component.Event) error {
	if ev.Kind != kindExpire || len(ev.Data) != 4 || binary.LittleEndian.Uint32(ev.Data) != t.epoch {
		return nil
	}
	t.pending = 0
	binary.LittleEndian.PutUint32(t.regs[RegCount:], t.count()+1)
	t.regs[RegStatus] = bit.Set(0, t.regs[RegStatus])

	if t.signal && bit.IsSet(CtrlSignal, t.ctrl()) {
		if err := h.Write(t.sigBus, t.sigAddr, []byte{t.sigValue}); err != nil {
			return errors.Wrap(err, "timer signal")
		}
	}
	if bit.IsSet(CtrlPeriodic, t.ctrl()) && !t.dirty {
		if err := t.arm(h); err != nil {
			return err
		}
	}
	if t.publisher != nil {
		t.publisher.Publish(h.Now(), t.Registers())
	}
	return nil
}

func (t *Timer) ReadMemory(_ string, offset uint64, buf []byte) error {
	return t.PreviewMemory("", offset, buf)
}

func (t *Timer) PreviewMemory(_ string, offset uint64, buf []byte) error {
	n := bit.Span(offset, len(buf), Size)
	if n > 0 {
		copy(buf, t.regs[offset:offset+uint64(n)])
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0xFF
	}
	return nil
}

func (t *Timer) WriteMemory(_ string, offset uint64, data []byte) error {
	n := bit.Span(offset, len(data), Size)
	for i, v := range data[:n] {
		off := offset + uint64(i)
		switch {
		case off == RegStatus:
			t.regs[off] &^= v
		case off == RegCtrl, off >= RegPeriod && off < RegCount:
			t.regs[off] = v
			t.dirty = true
		default:
			t.regs[off] = v
		}
	}
	return nil
}

// Reset disables the timer and clears its registers.
func (t *Timer) Reset() {
	*t = Timer{
		signal:    t.signal,
		sigBus:    t.sigBus,
		sigAddr:   t.sigAddr,
		sigValue:  t.sigValue,
		publisher: t.publisher,
	}
	if t.publisher != nil {
		t.publisher.Reset()
	}
}

func (t *Timer) SaveState() ([]byte, error) {
	b := append(make([]byte, 0, stateSize), t.regs[:]...)
	b = binary.LittleEndian.AppendUint32(b, t.epoch)
	b = binary.LittleEndian.AppendUint64(b, uint64(t.pending))
	if t.dirty {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return b, nil
}

func (t *Timer) LoadState(state []byte) error {
	if len(state) != stateSize {
		return errors.Errorf("timer state is %d bytes, want %d", len(state), stateSize)
	}
	copy(t.regs[:], state)
	t.epoch = binary.LittleEndian.Uint32(state[Size:])
	t.pending = component.EventID(binary.LittleEndian.Uint64(state[Size+4:]))
	t.dirty = state[Size+12] != 0
	return nil
}

func (t *Timer) Registers() fabric.Registers {
	return fabric.Registers{
		{Name: "CTRL", Value: uint64(t.regs[RegCtrl]), Width: 1},
		{Name: "STATUS", Value: uint64(t.regs[RegStatus]), Width: 1},
		{Name: "PERIOD", Value: uint64(t.period()), Width: 4},
		{Name: "COUNT", Value: uint64(t.count()), Width: 4},
	}
}
