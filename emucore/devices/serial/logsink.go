// Package serial implements a serial port that logs outgoing bytes as text.
// Handy for test programs that report through the serial port.
//
// The port has two registers: SB (offset 0), the data byte, and SC
// (offset 1), the control byte. Writing SC with bits 7 (start) and 0
// (internal clock) set starts a transfer of SB.
package serial

import (
	"encoding/binary"
	"log/slog"
	"math"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/bit"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/fabric"
)

const (
	RegSB = 0x00
	RegSC = 0x01

	// Size is the size of the register file.
	Size = 2

	// DefaultTransferTicks is the length of a transfer with fixed timing,
	// 4096 cycles per byte as on the DMG.
	DefaultTransferTicks = 4096
)

const kindComplete uint32 = 1

const (
	flagActive = 1 << iota
	flagArm
	flagSignal
)

// LogSink is a memory-mapped serial port without a peer. Received bytes are
// always defaultRX.
type LogSink struct {
	sb, sc  byte
	flags   byte
	pending component.EventID
	logger  *slog.Logger

	// settings
	immediate bool
	ticks     uint64
	defaultRX byte
	signal    bool
	sigBus    string
	sigAddr   uint64
	sigValue  byte

	// line buffer for readable output
	line   []byte
	output []string
}

type LogSinkOption func(*LogSink)

// WithFixedTiming completes transfers ticks master ticks after they start
// instead of immediately.
func WithFixedTiming(ticks uint64) LogSinkOption {
	return func(s *LogSink) {
		s.immediate = false
		s.ticks = ticks
	}
}

// WithSignal makes the port write value to addr on busName when a transfer
// completes, to request the serial interrupt.
func WithSignal(busName string, addr uint64, value byte) LogSinkOption {
	return func(s *LogSink) {
		s.signal = true
		s.sigBus = busName
		s.sigAddr = addr
		s.sigValue = value
	}
}

// WithLogger sets the logger lines are written to.
func WithLogger(l *slog.Logger) LogSinkOption { return func(s *LogSink) { s.logger = l } }

// NewLogSink creates a new logging serial port.
func NewLogSink(opts ...LogSinkOption) *LogSink {
	s := &LogSink{
		immediate: true,
		ticks:     DefaultTransferTicks,
		defaultRX: 0xFF,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ticks == 0 {
		s.ticks = 1
	}
	s.Reset()
	return s
}

// Output returns the lines logged so far.
func (s *LogSink) Output() []string {
	return append([]string(nil), s.output...)
}

func (s *LogSink) ReadMemory(_ string, offset uint64, buf []byte) error {
	return s.PreviewMemory("", offset, buf)
}

func (s *LogSink) PreviewMemory(_ string, offset uint64, buf []byte) error {
	for i := range buf {
		switch offset + uint64(i) {
		case RegSB:
			buf[i] = s.sb
		case RegSC:
			buf[i] = s.sc
		default:
			buf[i] = 0xFF
		}
	}
	return nil
}

func (s *LogSink) WriteMemory(_ string, offset uint64, data []byte) error {
	for i, v := range data {
		switch offset + uint64(i) {
		case RegSB:
			s.sb = v
		case RegSC:
			s.sc = v
			s.maybeStartTransfer()
		}
	}
	return nil
}

// Step arms the completion event of a transfer started by a bus write and
// raises the signal of transfers that completed immediately.
func (s *LogSink) Step(h component.Host, _ uint64) error {
	if s.flags&flagArm != 0 {
		s.flags &^= flagArm
		id, err := h.Schedule(h.Now()+s.ticks, kindComplete, nil)
		if err != nil {
			return errors.Wrap(err, "serial transfer")
		}
		s.pending = id
	}
	if s.flags&flagSignal != 0 {
		s.flags &^= flagSignal
		return s.raise(h)
	}
	return nil
}

func (s *LogSink) HandleEvent(h component.Host, ev component.Event) error {
	if ev.Kind != kindComplete || ev.ID != s.pending {
		return nil
	}
	s.pending = 0
	s.completeTransfer()
	s.flags &^= flagSignal
	return s.raise(h)
}

func (s *LogSink) raise(h component.Host) error {
	if !s.signal {
		return nil
	}
	return errors.Wrap(h.Write(s.sigBus, s.sigAddr, []byte{s.sigValue}), "serial signal")
}

func (s *LogSink) Reset() {
	s.sb = 0x00
	s.sc = 0x00
	s.flags = 0
	s.pending = 0
	s.line = s.line[:0]
}

func (s *LogSink) maybeStartTransfer() {
	if s.flags&flagActive != 0 {
		return
	}
	// a transfer starts when bit 7 (start) and bit 0 (clock source) of SC are set.
	if !bit.IsSet(7, s.sc) || !bit.IsSet(0, s.sc) {
		return
	}

	// log the outgoing byte as text; buffer until newline for readability
	b := s.sb
	if b == 0 || b == '\n' || b == '\r' {
		if len(s.line) > 0 {
			s.logger.Info("serial", "line", string(s.line))
			s.output = append(s.output, string(s.line))
			s.line = s.line[:0]
		}
	} else {
		s.line = append(s.line, b)
	}

	if s.immediate {
		s.completeTransfer()
		return
	}
	s.flags |= flagActive | flagArm
}

func (s *LogSink) completeTransfer() {
	s.sb = s.defaultRX
	// clear start bit to indicate completion
	s.sc = bit.Clear(7, s.sc)
	s.flags &^= flagActive
	s.flags |= flagSignal
}

func (s *LogSink) SaveState() ([]byte, error) {
	if len(s.line) > math.MaxUint16 {
		return nil, errors.Errorf("serial line buffer of %d bytes too long", len(s.line))
	}
	b := []byte{s.sb, s.sc, s.flags}
	b = binary.LittleEndian.AppendUint64(b, uint64(s.pending))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s.line)))
	return append(b, s.line...), nil
}

func (s *LogSink) LoadState(state []byte) error {
	if len(state) < 13 {
		return errors.Errorf("serial state is %d bytes", len(state))
	}
	n := int(binary.LittleEndian.Uint16(state[11:]))
	if len(state) != 13+n {
		return errors.Errorf("serial state is %d bytes, want %d", len(state), 13+n)
	}
	s.sb, s.sc, s.flags = state[0], state[1], state[2]
	s.pending = component.EventID(binary.LittleEndian.Uint64(state[3:]))
	s.line = append(s.line[:0], state[13:]...)
	return nil
}

func (s *LogSink) Registers() fabric.Registers {
	return fabric.Registers{
		{Name: "SB", Value: uint64(s.sb), Width: 1},
		{Name: "SC", Value: uint64(s.sc), Width: 1},
	}
}
