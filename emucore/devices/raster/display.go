// Package raster implements a display that scans a window of video memory
// once per frame and publishes the result as a frame buffer.
//
// Video memory holds 2 bits per pixel, four pixels per byte with the
// leftmost pixel in the top bits, rows packed back to back. Pixel values go
// through the PALETTE register, two bits per value as in the DMG BGP
// register, to pick one of the four shades of fabric.Palette.
//
// Registers:
//
//	0x00 CTRL    bit 0 enable; a disabled display shows the lightest shade
//	0x01 PALETTE shade of value 3 in bits 7-6 down to value 0 in bits 1-0
package raster

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/bit"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/fabric"
)

const (
	RegCtrl    = 0x00
	RegPalette = 0x01

	// Size is the size of the register file.
	Size = 2

	// DefaultPalette maps every value to the shade of the same index.
	DefaultPalette = 0xE4
)

const kindFrame uint32 = 1

const stateSize = Size + 8 + 1 + 8

// Config describes the display geometry and where it finds its pixels.
type Config struct {
	Width, Height uint
	// Bus and Base locate the video memory window.
	Bus  string
	Base uint64
	// Period is the number of master ticks per frame.
	Period uint64
}

// Display renders frames from video memory. It is stepped only to schedule
// its first frame; frames are produced by events.
type Display struct {
	cfg       Config
	regs      [Size]byte
	frames    uint64
	armed     bool
	pending   component.EventID
	fb        *fabric.FrameBuffer
	line      []byte
	publisher *fabric.Writer[*fabric.FrameBuffer]
}

// Option configures a Display.
type Option func(*Display)

// WithPublisher publishes a copy of every completed frame.
func WithPublisher(w *fabric.Writer[*fabric.FrameBuffer]) Option {
	return func(d *Display) { d.publisher = w }
}

// New creates a display.
func New(cfg Config, opts ...Option) (*Display, error) {
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, errors.Errorf("invalid display size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Period == 0 {
		return nil, errors.New("display period must be positive")
	}
	d := &Display{
		cfg:  cfg,
		fb:   fabric.NewFrameBuffer(cfg.Width, cfg.Height),
		line: make([]byte, (cfg.Width*cfg.Height+3)/4),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.Reset()
	return d, nil
}

// Frames returns the number of frames rendered.
func (d *Display) Frames() uint64 {
	return d.frames
}

// Frame returns the frame being drawn. It must not be used concurrently
// with the machine advancing.
func (d *Display) Frame() *fabric.FrameBuffer {
	return d.fb
}

func (d *Display) Step(h component.Host, _ uint64) error {
	if d.armed {
		return nil
	}
	if err := d.schedule(h); err != nil {
		return err
	}
	d.armed = true
	return nil
}

func (d *Display) schedule(h component.Host) error {
	id, err := h.Schedule(h.Now()+d.cfg.Period, kindFrame, nil)
	if err != nil {
		return errors.Wrap(err, "schedule frame")
	}
	d.pending = id
	return nil
}

func (d *Display) HandleEvent(h component.Host, ev component.Event) error {
	if ev.Kind != kindFrame || ev.ID != d.pending {
		return nil
	}
	if err := d.render(h); err != nil {
		return err
	}
	d.frames++
	if d.publisher != nil {
		d.publisher.Publish(h.Now(), d.fb.Clone())
	}
	return d.schedule(h)
}

func (d *Display) render(h component.Host) error {
	if !bit.IsSet(0, d.regs[RegCtrl]) {
		for y := uint(0); y < d.cfg.Height; y++ {
			for x := uint(0); x < d.cfg.Width; x++ {
				d.fb.SetPixel(x, y, fabric.Palette[0])
			}
		}
		return nil
	}

	for i := range d.line {
		if err := h.Read(d.cfg.Bus, d.cfg.Base+uint64(i), d.line[i:i+1]); err != nil {
			return errors.Wrap(err, "read video memory")
		}
	}
	palette := d.regs[RegPalette]
	for y := uint(0); y < d.cfg.Height; y++ {
		for x := uint(0); x < d.cfg.Width; x++ {
			p := y*d.cfg.Width + x
			shift := uint8(6 - 2*(p%4))
			value := bit.Field(d.line[p/4], shift+1, shift)
			shade := bit.Field(palette, 2*value+1, 2*value)
			d.fb.SetPixel(x, y, fabric.Palette[shade])
		}
	}
	return nil
}

func (d *Display) ReadMemory(_ string, offset uint64, buf []byte) error {
	return d.PreviewMemory("", offset, buf)
}

func (d *Display) PreviewMemory(_ string, offset uint64, buf []byte) error {
	n := bit.Span(offset, len(buf), Size)
	if n > 0 {
		copy(buf, d.regs[offset:offset+uint64(n)])
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0xFF
	}
	return nil
}

func (d *Display) WriteMemory(_ string, offset uint64, data []byte) error {
	if n := bit.Span(offset, len(data), Size); n > 0 {
		copy(d.regs[offset:], data[:n])
	}
	return nil
}

func (d *Display) Reset() {
	d.regs = [Size]byte{0x01, DefaultPalette}
	d.frames = 0
	d.armed = false
	d.pending = 0
	for i := range d.fb.ToSlice() {
		d.fb.ToSlice()[i] = uint32(fabric.Palette[0])
	}
	if d.publisher != nil {
		d.publisher.Reset()
	}
}

func (d *Display) SaveState() ([]byte, error) {
	b := append(make([]byte, 0, stateSize), d.regs[:]...)
	b = binary.LittleEndian.AppendUint64(b, d.frames)
	if d.armed {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return binary.LittleEndian.AppendUint64(b, uint64(d.pending)), nil
}

func (d *Display) LoadState(state []byte) error {
	if len(state) != stateSize {
		return errors.Errorf("display state is %d bytes, want %d", len(state), stateSize)
	}
	copy(d.regs[:], state)
	d.frames = binary.LittleEndian.Uint64(state[Size:])
	d.armed = state[Size+8] != 0
	d.pending = component.EventID(binary.LittleEndian.Uint64(state[Size+9:]))
	return nil
}

func (d *Display) Registers() fabric.Registers {
	return fabric.Registers{
		{Name: "CTRL", Value: uint64(d.regs[RegCtrl]), Width: 1},
		{Name: "PALETTE", Value: uint64(d.regs[RegPalette]), Width: 1},
		{Name: "FRAMES", Value: d.frames, Width: 4},
	}
}
