// Package tone implements a square wave generator. The generator is clocked
// at its sample rate: every local tick produces one mono sample. Samples are
// published to the fabric in fixed size chunks.
//
// Register file, little endian:
//
//	0x00 FREQ   u16, in Hz
//	0x02 VOLUME u8, 0 to 127
//	0x03 CTRL   bit 0 enable
package tone

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/bit"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/fabric"
)

const (
	RegFreq   = 0x00
	RegVolume = 0x02
	RegCtrl   = 0x03

	// Size is the size of the register file.
	Size = 4

	DefaultChunk = 512
)

const headerSize = Size + 4 + 1 + 4

// Generator produces a square wave. It never accesses the bus while
// stepping, so it can be stepped in parallel.
type Generator struct {
	regs  [Size]byte
	acc   uint32
	high  bool
	chunk []int16

	sampleRate int
	chunkSize  int
	publisher  *fabric.Writer[fabric.AudioBuffer]
}

// Option configures a Generator.
type Option func(*Generator)

// WithChunk sets the number of samples per published chunk.
func WithChunk(n int) Option {
	return func(g *Generator) { g.chunkSize = n }
}

// WithPublisher publishes every completed chunk.
func WithPublisher(w *fabric.Writer[fabric.AudioBuffer]) Option {
	return func(g *Generator) { g.publisher = w }
}

// New creates a silent generator producing sampleRate samples per second.
func New(sampleRate int, opts ...Option) *Generator {
	g := &Generator{sampleRate: sampleRate, chunkSize: DefaultChunk}
	for _, opt := range opts {
		opt(g)
	}
	if g.chunkSize <= 0 {
		g.chunkSize = DefaultChunk
	}
	g.Reset()
	return g
}

// SampleRate returns the number of samples per second.
func (g *Generator) SampleRate() int {
	return g.sampleRate
}

func (g *Generator) freq() uint32 { return uint32(binary.LittleEndian.Uint16(g.regs[RegFreq:])) }

func (g *Generator) amplitude() int16 {
	return int16(g.regs[RegVolume]&0x7F) << 8
}

func (g *Generator) Step(h component.Host, ticks uint64) error {
	enabled := bit.IsSet(0, g.regs[RegCtrl])
	amp := g.amplitude()
	for i := uint64(0); i < ticks; i++ {
		var s int16
		if enabled {
			s = -amp
			if g.high {
				s = amp
			}
			g.acc += 2 * g.freq()
			for g.sampleRate > 0 && g.acc >= uint32(g.sampleRate) {
				g.acc -= uint32(g.sampleRate)
				g.high = !g.high
			}
		}
		g.chunk = append(g.chunk, s)
		if len(g.chunk) == g.chunkSize {
			g.flush(h.Now())
		}
	}
	return nil
}

func (g *Generator) flush(tick uint64) {
	if g.publisher != nil {
		g.publisher.Publish(tick, fabric.AudioBuffer{
			SampleRate: g.sampleRate,
			Channels:   1,
			Samples:    g.chunk,
		})
	}
	g.chunk = make([]int16, 0, g.chunkSize)
}

func (g *Generator) ReadMemory(_ string, offset uint64, buf []byte) error {
	return g.PreviewMemory("", offset, buf)
}

func (g *Generator) PreviewMemory(_ string, offset uint64, buf []byte) error {
	n := bit.Span(offset, len(buf), Size)
	if n > 0 {
		copy(buf, g.regs[offset:offset+uint64(n)])
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0xFF
	}
	return nil
}

func (g *Generator) WriteMemory(_ string, offset uint64, data []byte) error {
	if n := bit.Span(offset, len(data), Size); n > 0 {
		copy(g.regs[offset:], data[:n])
	}
	return nil
}

func (g *Generator) Reset() {
	g.regs = [Size]byte{}
	g.acc = 0
	g.high = true
	g.chunk = make([]int16, 0, g.chunkSize)
	if g.publisher != nil {
		g.publisher.Reset()
	}
}

func (g *Generator) SaveState() ([]byte, error) {
	b := append(make([]byte, 0, headerSize+2*len(g.chunk)), g.regs[:]...)
	b = binary.LittleEndian.AppendUint32(b, g.acc)
	if g.high {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(len(g.chunk)))
	for _, s := range g.chunk {
		b = binary.LittleEndian.AppendUint16(b, uint16(s))
	}
	return b, nil
}

func (g *Generator) LoadState(state []byte) error {
	if len(state) < headerSize {
		return errors.Errorf("tone state is %d bytes", len(state))
	}
	n := int(binary.LittleEndian.Uint32(state[Size+5:]))
	if n >= g.chunkSize || len(state) != headerSize+2*n {
		return errors.Errorf("tone state holds %d buffered samples in %d bytes", n, len(state))
	}
	copy(g.regs[:], state)
	g.acc = binary.LittleEndian.Uint32(state[Size:])
	g.high = state[Size+4] != 0
	g.chunk = make([]int16, n, g.chunkSize)
	for i := range g.chunk {
		g.chunk[i] = int16(binary.LittleEndian.Uint16(state[headerSize+2*i:]))
	}
	return nil
}

func (g *Generator) Registers() fabric.Registers {
	return fabric.Registers{
		{Name: "FREQ", Value: uint64(g.freq()), Width: 2},
		{Name: "VOLUME", Value: uint64(g.regs[RegVolume]), Width: 1},
		{Name: "CTRL", Value: uint64(g.regs[RegCtrl]), Width: 1},
	}
}
