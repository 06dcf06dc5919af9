package topology

import (
	"os"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/capability"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/devices"
	"github.com/valerio/go-emucore/emucore/devices/memory"
	"github.com/valerio/go-emucore/emucore/devices/raster"
	"github.com/valerio/go-emucore/emucore/devices/script"
	"github.com/valerio/go-emucore/emucore/devices/serial"
	"github.com/valerio/go-emucore/emucore/devices/timer"
	"github.com/valerio/go-emucore/emucore/devices/tone"
	"github.com/valerio/go-emucore/emucore/fabric"
)

// Built is a component produced by a factory.
type Built struct {
	Component    component.Component
	Capabilities []capability.Binding
}

// Factory builds a component of one kind from its description.
type Factory func(env *Env, spec ComponentSpec) (Built, error)

// Kinds maps kind names to factories.
type Kinds map[string]Factory

// DefaultKinds returns the factories of the reference devices.
func DefaultKinds() Kinds {
	return Kinds{
		"ram":     buildRAM,
		"rom":     buildROM,
		"mirror":  buildMirror,
		"timer":   buildTimer,
		"serial":  buildSerial,
		"tone":    buildTone,
		"display": buildDisplay,
		"script":  buildScript,
	}
}

type inspectable interface {
	component.Component
	devices.Inspector
}

func inspected(c inspectable) Built {
	return Built{Component: c, Capabilities: []capability.Binding{devices.Inspect(c)}}
}

// SignalSpec is a byte written to a bus address, to raise an interrupt.
type SignalSpec struct {
	Bus   string `yaml:"bus"`
	Addr  uint64 `yaml:"addr"`
	Value uint8  `yaml:"value"`
}

func buildRAM(_ *Env, spec ComponentSpec) (Built, error) {
	var p struct {
		Size       int    `yaml:"size"`
		Fill       uint8  `yaml:"fill"`
		Contents   []byte `yaml:"contents"`
		Offset     int    `yaml:"contents_offset"`
		ReadOnly   bool   `yaml:"read_only"`
		Unreadable bool   `yaml:"unreadable"`
	}
	if err := spec.Decode(&p); err != nil {
		return Built{}, err
	}
	if p.Size == 0 && len(spec.Ranges) > 0 {
		r := spec.Ranges[0]
		p.Size = int(r.End - r.Start + 1)
	}
	if p.Size <= 0 {
		return Built{}, errors.Wrap(ErrInvalid, "ram size must be positive")
	}

	if p.Offset < 0 || p.Offset+len(p.Contents) > p.Size {
		return Built{}, errors.Wrapf(ErrInvalid, "ram contents at 0x%X (%d bytes) past end of %d byte memory", p.Offset, len(p.Contents), p.Size)
	}

	opts := []memory.Option{memory.WithFill(p.Fill), memory.WithContents(p.Offset, p.Contents)}
	if p.ReadOnly {
		opts = append(opts, memory.WriteProtected())
	}
	if p.Unreadable {
		opts = append(opts, memory.Unreadable())
	}
	return inspected(memory.NewRAM(p.Size, opts...)), nil
}

func buildMirror(_ *Env, spec ComponentSpec) (Built, error) {
	var p struct {
		Target uint64 `yaml:"target"`
		Size   uint64 `yaml:"size"`
	}
	if err := spec.Decode(&p); err != nil {
		return Built{}, err
	}
	m, err := memory.NewMirror(p.Target, p.Size)
	if err != nil {
		return Built{}, errors.Wrap(ErrInvalid, err.Error())
	}
	return inspected(m), nil
}

func buildROM(env *Env, spec ComponentSpec) (Built, error) {
	var p struct {
		File   string `yaml:"file"`
		Data   []byte `yaml:"data"`
		Strict bool   `yaml:"strict"`
	}
	if err := spec.Decode(&p); err != nil {
		return Built{}, err
	}
	data := p.Data
	if p.File != "" {
		b, err := os.ReadFile(env.Path(p.File))
		if err != nil {
			return Built{}, errors.Wrap(err, "load rom")
		}
		data = b
	}
	if len(data) == 0 {
		return Built{}, errors.Wrap(ErrInvalid, "rom needs a file or data")
	}
	return inspected(memory.NewROM(data, p.Strict)), nil
}

func buildTimer(env *Env, spec ComponentSpec) (Built, error) {
	var p struct {
		Signal  *SignalSpec `yaml:"signal"`
		Publish string      `yaml:"publish"`
	}
	if err := spec.Decode(&p); err != nil {
		return Built{}, err
	}
	var opts []timer.Option
	if p.Signal != nil {
		opts = append(opts, timer.WithSignal(p.Signal.Bus, p.Signal.Addr, p.Signal.Value))
	}
	if p.Publish != "" {
		w, err := publisher[fabric.Registers](env, p.Publish)
		if err != nil {
			return Built{}, err
		}
		opts = append(opts, timer.WithPublisher(w))
	}
	return inspected(timer.New(opts...)), nil
}

func buildSerial(env *Env, spec ComponentSpec) (Built, error) {
	var p struct {
		FixedTicks uint64      `yaml:"fixed_ticks"`
		Signal     *SignalSpec `yaml:"signal"`
	}
	if err := spec.Decode(&p); err != nil {
		return Built{}, err
	}
	opts := []serial.LogSinkOption{serial.WithLogger(env.Machine.Logger().With("component", spec.ID))}
	if p.FixedTicks > 0 {
		opts = append(opts, serial.WithFixedTiming(p.FixedTicks))
	}
	if p.Signal != nil {
		opts = append(opts, serial.WithSignal(p.Signal.Bus, p.Signal.Addr, p.Signal.Value))
	}
	return inspected(serial.NewLogSink(opts...)), nil
}

func buildTone(env *Env, spec ComponentSpec) (Built, error) {
	var p struct {
		SampleRate int    `yaml:"sample_rate"`
		Chunk      int    `yaml:"chunk"`
		Publish    string `yaml:"publish"`
	}
	if err := spec.Decode(&p); err != nil {
		return Built{}, err
	}
	if p.SampleRate <= 0 {
		return Built{}, errors.Wrap(ErrInvalid, "tone sample rate must be positive")
	}
	opts := []tone.Option{tone.WithChunk(p.Chunk)}
	if p.Publish != "" {
		w, err := publisher[fabric.AudioBuffer](env, p.Publish)
		if err != nil {
			return Built{}, err
		}
		opts = append(opts, tone.WithPublisher(w))
	}
	return inspected(tone.New(p.SampleRate, opts...)), nil
}

func buildDisplay(env *Env, spec ComponentSpec) (Built, error) {
	var p struct {
		Width   uint   `yaml:"width"`
		Height  uint   `yaml:"height"`
		Bus     string `yaml:"bus"`
		Base    uint64 `yaml:"base"`
		Period  uint64 `yaml:"period"`
		Publish string `yaml:"publish"`
	}
	if err := spec.Decode(&p); err != nil {
		return Built{}, err
	}
	var opts []raster.Option
	if p.Publish != "" {
		w, err := publisher[*fabric.FrameBuffer](env, p.Publish)
		if err != nil {
			return Built{}, err
		}
		opts = append(opts, raster.WithPublisher(w))
	}
	d, err := raster.New(raster.Config{
		Width:  p.Width,
		Height: p.Height,
		Bus:    p.Bus,
		Base:   p.Base,
		Period: p.Period,
	}, opts...)
	if err != nil {
		return Built{}, errors.Wrap(ErrInvalid, err.Error())
	}
	return inspected(d), nil
}

func buildScript(_ *Env, spec ComponentSpec) (Built, error) {
	var p struct {
		Writes []script.Write `yaml:"writes"`
	}
	if err := spec.Decode(&p); err != nil {
		return Built{}, err
	}
	return inspected(script.New(p.Writes)), nil
}

// publisher registers a fabric slot and claims its writer.
func publisher[T any](env *Env, name string) (*fabric.Writer[T], error) {
	slot, err := fabric.Register[T](env.Machine.Fabric(), name)
	if err != nil {
		return nil, err
	}
	return slot.Writer()
}
