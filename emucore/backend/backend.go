// Package backend defines the contract between the runner driving a machine
// and the frontends presenting it, plus the runner itself.
package backend

import (
	"github.com/valerio/go-emucore/emucore"
	"github.com/valerio/go-emucore/emucore/capability"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/devices"
	"github.com/valerio/go-emucore/emucore/fabric"
)

// Backend represents a frontend for a running machine.
// Backends are responsible for:
// - Presenting frames to their specific output (terminal, files, nothing)
// - Translating platform-specific input to Actions
// - Handling backend-specific features (frame dumps, audio capture)
type Backend interface {
	// Init configures the backend. This is a required step before calling
	// Update.
	Init(config Config) error

	// Update presents one frame and returns the actions requested since the
	// previous call.
	Update(frame Frame) ([]Action, error)

	// Cleanup resources when shutting down
	Cleanup() error
}

// Config holds configuration for backends
type Config struct {
	Title     string
	Scale     int
	ShowDebug bool // Backends may ignore unsupported features
}

// Action is a request from a backend to the runner.
type Action int

const (
	ActionQuit Action = iota
	ActionPauseToggle
	ActionSaveState
	ActionLoadState
	ActionFrameDump
	ActionReset
)

func (a Action) String() string {
	switch a {
	case ActionQuit:
		return "quit"
	case ActionPauseToggle:
		return "pause"
	case ActionSaveState:
		return "save-state"
	case ActionLoadState:
		return "load-state"
	case ActionFrameDump:
		return "frame-dump"
	case ActionReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Frame is what a backend presents after the machine ran for one host
// frame.
type Frame struct {
	Number int
	Tick   uint64
	Paused bool
	// Video is the latest published frame, nil if the machine has no
	// display or it did not publish yet.
	Video *fabric.FrameBuffer
	// Audio holds every chunk published since the previous frame.
	Audio  []fabric.AudioBuffer
	Panels []Panel
}

// Panel is the register view of one component.
type Panel struct {
	ID        component.ID
	Registers fabric.Registers
}

// Panels collects the registers of every component advertising them, in id
// order.
func Panels(d *capability.Directory) []Panel {
	var out []Panel
	capability.Each(d, devices.RegistersTag, func(id component.ID, h capability.Handle[devices.Inspector]) {
		insp, err := h.Get()
		if err != nil {
			return
		}
		out = append(out, Panel{ID: id, Registers: insp.Registers()})
	})
	return out
}

// Monitor gathers what a machine published into frames.
type Monitor struct {
	machine *emucore.Machine
	video   *fabric.Slot[*fabric.FrameBuffer]
	audio   *fabric.Tap[fabric.AudioBuffer]
	panels  bool
}

// NewMonitor observes the named video and audio slots of m. Empty names
// leave the stream out.
func NewMonitor(m *emucore.Machine, video, audio string, panels bool) (*Monitor, error) {
	mon := &Monitor{machine: m, panels: panels}
	if video != "" {
		s, err := fabric.Lookup[*fabric.FrameBuffer](m.Fabric(), video)
		if err != nil {
			return nil, err
		}
		mon.video = s
	}
	if audio != "" {
		s, err := fabric.Lookup[fabric.AudioBuffer](m.Fabric(), audio)
		if err != nil {
			return nil, err
		}
		mon.audio = s.Tap()
	}
	return mon, nil
}

// Frame builds frame number n from the current publications.
func (mon *Monitor) Frame(n int) Frame {
	f := Frame{Number: n, Tick: mon.machine.Now()}
	if mon.video != nil {
		if p, ok := mon.video.Load(); ok {
			f.Video = p.Value
		}
	}
	if mon.audio != nil {
		for _, p := range mon.audio.Drain() {
			f.Audio = append(f.Audio, p.Value)
		}
	}
	if mon.panels {
		f.Panels = Panels(mon.machine.Capabilities())
	}
	return f
}
