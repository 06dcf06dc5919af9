// Package script implements a stimulus device that performs a fixed list of
// bus writes at given master ticks. It stands in for a CPU when a machine
// description only needs to program its devices.
package script

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/fabric"
)

const kindWrite uint32 = 1

const stateSize = 8 + 1 + 8

// Write is one scripted bus write.
type Write struct {
	At   uint64 `yaml:"at"`
	Bus  string `yaml:"bus"`
	Addr uint64 `yaml:"addr"`
	Data []byte `yaml:"data"`
}

// Sequencer performs its writes in tick order; writes sharing a tick keep
// their listed order.
type Sequencer struct {
	writes  []Write
	next    int
	armed   bool
	pending component.EventID
}

// New creates a sequencer for writes.
func New(writes []Write) *Sequencer {
	ws := append([]Write(nil), writes...)
	sort.SliceStable(ws, func(i, j int) bool { return ws[i].At < ws[j].At })
	return &Sequencer{writes: ws}
}

// Done reports whether every write was performed.
func (s *Sequencer) Done() bool {
	return s.next == len(s.writes)
}

func (s *Sequencer) Step(h component.Host, _ uint64) error {
	if s.armed {
		return nil
	}
	s.armed = true
	return s.run(h)
}

func (s *Sequencer) HandleEvent(h component.Host, ev component.Event) error {
	if ev.Kind != kindWrite || ev.ID != s.pending {
		return nil
	}
	s.pending = 0
	return s.run(h)
}

// run performs every write due at or before the current tick and schedules
// the next one.
func (s *Sequencer) run(h component.Host) error {
	for ; s.next < len(s.writes); s.next++ {
		w := s.writes[s.next]
		if w.At > h.Now() {
			id, err := h.Schedule(w.At, kindWrite, nil)
			if err != nil {
				return err
			}
			s.pending = id
			return nil
		}
		if err := h.Write(w.Bus, w.Addr, w.Data); err != nil {
			return errors.Wrapf(err, "script write %d at tick %d", s.next, h.Now())
		}
	}
	return nil
}

func (s *Sequencer) Reset() {
	s.next = 0
	s.armed = false
	s.pending = 0
}

func (s *Sequencer) SaveState() ([]byte, error) {
	b := binary.LittleEndian.AppendUint64(nil, uint64(s.next))
	if s.armed {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return binary.LittleEndian.AppendUint64(b, uint64(s.pending)), nil
}

func (s *Sequencer) LoadState(state []byte) error {
	if len(state) != stateSize {
		return errors.Errorf("script state is %d bytes, want %d", len(state), stateSize)
	}
	next := binary.LittleEndian.Uint64(state)
	if next > uint64(len(s.writes)) {
		return errors.Errorf("script position %d past %d writes", next, len(s.writes))
	}
	s.next = int(next)
	s.armed = state[8] != 0
	s.pending = component.EventID(binary.LittleEndian.Uint64(state[9:]))
	return nil
}

func (s *Sequencer) Registers() fabric.Registers {
	return fabric.Registers{
		{Name: "NEXT", Value: uint64(s.next), Width: 2},
		{Name: "TOTAL", Value: uint64(len(s.writes)), Width: 2},
	}
}
