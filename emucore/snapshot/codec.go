package snapshot

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/bus"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/events"
	"github.com/valerio/go-emucore/emucore/scheduler"
)

const (
	// Magic starts every snapshot blob.
	Magic = "EMUS"
	// Version is the layout version written by Encode. Blobs with any other
	// version are rejected.
	Version uint16 = 1
)

// ComponentState is the opaque private state of one component.
type ComponentState struct {
	ID    component.ID
	State []byte
}

// BusState is the saved open bus value of a bus.
type BusState struct {
	Name       string
	LastDriven byte
}

// Image is a decoded snapshot.
type Image struct {
	Version    uint16
	Components []ComponentState
	Buses      []BusState
	Mappings   []bus.Mapping
	Scheduler  scheduler.Saved
}

// Encode serializes an image. The layout is little endian:
//
//	magic "EMUS", u16 version
//	u32 components, each: str id, bytes state
//	u32 buses, each: str name, u8 last driven
//	u32 mappings, each: str bus, u64 start, u64 end, str target,
//	    u64 offset, i32 priority, u8 atomic
//	u64 master tick, u64 next seq
//	u32 domains, each: str id, u64 remainder, u64 local, u64 issued
//	u32 events, each: u64 id, u64 tick, u64 seq, str owner, u32 kind,
//	    bytes data
//
// where str is a u16 length followed by the bytes and bytes is a u32 length
// followed by the bytes.
func Encode(img *Image) ([]byte, error) {
	w := &writer{b: append([]byte(nil), Magic...)}
	w.u16(Version)

	w.count(len(img.Components))
	for _, c := range img.Components {
		w.str(string(c.ID))
		w.bytes(c.State)
	}

	w.count(len(img.Buses))
	for _, b := range img.Buses {
		w.str(b.Name)
		w.u8(b.LastDriven)
	}

	w.count(len(img.Mappings))
	for _, m := range img.Mappings {
		w.str(m.Bus)
		w.u64(m.Start)
		w.u64(m.End)
		w.str(string(m.Target))
		w.u64(m.Offset)
		if m.Priority < math.MinInt32 || m.Priority > math.MaxInt32 {
			w.fail(errors.Errorf("mapping priority %d out of range", m.Priority))
		}
		w.u32(uint32(int32(m.Priority)))
		w.bool(m.Atomic)
	}

	s := img.Scheduler
	w.u64(s.Master)
	w.u64(s.NextSeq)
	w.count(len(s.Domains))
	for _, d := range s.Domains {
		w.str(string(d.ID))
		w.u64(d.Remainder)
		w.u64(d.Local)
		w.u64(d.Issued)
	}
	w.count(len(s.Events))
	for _, ev := range s.Events {
		w.u64(uint64(ev.ID))
		w.u64(ev.Tick)
		w.u64(ev.Seq)
		w.str(string(ev.Owner))
		w.u32(ev.Kind)
		w.bytes(ev.Data)
	}

	if w.err != nil {
		return nil, w.err
	}
	return w.b, nil
}

// Decode parses a blob. Blobs written with another layout version fail with
// ErrVersionMismatch; malformed blobs fail with ErrStructuralMismatch.
func Decode(blob []byte) (*Image, error) {
	if len(blob) < len(Magic)+2 || string(blob[:len(Magic)]) != Magic {
		return nil, errors.Wrap(ErrStructuralMismatch, "not a snapshot")
	}
	r := &reader{b: blob[len(Magic):]}
	img := &Image{Version: r.u16()}
	if img.Version != Version {
		return nil, errors.Wrapf(ErrVersionMismatch, "version %d, want %d", img.Version, Version)
	}

	for n := r.count(); n > 0 && r.err == nil; n-- {
		img.Components = append(img.Components, ComponentState{
			ID:    component.ID(r.str()),
			State: r.bytes(),
		})
	}

	for n := r.count(); n > 0 && r.err == nil; n-- {
		img.Buses = append(img.Buses, BusState{Name: r.str(), LastDriven: r.u8()})
	}

	for n := r.count(); n > 0 && r.err == nil; n-- {
		var m bus.Mapping
		m.Bus = r.str()
		m.Start = r.u64()
		m.End = r.u64()
		m.Target = component.ID(r.str())
		m.Offset = r.u64()
		m.Priority = int(int32(r.u32()))
		m.Atomic = r.bool()
		img.Mappings = append(img.Mappings, m)
	}

	s := &img.Scheduler
	s.Master = r.u64()
	s.NextSeq = r.u64()
	for n := r.count(); n > 0 && r.err == nil; n-- {
		var d scheduler.DomainState
		d.ID = component.ID(r.str())
		d.Remainder = r.u64()
		d.Local = r.u64()
		d.Issued = r.u64()
		s.Domains = append(s.Domains, d)
	}
	for n := r.count(); n > 0 && r.err == nil; n-- {
		var ev events.Event
		ev.ID = component.EventID(r.u64())
		ev.Tick = r.u64()
		ev.Seq = r.u64()
		ev.Owner = component.ID(r.str())
		ev.Kind = r.u32()
		ev.Data = r.bytes()
		s.Events = append(s.Events, ev)
	}

	if r.err != nil {
		return nil, r.err
	}
	if len(r.b) != 0 {
		return nil, errors.Wrapf(ErrStructuralMismatch, "%d trailing bytes", len(r.b))
	}
	return img, nil
}

type writer struct {
	b   []byte
	err error
}

func (w *writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *writer) u8(v byte)    { w.b = append(w.b, v) }
func (w *writer) u16(v uint16) { w.b = binary.LittleEndian.AppendUint16(w.b, v) }
func (w *writer) u32(v uint32) { w.b = binary.LittleEndian.AppendUint32(w.b, v) }
func (w *writer) u64(v uint64) { w.b = binary.LittleEndian.AppendUint64(w.b, v) }

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) count(n int) {
	if uint64(n) > math.MaxUint32 {
		w.fail(errors.Errorf("count %d out of range", n))
	}
	w.u32(uint32(n))
}

func (w *writer) str(s string) {
	if len(s) > math.MaxUint16 {
		w.fail(errors.Errorf("string of %d bytes too long", len(s)))
	}
	w.u16(uint16(len(s)))
	w.b = append(w.b, s...)
}

func (w *writer) bytes(p []byte) {
	w.count(len(p))
	w.b = append(w.b, p...)
}

// reader decodes fields until the first error; later reads return zero
// values.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.b) {
		r.err = errors.Wrap(ErrStructuralMismatch, "truncated snapshot")
		r.b = nil
		return nil
	}
	p := r.b[:n]
	r.b = r.b[n:]
	return p
}

func (r *reader) u8() byte {
	if p := r.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if p := r.take(2); p != nil {
		return binary.LittleEndian.Uint16(p)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if p := r.take(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if p := r.take(8); p != nil {
		return binary.LittleEndian.Uint64(p)
	}
	return 0
}

func (r *reader) bool() bool {
	return r.u8() != 0
}

func (r *reader) count() uint32 {
	return r.u32()
}

func (r *reader) str() string {
	return string(r.take(int(r.u16())))
}

func (r *reader) bytes() []byte {
	n := int(r.u32())
	p := r.take(n)
	if p == nil {
		return nil
	}
	return append([]byte(nil), p...)
}
