package bus

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/component"
)

// Mapping associates an inclusive address range on a bus with the component
// servicing it.
type Mapping struct {
	Bus      string
	Start    uint64
	End      uint64
	Offset   uint64
	Priority int
	Atomic   bool
	Target   component.ID
}

// MappingFor builds the mapping of a declared component range.
func MappingFor(target component.ID, r component.Range) Mapping {
	return Mapping{
		Bus:      r.Bus,
		Start:    r.Start,
		End:      r.End,
		Offset:   r.Offset,
		Priority: r.Priority,
		Atomic:   r.Atomic,
		Target:   target,
	}
}

// Range returns the component-side declaration of the mapping.
func (m Mapping) Range() component.Range {
	return component.Range{
		Bus:      m.Bus,
		Start:    m.Start,
		End:      m.End,
		Offset:   m.Offset,
		Priority: m.Priority,
		Atomic:   m.Atomic,
	}
}

func (m Mapping) covers(addr uint64) bool {
	return addr >= m.Start && addr <= m.End
}

func (m Mapping) overlaps(o Mapping) bool {
	return m.Start <= o.End && o.Start <= m.End
}

// segment is a maximal run of addresses resolved to the same mapping.
type segment struct {
	start, end uint64
	mapping    int // index into table.mappings
}

// table is an immutable resolved mapping table for one bus. Tables are
// rebuilt on every mutation and swapped whole.
type table struct {
	mappings []Mapping
	segments []segment
}

// less orders mappings deterministically: by start address, then higher
// priority first, then target id.
func less(a, b Mapping) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Target < b.Target
}

// buildTable validates mappings for a bus whose highest address is mask and
// resolves them into segments.
func buildTable(name string, mask uint64, mappings []Mapping) (*table, error) {
	ms := make([]Mapping, len(mappings))
	copy(ms, mappings)

	for _, m := range ms {
		if m.Start > m.End || m.End > mask {
			return nil, errors.Wrapf(ErrInvalidMapping, "bus %q: %q 0x%X-0x%X", name, m.Target, m.Start, m.End)
		}
	}

	sort.SliceStable(ms, func(i, j int) bool { return less(ms[i], ms[j]) })

	for i := range ms {
		for j := i + 1; j < len(ms); j++ {
			if ms[j].Start > ms[i].End {
				break
			}
			if ms[i].Priority == ms[j].Priority && ms[i].overlaps(ms[j]) {
				return nil, errors.Wrapf(ErrOverlappingOwnership,
					"bus %q: %q 0x%X-0x%X and %q 0x%X-0x%X at priority %d",
					name, ms[i].Target, ms[i].Start, ms[i].End,
					ms[j].Target, ms[j].Start, ms[j].End, ms[i].Priority)
			}
		}
	}

	return &table{mappings: ms, segments: resolve(mask, ms)}, nil
}

// resolve flattens possibly overlapping mappings into non overlapping
// segments, each owned by the highest priority mapping covering it.
func resolve(mask uint64, ms []Mapping) []segment {
	if len(ms) == 0 {
		return nil
	}

	points := make([]uint64, 0, len(ms)*2)
	for _, m := range ms {
		points = append(points, m.Start)
		if m.End < mask {
			points = append(points, m.End+1)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })
	points = uniq(points)

	var segs []segment
	for i, p := range points {
		end := mask
		if i+1 < len(points) {
			end = points[i+1] - 1
		}

		winner := -1
		for idx, m := range ms {
			if !m.covers(p) {
				continue
			}
			if winner < 0 || m.Priority > ms[winner].Priority {
				winner = idx
			}
		}
		if winner < 0 {
			continue
		}

		if n := len(segs); n > 0 && segs[n-1].mapping == winner && segs[n-1].end+1 == p {
			segs[n-1].end = end
			continue
		}
		segs = append(segs, segment{start: p, end: end, mapping: winner})
	}
	return segs
}

func uniq(s []uint64) []uint64 {
	if len(s) == 0 {
		return s
	}
	out := s[:1]
	for _, v := range s[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

// lookup returns the segment covering addr, or the index of the next segment
// after addr and false when addr is unmapped.
func (t *table) lookup(addr uint64) (int, bool) {
	i := sort.Search(len(t.segments), func(i int) bool { return t.segments[i].start > addr })
	if i > 0 && addr <= t.segments[i-1].end {
		return i - 1, true
	}
	return i, false
}

// all returns a copy of the table's mappings.
func (t *table) all() []Mapping {
	out := make([]Mapping, len(t.mappings))
	copy(out, t.mappings)
	return out
}

// without returns the mappings of the table not targeting id.
func (t *table) without(id component.ID) []Mapping {
	out := make([]Mapping, 0, len(t.mappings))
	for _, m := range t.mappings {
		if m.Target != id {
			out = append(out, m)
		}
	}
	return out
}
