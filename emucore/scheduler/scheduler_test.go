package scheduler

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valerio/go-emucore/emucore/bus"
	"github.com/valerio/go-emucore/emucore/capability"
	"github.com/valerio/go-emucore/emucore/clock"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/registry"
	"github.com/valerio/go-emucore/emucore/timing"
)

type fired struct {
	now uint64
	ev  component.Event
}

// recorder records what the scheduler does to it.
type recorder struct {
	ticks   uint64
	steps   int
	fired   []fired
	onStep  func(h component.Host, ticks uint64) error
	onEvent func(h component.Host, ev component.Event) error
	mem     [0x100]byte
	trace   *[]component.ID
}

func (p *recorder) Step(h component.Host, ticks uint64) error {
	p.ticks += ticks
	p.steps++
	if p.trace != nil {
		*p.trace = append(*p.trace, h.Self())
	}
	if p.onStep != nil {
		return p.onStep(h, ticks)
	}
	return nil
}

func (p *recorder) HandleEvent(h component.Host, ev component.Event) error {
	p.fired = append(p.fired, fired{h.Now(), ev})
	if p.onEvent != nil {
		return p.onEvent(h, ev)
	}
	return nil
}

func (p *recorder) SaveState() ([]byte, error) {
	return binary.LittleEndian.AppendUint64(nil, p.ticks), nil
}

func (p *recorder) LoadState(b []byte) error {
	p.ticks = binary.LittleEndian.Uint64(b)
	return nil
}

func (p *recorder) ReadMemory(_ string, off uint64, buf []byte) error {
	copy(buf, p.mem[off:])
	return nil
}

func (p *recorder) WriteMemory(_ string, off uint64, data []byte) error {
	copy(p.mem[off:], data)
	return nil
}

type fixture struct {
	reg   *registry.Registry
	sched *Scheduler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	router := bus.NewRouter()
	require.NoError(t, router.AddBus(bus.Config{Name: "main", AddressBits: 16, OpenBus: bus.OpenBusLastDriven}))
	reg := registry.New(router, capability.NewDirectory())
	return &fixture{reg: reg, sched: New(reg, opts...)}
}

func (f *fixture) add(t *testing.T, id component.ID, p *recorder, ratio clock.Ratio, ranges ...component.Range) {
	t.Helper()
	_, err := f.reg.Register(registry.Descriptor{ID: id, Component: p, Clock: ratio, Ranges: ranges})
	require.NoError(t, err)
}

func TestEventFiringBoundary(t *testing.T) {
	f := newFixture(t)
	p := &recorder{}
	var scheduledAt uint64
	p.onStep = func(h component.Host, _ uint64) error {
		if h.Now() == 50 {
			scheduledAt = h.Now()
			_, err := h.Schedule(100, 7, []byte{1, 2})
			return err
		}
		return nil
	}
	f.add(t, "cpu", p, clock.Master)

	res, err := f.sched.Advance(99, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, uint64(50), scheduledAt)
	assert.Empty(t, p.fired)
	assert.Equal(t, uint64(99), res.Ticks)

	res, err = f.sched.Advance(11, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, uint64(110), f.sched.Now())
	require.Len(t, p.fired, 1, "fires exactly once")
	assert.Equal(t, uint64(100), p.fired[0].now)
	assert.Equal(t, uint64(100), p.fired[0].ev.Tick)
	assert.Equal(t, uint32(7), p.fired[0].ev.Kind)
	assert.Equal(t, []byte{1, 2}, p.fired[0].ev.Data)
	assert.Equal(t, 1, res.EventsFired)
}

func TestEventSplitsRound(t *testing.T) {
	f := newFixture(t)
	slow := &recorder{}
	slow.onStep = func(h component.Host, _ uint64) error {
		if h.Now() == 0 {
			_, err := h.Schedule(1500, 0, nil)
			return err
		}
		return nil
	}
	f.add(t, "slow", slow, clock.MustRatio(1, 1000))

	res, err := f.sched.Advance(2000, time.Time{})
	require.NoError(t, err)
	require.Len(t, slow.fired, 1)
	assert.Equal(t, uint64(1500), slow.fired[0].now)
	// 0..1000, 1000..1500 without a local tick, 1500..2000
	assert.Equal(t, 3, res.Rounds)
	assert.Equal(t, uint64(2), slow.ticks)
}

func TestEventInsideRoundFiresLate(t *testing.T) {
	f := newFixture(t)
	slow := &recorder{}
	slow.onStep = func(h component.Host, _ uint64) error {
		if h.Now() == 0 {
			_, err := h.Schedule(3, 0, nil)
			return err
		}
		return nil
	}
	var chained error
	slow.onEvent = func(h component.Host, ev component.Event) error {
		_, chained = h.Schedule(ev.Tick+1, 1, nil)
		return nil
	}
	f.add(t, "slow", slow, clock.MustRatio(1, 10))

	_, err := f.sched.Advance(20, time.Time{})
	require.NoError(t, err)
	require.Len(t, slow.fired, 1)
	assert.Equal(t, uint64(3), slow.fired[0].ev.Tick)
	assert.Equal(t, uint64(10), slow.fired[0].now)
	assert.True(t, errors.Is(chained, ErrPastDeadline))
	assert.Empty(t, f.sched.Pending())
}

func TestClockAccuracy(t *testing.T) {
	f := newFixture(t)
	ratios := []clock.Ratio{clock.MustRatio(3, 2), clock.Master, clock.MustRatio(1, 3), clock.MustRatio(7, 5)}
	recorders := make([]*recorder, len(ratios))
	for i, r := range ratios {
		recorders[i] = &recorder{}
		f.add(t, component.ID(r.String()), recorders[i], r)
	}

	var master uint64
	for _, chunk := range []uint64{1, 2, 3, 5, 7, 11, 1000, 13} {
		_, err := f.sched.Advance(chunk, time.Time{})
		require.NoError(t, err)
		master += chunk
		for i, r := range ratios {
			assert.Equal(t, master*r.Num/r.Den, recorders[i].ticks, "ratio %s after %d", r, master)
		}
	}
}

func TestUnclockedNeverStepped(t *testing.T) {
	f := newFixture(t)
	p := &recorder{}
	f.add(t, "rom", p, clock.Unclocked)

	res, err := f.sched.Advance(1<<40, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, p.steps)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, uint64(1<<40), f.sched.Now())
}

func TestDependencyOrder(t *testing.T) {
	f := newFixture(t)
	var trace []component.ID
	for _, id := range []component.ID{"ppu", "cpu", "apu"} {
		f.add(t, id, &recorder{trace: &trace}, clock.Master)
	}
	require.NoError(t, f.reg.Connect("cpu", "ppu"))

	_, err := f.sched.Advance(1, time.Time{})
	require.NoError(t, err)
	// ppu is released by cpu and comes before apu, registered after it
	assert.Equal(t, []component.ID{"cpu", "ppu", "apu"}, trace)
}

func TestPastDeadline(t *testing.T) {
	f := newFixture(t)
	p := &recorder{}
	var errs []error
	p.onStep = func(h component.Host, _ uint64) error {
		_, err := h.Schedule(h.Now(), 0, nil)
		errs = append(errs, err)
		return nil
	}
	f.add(t, "cpu", p, clock.Master)

	_, err := f.sched.Advance(1, time.Time{})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrPastDeadline))
	assert.Empty(t, f.sched.Pending())
}

func TestScheduleWithoutHandler(t *testing.T) {
	f := newFixture(t)
	var err error
	_, rerr := f.reg.Register(registry.Descriptor{
		ID:        "plain",
		Component: stepFunc(func(h component.Host, _ uint64) error { _, err = h.Schedule(h.Now()+1, 0, nil); return nil }),
		Clock:     clock.Master,
	})
	require.NoError(t, rerr)

	_, aerr := f.sched.Advance(1, time.Time{})
	require.NoError(t, aerr)
	assert.True(t, errors.Is(err, ErrNoHandler))
}

type stepFunc func(h component.Host, ticks uint64) error

func (f stepFunc) Step(h component.Host, ticks uint64) error { return f(h, ticks) }
func (stepFunc) SaveState() ([]byte, error)                 { return nil, nil }
func (stepFunc) LoadState([]byte) error                     { return nil }

func TestFault(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	p := &recorder{}
	p.onStep = func(h component.Host, _ uint64) error {
		if h.Now() == 3 {
			return boom
		}
		return nil
	}
	f.add(t, "cpu", p, clock.Master)

	res, err := f.sched.Advance(10, time.Time{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	var cerr *component.Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, component.ID("cpu"), cerr.ID)
	assert.Equal(t, uint64(3), res.Ticks)
	assert.Equal(t, Idle, f.sched.State())

	_, err = f.sched.Advance(1, time.Time{})
	assert.True(t, errors.Is(err, ErrFaulted))

	f.sched.Reset()
	assert.NoError(t, f.sched.Fault())
	assert.Equal(t, uint64(0), f.sched.Now())
}

func TestPartialAdvance(t *testing.T) {
	start := time.Unix(0, 0)
	c := timing.NewManualClock(start, time.Second)
	f := newFixture(t, WithClock(c))
	f.add(t, "cpu", &recorder{}, clock.Master)

	res, err := f.sched.Advance(100, start.Add(3*time.Second))
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, uint64(3), res.Ticks)
	assert.Equal(t, uint64(3), f.sched.Now())

	// a deadline already passed advances nothing
	res, err = f.sched.Advance(100, start)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, uint64(0), res.Ticks)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	p := &recorder{}
	var cancelled, again bool
	p.onStep = func(h component.Host, _ uint64) error {
		if h.Now() != 0 {
			return nil
		}
		id, err := h.Schedule(5, 0, nil)
		if err != nil {
			return err
		}
		if _, err := h.Schedule(6, 1, nil); err != nil {
			return err
		}
		cancelled = h.Cancel(id)
		again = h.Cancel(id)
		return nil
	}
	f.add(t, "cpu", p, clock.Master)

	_, err := f.sched.Advance(10, time.Time{})
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.False(t, again)
	require.Len(t, p.fired, 1)
	assert.Equal(t, uint32(1), p.fired[0].ev.Kind)
}

func TestDeferredRemap(t *testing.T) {
	f := newFixture(t)
	p := &recorder{}
	var during bus.Mapping
	p.onStep = func(h component.Host, _ uint64) error {
		if h.Now() != 0 {
			return nil
		}
		if err := h.Remap("main", []component.Range{{Bus: "main", Start: 0x2000, End: 0x20FF}}); err != nil {
			return err
		}
		m, ok, err := f.reg.Router().Resolve("main", 0x1000)
		if err != nil || !ok {
			return errors.New("mapping moved mid-round")
		}
		during = m
		return nil
	}
	f.add(t, "dev", p, clock.Master, component.Range{Bus: "main", Start: 0x1000, End: 0x10FF})

	_, err := f.sched.Advance(1, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, component.ID("dev"), during.Target)

	_, ok, err := f.reg.Router().Resolve("main", 0x1000)
	require.NoError(t, err)
	assert.False(t, ok)
	m, ok, err := f.reg.Router().Resolve("main", 0x2000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, component.ID("dev"), m.Target)
}

func TestRemapFailureFaults(t *testing.T) {
	f := newFixture(t)
	p := &recorder{}
	p.onStep = func(h component.Host, _ uint64) error {
		return h.Remap("main", []component.Range{{Bus: "main", Start: 0x0000, End: 0x00FF}})
	}
	f.add(t, "dev", p, clock.Master, component.Range{Bus: "main", Start: 0x1000, End: 0x10FF})
	f.add(t, "other", &recorder{}, clock.Unclocked, component.Range{Bus: "main", Start: 0x0000, End: 0x00FF})

	_, err := f.sched.Advance(1, time.Time{})
	assert.True(t, errors.Is(err, bus.ErrOverlappingOwnership))
	assert.Error(t, f.sched.Fault())
}

func TestSaveLoad(t *testing.T) {
	build := func() (*fixture, *recorder) {
		f := newFixture(t)
		p := &recorder{}
		p.onEvent = func(h component.Host, ev component.Event) error {
			_, err := h.Schedule(h.Now()+13, ev.Kind+1, nil)
			return err
		}
		p.onStep = func(h component.Host, _ uint64) error {
			if h.Now() == 0 {
				_, err := h.Schedule(5, 0, nil)
				return err
			}
			return nil
		}
		f.add(t, "timer", p, clock.MustRatio(2, 3))
		return f, p
	}

	f, p := build()
	_, err := f.sched.Advance(40, time.Time{})
	require.NoError(t, err)
	saved := f.sched.Save()
	ticksAtSave := p.ticks

	_, err = f.sched.Advance(100, time.Time{})
	require.NoError(t, err)
	want := p.fired

	// restore into a fresh machine with the same topology
	g, q := build()
	q.ticks = ticksAtSave
	require.NoError(t, g.sched.Load(saved))
	_, err = g.sched.Advance(100, time.Time{})
	require.NoError(t, err)

	var tail []fired
	for _, fr := range want {
		if fr.now > 40 {
			tail = append(tail, fr)
		}
	}
	assert.Equal(t, tail, q.fired)
	assert.Equal(t, p.ticks, q.ticks)
	assert.Equal(t, f.sched.Save(), g.sched.Save())
}

func TestLoadValidation(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", &recorder{}, clock.MustRatio(1, 3))
	good := f.sched.Save()

	bad := good
	bad.Domains = []DomainState{{ID: "b"}}
	assert.True(t, errors.Is(f.sched.Load(bad), ErrInvalidState))

	bad = good
	bad.Domains = []DomainState{{ID: "a", Remainder: 3}}
	assert.True(t, errors.Is(f.sched.Validate(bad), ErrInvalidState))

	bad = good
	bad.Master = 10
	bad.Events = nil
	require.NoError(t, f.sched.Load(bad))
	assert.Equal(t, uint64(10), f.sched.Now())
}
