package fabric

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pair struct{ a, b uint64 }

func TestSlotSingleWriter(t *testing.T) {
	s := NewSlot[int]("n")
	w, err := s.Writer()
	require.NoError(t, err)
	_, err = s.Writer()
	assert.True(t, errors.Is(err, ErrWriterClaimed))

	_, ok := s.Load()
	assert.False(t, ok)
	assert.Equal(t, uint64(0), s.Seq())

	w.Publish(10, 42)
	p, ok := s.Load()
	require.True(t, ok)
	assert.Equal(t, Publication[int]{Seq: 1, Tick: 10, Value: 42}, p)

	w.Reset()
	_, ok = s.Load()
	assert.False(t, ok)
}

func TestSlotReadersNeverSeeTornValues(t *testing.T) {
	s := NewSlot[pair]("pair")
	w, err := s.Writer()
	require.NoError(t, err)

	const n = 2000
	var wg sync.WaitGroup
	bad := make(chan Publication[pair], 4)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastSeq uint64
			for lastSeq < n {
				p, ok := s.Load()
				if !ok {
					continue
				}
				if p.Value.a != p.Value.b || p.Seq < lastSeq || p.Tick != p.Value.a {
					bad <- p
					return
				}
				lastSeq = p.Seq
			}
		}()
	}

	for i := uint64(1); i <= n; i++ {
		w.Publish(i, pair{i, i})
	}
	wg.Wait()
	close(bad)
	for p := range bad {
		t.Errorf("inconsistent publication %+v", p)
	}
}

func TestFabricLookup(t *testing.T) {
	f := New()
	_, err := Register[*FrameBuffer](f, "video")
	require.NoError(t, err)
	_, err = Register[AudioBuffer](f, "audio")
	require.NoError(t, err)

	_, err = Register[AudioBuffer](f, "audio")
	assert.True(t, errors.Is(err, ErrDuplicateSlot))

	s, err := Lookup[*FrameBuffer](f, "video")
	require.NoError(t, err)
	assert.Equal(t, "video", s.Name())

	_, err = Lookup[AudioBuffer](f, "video")
	assert.True(t, errors.Is(err, ErrSlotType))
	_, err = Lookup[AudioBuffer](f, "nope")
	assert.True(t, errors.Is(err, ErrUnknownSlot))

	assert.Equal(t, []string{"audio", "video"}, f.Names())
}

func TestFrameBuffer(t *testing.T) {
	fb := NewFrameBuffer(4, 2)
	fb.SetPixel(3, 1, DarkGreyColor)
	assert.Equal(t, uint32(DarkGreyColor), fb.GetPixel(3, 1))

	c := fb.Clone()
	fb.SetPixel(3, 1, WhiteColor)
	assert.Equal(t, uint32(DarkGreyColor), c.GetPixel(3, 1), "clone is independent")

	img := c.Image()
	assert.Equal(t, 4, img.Bounds().Dx())
	px := img.RGBAAt(3, 1)
	assert.Equal(t, uint8(0x4C), px.R)
	assert.Equal(t, uint8(0xFF), px.A)
}

func TestRegisters(t *testing.T) {
	rs := Registers{{Name: "CTRL", Value: 0x3, Width: 1}, {Name: "COUNT", Value: 0x1234, Width: 2}}
	assert.Equal(t, "CTRL=0x03 COUNT=0x1234", rs.String())
	v, ok := rs.Get("COUNT")
	assert.True(t, ok)
	assert.Equal(t, uint64(0x1234), v)
	_, ok = rs.Get("NOPE")
	assert.False(t, ok)
}

func TestAudioFrames(t *testing.T) {
	assert.Equal(t, 2, AudioBuffer{Channels: 2, Samples: make([]int16, 5)}.Frames())
	assert.Equal(t, 0, AudioBuffer{}.Frames())
}

func TestTap(t *testing.T) {
	s := NewSlot[int]("n")
	w, err := s.Writer()
	require.NoError(t, err)
	w.Publish(1, 10)

	tap := s.Tap()
	w.Publish(2, 20)
	w.Publish(3, 30)
	got := tap.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, 20, got[0].Value)
	assert.Equal(t, uint64(3), got[1].Tick)
	assert.Empty(t, tap.Drain())
}
