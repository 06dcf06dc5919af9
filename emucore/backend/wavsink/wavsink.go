// Package wavsink writes published audio chunks to a 16-bit PCM WAV file.
package wavsink

import (
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/fabric"
)

const bitDepth = 16

// pcmFormat is the WAVE_FORMAT_PCM audio format tag.
const pcmFormat = 1

var ErrFormatChange = errors.New("audio format changed mid stream")

// Sink encodes chunks as they arrive. The format is taken from the first
// chunk; later chunks must match it.
type Sink struct {
	out    io.WriteSeeker
	closer io.Closer
	enc    *wav.Encoder
	format audio.Format
	frames int
}

// New creates a sink writing to out. Close finishes the WAV header but does
// not close out.
func New(out io.WriteSeeker) *Sink {
	return &Sink{out: out}
}

// Create creates the file at path and a sink writing to it. Close closes the
// file.
func Create(path string) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create wav")
	}
	s := New(f)
	s.closer = f
	return s, nil
}

// Write encodes one chunk.
func (s *Sink) Write(b fabric.AudioBuffer) error {
	if b.Channels <= 0 || b.SampleRate <= 0 {
		return errors.Errorf("invalid audio chunk: %d channels at %d Hz", b.Channels, b.SampleRate)
	}
	if s.enc == nil {
		s.format = audio.Format{NumChannels: b.Channels, SampleRate: b.SampleRate}
		s.enc = wav.NewEncoder(s.out, b.SampleRate, bitDepth, b.Channels, pcmFormat)
	} else if b.Channels != s.format.NumChannels || b.SampleRate != s.format.SampleRate {
		return errors.Wrapf(ErrFormatChange, "%d channels at %d Hz, want %d at %d Hz",
			b.Channels, b.SampleRate, s.format.NumChannels, s.format.SampleRate)
	}

	data := make([]int, len(b.Samples))
	for i, v := range b.Samples {
		data[i] = int(v)
	}
	buf := &audio.IntBuffer{Format: &s.format, Data: data, SourceBitDepth: bitDepth}
	if err := s.enc.Write(buf); err != nil {
		return errors.Wrap(err, "encode wav")
	}
	s.frames += b.Frames()
	return nil
}

// Frames returns the number of sample frames written.
func (s *Sink) Frames() int {
	return s.frames
}

// Close finishes the file. A sink that never received a chunk writes
// nothing.
func (s *Sink) Close() error {
	var err error
	if s.enc != nil {
		err = errors.Wrap(s.enc.Close(), "finish wav")
	}
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "close wav")
		}
	}
	return err
}
