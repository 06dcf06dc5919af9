package fabric

// AudioBuffer is a chunk of interleaved signed 16-bit PCM.
type AudioBuffer struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

// Frames returns the number of sample frames in the chunk.
func (b AudioBuffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}
