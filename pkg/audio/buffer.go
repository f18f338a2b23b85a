package audio

import "sync"

// Buffer accepts inbound PCM16 frames and tracks the cumulative number of
// samples appended. It is a counter plus pass-through; accepted bytes are not
// retained.
//
// Append is expected to be called from a single reader goroutine, but
// CumulativeSamples may be read concurrently (the translator reads it from the
// event goroutine), so all state is guarded.
type Buffer struct {
	sampleRate int

	mu      sync.Mutex
	seq     uint64
	samples int64
}

// NewBuffer creates a Buffer for mono PCM16 at sampleRate Hz.
func NewBuffer(sampleRate int) *Buffer {
	return &Buffer{sampleRate: sampleRate}
}

// SampleRate returns the configured sample rate in Hz.
func (b *Buffer) SampleRate() int { return b.sampleRate }

// Append validates data and returns it as a numbered [Chunk]. Frames with an
// odd or zero byte length are rejected with a [*FramingError]; a rejected frame
// advances neither the sequence number nor the sample count.
func (b *Buffer) Append(data []byte) (Chunk, error) {
	if len(data) == 0 {
		return Chunk{}, &FramingError{Len: 0, Reason: "empty frame"}
	}
	if len(data)%BytesPerSample != 0 {
		return Chunk{}, &FramingError{Len: len(data), Reason: "odd byte length, not whole 16-bit samples"}
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	n := len(cp) / BytesPerSample

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	c := Chunk{
		Seq:     b.seq,
		Data:    cp,
		Samples: n,
		Offset:  b.samples,
	}
	b.samples += int64(n)
	return c, nil
}

// CumulativeSamples returns the total number of samples accepted so far.
func (b *Buffer) CumulativeSamples() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.samples
}

// Seconds returns CumulativeSamples expressed in seconds.
func (b *Buffer) Seconds() float64 {
	return SamplesToSeconds(b.CumulativeSamples(), b.sampleRate)
}
