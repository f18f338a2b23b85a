// Package audio holds the PCM16 framing contract shared by the relay and the
// upstream providers.
//
// Audio entering the relay is single-channel, 16-bit signed little-endian PCM
// at a fixed sample rate. A [Buffer] validates inbound frames, numbers them,
// and keeps the running sample count from which transcript timing is derived.
// It does not store audio: chunks are handed to the upstream as soon as they
// are accepted.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// BytesPerSample is the width of one mono PCM16 sample.
const BytesPerSample = 2

// ErrFraming is the sentinel matched by every [*FramingError].
var ErrFraming = errors.New("audio: framing error")

// Chunk is one accepted inbound audio frame. Chunks are immutable once
// returned by [Buffer.Append]; Data is owned by the chunk, not by the caller
// that supplied the original bytes.
type Chunk struct {
	// Seq is the 1-based arrival index within the owning Buffer.
	Seq uint64

	// Data is the raw PCM16 payload.
	Data []byte

	// Samples is len(Data)/2.
	Samples int

	// Offset is the cumulative sample count before this chunk was appended.
	Offset int64
}

// End returns the cumulative sample count after this chunk.
func (c Chunk) End() int64 { return c.Offset + int64(c.Samples) }

// FramingError reports an inbound frame that is not a whole number of PCM16
// samples (or is not audio at all).
type FramingError struct {
	// Len is the byte length of the rejected frame.
	Len int

	// Reason describes why the frame was rejected.
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("audio: framing error: %s (%d bytes)", e.Reason, e.Len)
}

// Is lets errors.Is(err, ErrFraming) match any *FramingError.
func (e *FramingError) Is(target error) bool { return target == ErrFraming }

// SamplesToSeconds converts a sample count to seconds at rate Hz.
// A non-positive rate yields 0.
func SamplesToSeconds(samples int64, rate int) float64 {
	if rate <= 0 {
		return 0
	}
	return float64(samples) / float64(rate)
}

// SamplesToDuration converts a sample count to a [time.Duration] at rate Hz.
func SamplesToDuration(samples int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
