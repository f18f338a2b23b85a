package audio_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/sttrelay/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestBuffer_CumulativeSamplesIsSumOfAppends(t *testing.T) {
	b := audio.NewBuffer(16000)

	sizes := []int{320, 2, 640, 1024, 6}
	var want int64
	for i, n := range sizes {
		c, err := b.Append(make([]byte, n))
		if err != nil {
			t.Fatalf("Append(%d bytes): %v", n, err)
		}
		if c.Seq != uint64(i+1) {
			t.Errorf("chunk %d: Seq = %d, want %d", i, c.Seq, i+1)
		}
		if c.Samples != n/2 {
			t.Errorf("chunk %d: Samples = %d, want %d", i, c.Samples, n/2)
		}
		if c.Offset != want {
			t.Errorf("chunk %d: Offset = %d, want %d", i, c.Offset, want)
		}
		want += int64(n / 2)
		if c.End() != want {
			t.Errorf("chunk %d: End = %d, want %d", i, c.End(), want)
		}
		if got := b.CumulativeSamples(); got != want {
			t.Errorf("after append %d: CumulativeSamples = %d, want %d", i, got, want)
		}
	}
}

func TestBuffer_OddLengthRejected(t *testing.T) {
	b := audio.NewBuffer(16000)
	if _, err := b.Append(make([]byte, 320)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, err := b.Append(make([]byte, 321))
	if err == nil {
		t.Fatal("expected framing error for odd length")
	}
	if !errors.Is(err, audio.ErrFraming) {
		t.Errorf("errors.Is(err, ErrFraming) = false for %v", err)
	}
	var fe *audio.FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("errors.As(*FramingError) = false for %T", err)
	}
	if fe.Len != 321 {
		t.Errorf("FramingError.Len = %d, want 321", fe.Len)
	}

	if got := b.CumulativeSamples(); got != 160 {
		t.Errorf("CumulativeSamples = %d after rejected frame, want 160", got)
	}

	// The next accepted chunk continues the sequence without a gap.
	c, err := b.Append(make([]byte, 4))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if c.Seq != 2 {
		t.Errorf("Seq after rejected frame = %d, want 2", c.Seq)
	}
}

func TestBuffer_EmptyFrameRejected(t *testing.T) {
	b := audio.NewBuffer(16000)
	if _, err := b.Append(nil); !errors.Is(err, audio.ErrFraming) {
		t.Errorf("Append(nil) err = %v, want ErrFraming", err)
	}
	if got := b.CumulativeSamples(); got != 0 {
		t.Errorf("CumulativeSamples = %d, want 0", got)
	}
}

func TestBuffer_ChunkOwnsItsBytes(t *testing.T) {
	b := audio.NewBuffer(16000)
	src := samplesToBytes([]int16{1, 2, 3})
	c, err := b.Append(src)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	src[0] = 0xFF
	if c.Data[0] == 0xFF {
		t.Error("chunk data aliases the caller's slice")
	}
}

func TestBuffer_Seconds(t *testing.T) {
	b := audio.NewBuffer(16000)
	for range 3 {
		if _, err := b.Append(make([]byte, 320)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if got := b.Seconds(); got != 0.03 {
		t.Errorf("Seconds = %v, want 0.03", got)
	}
}

func TestSamplesToSeconds(t *testing.T) {
	tests := []struct {
		samples int64
		rate    int
		want    float64
	}{
		{0, 16000, 0},
		{16000, 16000, 1},
		{480, 16000, 0.03},
		{24000, 48000, 0.5},
		{100, 0, 0},
	}
	for _, tc := range tests {
		if got := audio.SamplesToSeconds(tc.samples, tc.rate); got != tc.want {
			t.Errorf("SamplesToSeconds(%d, %d) = %v, want %v", tc.samples, tc.rate, got, tc.want)
		}
	}
}

func TestSamplesToDuration(t *testing.T) {
	if got := audio.SamplesToDuration(480, 16000); got != 30*time.Millisecond {
		t.Errorf("SamplesToDuration(480, 16000) = %v, want 30ms", got)
	}
	if got := audio.SamplesToDuration(480, 0); got != 0 {
		t.Errorf("SamplesToDuration with zero rate = %v, want 0", got)
	}
}
