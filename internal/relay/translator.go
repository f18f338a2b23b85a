package relay

import (
	"math"
	"sync"

	"github.com/MrWong99/sttrelay/pkg/audio"
	"github.com/MrWong99/sttrelay/pkg/provider/stt"
)

// Kind is the type of a client-facing transcript message.
type Kind string

const (
	// KindPartial is an interim, revisable hypothesis for the open window.
	KindPartial Kind = "partial"

	// KindFinal closes an utterance window. Exactly one final is emitted per
	// upstream commit.
	KindFinal Kind = "final"
)

// Timestamps is a derived segment span in seconds from session start.
type Timestamps struct {
	StartS float64 `json:"start_s"`
	EndS   float64 `json:"end_s"`
}

// TranscriptEvent is the message sent to clients. It serialises to exactly
//
//	{"type":"partial"|"final","text":"...","ts":{"start_s":0,"end_s":0.03}}
type TranscriptEvent struct {
	Type Kind       `json:"type"`
	Text string     `json:"text"`
	TS   Timestamps `json:"ts"`
}

// Translator maps upstream events onto client transcript messages and
// derives segment timing from the session's cumulative sample count.
//
// The open window starts at the sample offset of the previous commit (or
// session start). Partials span [windowStart, now]; a commit emits a final
// over the same span and moves windowStart to now. Timestamps never go
// backwards and windows never overlap.
//
// Translate is called from a single goroutine; Reset may be called
// concurrently from the client reader.
type Translator struct {
	rate    int
	samples func() int64

	mu          sync.Mutex
	windowStart int64
}

// NewTranslator returns a Translator for audio at rate Hz. samples reports
// the cumulative number of samples accepted so far, typically
// [audio.Buffer.CumulativeSamples].
func NewTranslator(rate int, samples func() int64) *Translator {
	return &Translator{rate: rate, samples: samples}
}

// Translate converts ev. It returns ok=false for events that produce no
// client message (speech start/stop and anything unrecognised). An upstream
// error event is returned as a *stt.ProtocolError carrying the raw payload.
func (t *Translator) Translate(ev stt.Event) (TranscriptEvent, bool, error) {
	switch ev.Kind {
	case stt.EventPartial:
		start, end := t.span()
		return TranscriptEvent{Type: KindPartial, Text: ev.Text, TS: t.timestamps(start, end)}, true, nil

	case stt.EventCommit:
		t.mu.Lock()
		start, end := t.spanLocked()
		t.windowStart = end
		t.mu.Unlock()
		return TranscriptEvent{Type: KindFinal, Text: ev.Text, TS: t.timestamps(start, end)}, true, nil

	case stt.EventError:
		return TranscriptEvent{}, false, &stt.ProtocolError{
			Type:    ev.Type,
			Message: ev.Text,
			Raw:     ev.Raw,
		}

	default:
		return TranscriptEvent{}, false, nil
	}
}

// Reset re-opens the window at the current offset. Audio already sent is not
// attributed to the next utterance.
func (t *Translator) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now := t.samples(); now > t.windowStart {
		t.windowStart = now
	}
}

// WindowStart returns the sample offset at which the open window begins.
func (t *Translator) WindowStart() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.windowStart
}

func (t *Translator) span() (start, end int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spanLocked()
}

func (t *Translator) spanLocked() (start, end int64) {
	end = t.samples()
	if end < t.windowStart {
		end = t.windowStart
	}
	return t.windowStart, end
}

func (t *Translator) timestamps(start, end int64) Timestamps {
	return Timestamps{
		StartS: Seconds(start, t.rate),
		EndS:   Seconds(end, t.rate),
	}
}

// Seconds converts a sample offset to seconds rounded to microseconds, which
// keeps the JSON representation short and stable (480 samples at 16 kHz is
// 0.03, not 0.030000000000000002).
func Seconds(samples int64, rate int) float64 {
	return math.Round(audio.SamplesToSeconds(samples, rate)*1e6) / 1e6
}
