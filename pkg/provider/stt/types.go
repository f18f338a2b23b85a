package stt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind is the closed set of upstream event categories the relay
// distinguishes. Upstream protocols are open-ended; anything not mapped to a
// specific kind arrives as [EventOther].
type EventKind int

const (
	// EventOther is any upstream event the relay does not act on.
	EventOther EventKind = iota

	// EventSpeechStarted marks server-side VAD detecting the start of speech.
	EventSpeechStarted

	// EventSpeechStopped marks server-side VAD detecting the end of speech.
	EventSpeechStopped

	// EventPartial carries an interim, revisable hypothesis for the open window.
	EventPartial

	// EventCommit closes the current utterance window and carries its final text.
	EventCommit

	// EventError is an upstream-reported failure.
	EventError
)

// String returns the human-readable name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventPartial:
		return "partial"
	case EventCommit:
		return "commit"
	case EventError:
		return "error"
	default:
		return "other"
	}
}

// Event is one decoded upstream event.
type Event struct {
	// Kind is the relay-level category.
	Kind EventKind

	// Type is the raw upstream event type (e.g. "input_audio_buffer.speech_started").
	Type string

	// ItemID identifies the upstream utterance item, when the protocol has one.
	ItemID string

	// Text is the hypothesis (partial) or transcript (commit). For EventError it
	// holds the upstream error message.
	Text string

	// Raw is the undecoded upstream payload.
	Raw json.RawMessage

	// ReceivedAt is when the event was read off the connection.
	ReceivedAt time.Time
}

// State is the lifecycle state of an upstream session.
//
//	Idle → Handshaking → Streaming → Closing → Closed
//	Handshaking → Closed (handshake failure; no audio sent)
type State int32

const (
	StateIdle State = iota
	StateHandshaking
	StateStreaming
	StateClosing
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrUpstreamUnavailable is returned by StartStream when the connection or
	// the session-configuration handshake cannot complete. It is fatal for the
	// session.
	ErrUpstreamUnavailable = errors.New("stt: upstream unavailable")

	// ErrUpstreamProtocol marks an error event or unexpected condition reported
	// by the upstream mid-session.
	ErrUpstreamProtocol = errors.New("stt: upstream protocol error")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("stt: session closed")

	// ErrNotSupported is returned for control operations a provider cannot
	// perform.
	ErrNotSupported = errors.New("stt: operation not supported")
)

// ProtocolError is an upstream error event surfaced as a Go error. It wraps
// [ErrUpstreamProtocol] and carries the raw upstream payload.
type ProtocolError struct {
	// Type is the raw upstream event type.
	Type string

	// Message is the upstream error message, if any.
	Message string

	// Raw is the undecoded upstream payload.
	Raw json.RawMessage
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("stt: upstream protocol error (%s)", e.Type)
	}
	return fmt.Sprintf("stt: upstream protocol error (%s): %s", e.Type, e.Message)
}

// Unwrap returns [ErrUpstreamProtocol].
func (e *ProtocolError) Unwrap() error { return ErrUpstreamProtocol }

// Unavailable wraps cause so that errors.Is(err, ErrUpstreamUnavailable) holds
// while keeping the cause reachable.
func Unavailable(provider string, cause error) error {
	return fmt.Errorf("%s: %w: %w", provider, ErrUpstreamUnavailable, cause)
}
