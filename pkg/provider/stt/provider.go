// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a remote real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is SessionHandle: once
// opened (connection established and session configuration acknowledged), a
// session accepts PCM16 audio chunks in order and emits the upstream's events
// on a single channel, decoded into the closed [EventKind] set. Providers do not
// translate events into client messages; that is the relay's job.
//
// Implementations must be safe for concurrent use: the relay sends audio from
// one goroutine while consuming events on another.
package stt

import (
	"context"
	"time"

	"github.com/MrWong99/sttrelay/pkg/audio"
)

// VADConfig configures server-side voice activity detection. When Enabled,
// the upstream decides utterance boundaries and emits commits on its own.
type VADConfig struct {
	// Enabled turns on server-side auto-commit.
	Enabled bool

	// SilenceDuration is the trailing silence that closes an utterance.
	SilenceDuration time.Duration

	// Threshold is the provider-specific activation threshold (0.0–1.0).
	// Zero lets the provider choose.
	Threshold float64

	// PrefixPadding is the audio kept before detected speech start.
	PrefixPadding time.Duration
}

// StreamConfig describes the audio format and recognition parameters declared
// during the handshake. It is fixed for the life of a session.
type StreamConfig struct {
	// SampleRate is the PCM16 sample rate in Hz.
	SampleRate int

	// Language is the language hint (e.g. "sv"). Empty lets the provider
	// auto-detect, if supported.
	Language string

	// Model overrides the provider's default transcription model.
	Model string

	// VAD configures server-side turn detection.
	VAD VADConfig
}

// SessionHandle represents an open upstream streaming session. It is an
// interface so that test code can provide mock implementations without a live
// connection.
//
// Callers must call Close when the session is no longer needed, on every exit
// path. Failing to do so leaks the upstream connection.
type SessionHandle interface {
	// SendAudio transmits one chunk upstream. Chunks are written synchronously
	// in call order; implementations never reorder or coalesce them.
	// Calling SendAudio after Close returns ErrSessionClosed.
	SendAudio(ctx context.Context, chunk audio.Chunk) error

	// Commit asks the upstream to close the current utterance window. Only
	// meaningful when server-side VAD is disabled.
	Commit(ctx context.Context) error

	// Clear discards audio the upstream has buffered but not yet committed.
	Clear(ctx context.Context) error

	// Events returns the channel of decoded upstream events. It is closed when
	// the connection terminates and cannot be restarted.
	Events() <-chan Event

	// State returns the current lifecycle state.
	State() State

	// Err returns the error that terminated the event stream, or nil if it
	// ended because Close was called.
	Err() error

	// Close terminates the session and releases the connection. Idempotent.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream dials the upstream and performs the session-configuration
	// handshake. On success the returned session is Streaming. On failure the
	// error wraps ErrUpstreamUnavailable, nothing needs closing, and no audio
	// has been sent.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
