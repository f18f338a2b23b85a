package debugring

import (
	"encoding/json"
	"time"
)

// ChunkEntry records one audio chunk. Entries in the front-chunks ring
// describe the raw bytes received from the client; entries in the
// openai-chunks ring additionally carry the encoded size sent upstream.
type ChunkEntry struct {
	At        time.Time `json:"t"`
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Bytes     int       `json:"bytes"`
	Samples   int       `json:"samples"`
	StartS    float64   `json:"start_s"`
	EndS      float64   `json:"end_s"`

	// EncodedBytes is the on-the-wire payload size after upstream encoding.
	// Zero for raw inbound entries.
	EncodedBytes int `json:"encoded_bytes,omitempty"`
}

// TextEntry records one transcript message. In the openai-text ring it
// describes what the upstream produced; in the front-text ring, Payload holds
// the exact serialised message sent to the client.
type TextEntry struct {
	At        time.Time `json:"t"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	StartS    float64   `json:"start_s"`
	EndS      float64   `json:"end_s"`

	// Event is the upstream event type the message was derived from.
	Event string `json:"event,omitempty"`

	// Payload is the serialised outbound message.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Set is the group of four process-wide debug rings.
type Set struct {
	// FrontChunks holds raw chunks received from clients.
	FrontChunks *Ring[ChunkEntry]

	// UpstreamChunks holds chunks as forwarded to the upstream service.
	UpstreamChunks *Ring[ChunkEntry]

	// UpstreamText holds transcript events produced from upstream events.
	UpstreamText *Ring[TextEntry]

	// FrontText holds messages delivered to clients.
	FrontText *Ring[TextEntry]
}

// NewSet creates the four rings, each with the given capacity.
func NewSet(capacity int) *Set {
	return &Set{
		FrontChunks:    New[ChunkEntry](capacity),
		UpstreamChunks: New[ChunkEntry](capacity),
		UpstreamText:   New[TextEntry](capacity),
		FrontText:      New[TextEntry](capacity),
	}
}
