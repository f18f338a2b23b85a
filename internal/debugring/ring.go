// Package debugring holds the bounded, process-wide diagnostic logs of recent
// relay traffic: audio chunks received from clients, chunks forwarded
// upstream, upstream transcription events and the messages sent back to
// clients.
//
// Rings are shared by every session. Writes are serialised per ring; reads
// return snapshot copies so concurrent writers never invalidate a reader's
// view. Memory is bounded by the ring capacity regardless of session count.
package debugring

import "sync"

// DefaultCapacity is the per-ring capacity used when none is configured.
const DefaultCapacity = 200

// Ring is a fixed-capacity FIFO. Adding to a full ring evicts the oldest
// entry.
//
// Thread-safe for concurrent use.
type Ring[T any] struct {
	mu   sync.Mutex
	data []T
	pos  int
	full bool
}

// New returns an empty ring holding at most capacity entries. A non-positive
// capacity selects [DefaultCapacity].
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{data: make([]T, capacity)}
}

// Add appends v, evicting the oldest entry when the ring is full.
func (r *Ring[T]) Add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[r.pos] = v
	r.pos++
	if r.pos == len(r.data) {
		r.pos = 0
		r.full = true
	}
}

// Len returns the number of entries currently held.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lenLocked()
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.data) }

// Latest returns a copy of the most recent min(limit, Len()) entries in
// chronological order (oldest first). A non-positive limit returns nil.
func (r *Ring[T]) Latest(limit int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.lenLocked()
	if limit < n {
		n = limit
	}
	if n <= 0 {
		return nil
	}

	out := make([]T, n)
	// Index of the oldest entry to return.
	start := r.pos - n
	if start < 0 {
		start += len(r.data)
	}
	for i := range n {
		out[i] = r.data[(start+i)%len(r.data)]
	}
	return out
}

func (r *Ring[T]) lenLocked() int {
	if r.full {
		return len(r.data)
	}
	return r.pos
}
