package debugring

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
)

const (
	// DefaultLimit is the number of entries returned when no limit is given.
	DefaultLimit = 50

	// MaxLimit is the largest accepted limit.
	MaxLimit = 1000
)

// itemsResponse is the JSON body of every debug endpoint.
type itemsResponse[T any] struct {
	Items []T `json:"items"`
}

// errorResponse is returned for rejected requests.
type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves read-only HTTP views of a [Set]:
//
//	GET /debug/front-chunks?limit=N
//	GET /debug/openai-chunks?limit=N
//	GET /debug/openai-text?limit=N
//	GET /debug/front-text?limit=N
//
// limit must be an integer in [1, MaxLimit] and defaults to [DefaultLimit].
// Items are returned oldest first.
type Handler struct {
	set     *Set
	enabled atomic.Bool
}

// NewHandler returns an enabled Handler over set.
func NewHandler(set *Set) *Handler {
	h := &Handler{set: set}
	h.enabled.Store(true)
	return h
}

// SetEnabled toggles the endpoints at runtime. Disabled endpoints answer 404.
func (h *Handler) SetEnabled(v bool) { h.enabled.Store(v) }

// Enabled reports whether the endpoints are served.
func (h *Handler) Enabled() bool { return h.enabled.Load() }

// Register adds the debug routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /debug/front-chunks", serveRing(h, h.set.FrontChunks))
	mux.HandleFunc("GET /debug/openai-chunks", serveRing(h, h.set.UpstreamChunks))
	mux.HandleFunc("GET /debug/openai-text", serveRing(h, h.set.UpstreamText))
	mux.HandleFunc("GET /debug/front-text", serveRing(h, h.set.FrontText))
}

func serveRing[T any](h *Handler, r *Ring[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !h.enabled.Load() {
			http.NotFound(w, req)
			return
		}
		limit, err := ParseLimit(req.URL.Query().Get("limit"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		items := r.Latest(limit)
		if items == nil {
			items = []T{}
		}
		writeJSON(w, http.StatusOK, itemsResponse[T]{Items: items})
	}
}

// limitError describes a rejected limit parameter.
type limitError struct {
	raw string
}

func (e *limitError) Error() string {
	return "limit must be an integer between 1 and " + strconv.Itoa(MaxLimit) + ", got " + strconv.Quote(e.raw)
}

// ParseLimit validates a limit query value. The empty string yields
// [DefaultLimit].
func ParseLimit(raw string) (int, error) {
	if raw == "" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > MaxLimit {
		return 0, &limitError{raw: raw}
	}
	return n, nil
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
