// Package health serves the relay's liveness and readiness probes.
//
//   - GET /healthz answers {"status":"ok"} while the process can serve HTTP.
//   - GET /readyz runs every registered [Checker] concurrently and answers
//     200 only when all of them pass. A draining handler answers 503 without
//     running any check.
//
// Readiness bodies carry a per-check "checks" map next to "status"
// ("ok", "fail" or "draining").
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	statusOK       = "ok"
	statusFail     = "fail"
	statusDraining = "draining"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when healthy and
// must respect ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New returns a Handler evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Drain makes /readyz fail from now on. Call it when shutdown starts so
// that load balancers stop sending new sessions while live ones finish.
func (h *Handler) Drain() { h.draining.Store(true) }

// Draining reports whether [Handler.Drain] was called.
func (h *Handler) Draining() bool { return h.draining.Load() }

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: statusOK})
}

// Readyz reports whether the relay should receive new sessions.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, report{Status: statusDraining})
		return
	}
	rep := h.evaluate(r.Context())
	code := http.StatusOK
	if rep.Status != statusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (h *Handler) evaluate(ctx context.Context) report {
	rep := report{Status: statusOK, Checks: make(map[string]string, len(h.checkers))}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Checks[c.Name] = statusFail + ": " + err.Error()
				rep.Status = statusFail
				return nil
			}
			rep.Checks[c.Name] = statusOK
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
