package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func ok(name string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return nil }}
}

func failing(name, msg string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return errors.New(msg) }}
}

func serve(t *testing.T, h *Handler, path string, ctx context.Context) (int, report, http.Header) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var body report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, body, rec.Header()
}

func TestHealthz(t *testing.T) {
	// Liveness ignores failing readiness checks.
	h := New(failing("upstream", "all upstream circuit breakers are open"))
	code, body, hdr := serve(t, h, "/healthz", context.Background())
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %+v, want 200 ok", code, body)
	}
	if body.Checks != nil {
		t.Errorf("healthz should not report checks, got %v", body.Checks)
	}
	if ct := hdr.Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			checkers:   []Checker{ok("config"), ok("upstream")},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"config": "ok", "upstream": "ok"},
		},
		{
			name:       "one fails",
			checkers:   []Checker{ok("config"), failing("credentials", "openai: model \"m\": HTTP 401")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"config": "ok", "credentials": "fail: openai: model \"m\": HTTP 401"},
		},
		{
			name:       "all fail",
			checkers:   []Checker{failing("config", "upstream api_key is not set"), failing("upstream", "open")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"config": "fail: upstream api_key is not set", "upstream": "fail: open"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body, _ := serve(t, New(tt.checkers...), "/readyz", context.Background())
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			for k, want := range tt.wantChecks {
				if got := body.Checks[k]; got != want {
					t.Errorf("check %s = %q, want %q", k, got, want)
				}
			}
		})
	}
}

func TestReadyz_RunsChecksConcurrently(t *testing.T) {
	// Each checker waits for the other; sequential evaluation would time out.
	var wg sync.WaitGroup
	wg.Add(2)
	barrier := func(name string) Checker {
		return Checker{Name: name, Check: func(ctx context.Context) error {
			wg.Done()
			done := make(chan struct{})
			go func() { wg.Wait(); close(done) }()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	code, body, _ := serve(t, New(barrier("a"), barrier("b")), "/readyz", ctx)
	if code != http.StatusOK {
		t.Errorf("readyz = %d %+v, want 200", code, body)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code, body, _ := serve(t, h, "/readyz", ctx)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if body.Checks["slow"] != "fail: context canceled" {
		t.Errorf("slow = %q", body.Checks["slow"])
	}
}

func TestReadyz_Draining(t *testing.T) {
	called := false
	h := New(Checker{Name: "upstream", Check: func(context.Context) error {
		called = true
		return nil
	}})
	h.Drain()
	if !h.Draining() {
		t.Fatal("Draining() = false after Drain")
	}

	code, body, _ := serve(t, h, "/readyz", context.Background())
	if code != http.StatusServiceUnavailable || body.Status != "draining" {
		t.Errorf("readyz = %d %+v, want 503 draining", code, body)
	}
	if called {
		t.Error("checks ran while draining")
	}
	if code, _, _ := serve(t, h, "/healthz", context.Background()); code != http.StatusOK {
		t.Errorf("healthz while draining = %d, want 200", code)
	}
}
