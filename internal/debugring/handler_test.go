package debugring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestMux(t *testing.T) (*http.ServeMux, *Set, *Handler) {
	t.Helper()
	set := NewSet(100)
	h := NewHandler(set)
	mux := http.NewServeMux()
	h.Register(mux)
	return mux, set, h
}

func TestHandler_ReturnsChronologicalItems(t *testing.T) {
	t.Parallel()

	mux, set, _ := newTestMux(t)
	for i := 1; i <= 60; i++ {
		set.FrontChunks.Add(ChunkEntry{Seq: uint64(i), Bytes: 320, Samples: 160})
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/front-chunks", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Items []ChunkEntry `json:"items"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != DefaultLimit {
		t.Fatalf("items = %d, want default %d", len(body.Items), DefaultLimit)
	}
	if body.Items[0].Seq != 11 || body.Items[len(body.Items)-1].Seq != 60 {
		t.Errorf("items span seq %d..%d, want 11..60", body.Items[0].Seq, body.Items[len(body.Items)-1].Seq)
	}
}

func TestHandler_AllRoutes(t *testing.T) {
	t.Parallel()

	mux, set, _ := newTestMux(t)
	set.FrontChunks.Add(ChunkEntry{Seq: 1})
	set.UpstreamChunks.Add(ChunkEntry{Seq: 1, EncodedBytes: 428})
	set.UpstreamText.Add(TextEntry{Type: "partial", Text: "hej"})
	set.FrontText.Add(TextEntry{Type: "final", Text: "hej då"})

	for _, path := range []string{
		"/debug/front-chunks",
		"/debug/openai-chunks",
		"/debug/openai-text",
		"/debug/front-text",
	} {
		req := httptest.NewRequest(http.MethodGet, path+"?limit=5", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
			continue
		}
		var body struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Errorf("%s: decode: %v", path, err)
			continue
		}
		if len(body.Items) != 1 {
			t.Errorf("%s: items = %d, want 1", path, len(body.Items))
		}
	}
}

func TestHandler_EmptyRingReturnsEmptyArray(t *testing.T) {
	t.Parallel()

	mux, _, _ := newTestMux(t)
	req := httptest.NewRequest(http.MethodGet, "/debug/openai-text", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if got := rec.Body.String(); got != "{\"items\":[]}\n" {
		t.Errorf("body = %q, want empty items array", got)
	}
}

func TestHandler_LimitBounds(t *testing.T) {
	t.Parallel()

	mux, _, _ := newTestMux(t)
	tests := []struct {
		query string
		want  int
	}{
		{"limit=1", http.StatusOK},
		{"limit=1000", http.StatusOK},
		{"limit=0", http.StatusBadRequest},
		{"limit=1001", http.StatusBadRequest},
		{"limit=-5", http.StatusBadRequest},
		{"limit=abc", http.StatusBadRequest},
	}
	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, "/debug/front-text?"+tc.query, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.query, rec.Code, tc.want)
		}
	}
}

func TestHandler_Disabled(t *testing.T) {
	t.Parallel()

	mux, _, h := newTestMux(t)
	h.SetEnabled(false)
	if h.Enabled() {
		t.Fatal("Enabled = true after SetEnabled(false)")
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/front-chunks", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestParseLimit(t *testing.T) {
	t.Parallel()

	if n, err := ParseLimit(""); err != nil || n != DefaultLimit {
		t.Errorf("ParseLimit(\"\") = %d, %v; want %d, nil", n, err, DefaultLimit)
	}
	if n, err := ParseLimit("7"); err != nil || n != 7 {
		t.Errorf("ParseLimit(\"7\") = %d, %v; want 7, nil", n, err)
	}
	if _, err := ParseLimit("1e3"); err == nil {
		t.Error("ParseLimit(\"1e3\") should fail")
	}
}
