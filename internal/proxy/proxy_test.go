package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir string, cfg map[string]any) string {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "clasp.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestServer(t *testing.T, cfg map[string]any) *Server {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CLASP_ACCESS_DB", filepath.Join(dir, "access.db"))
	path := writeConfig(t, dir, cfg)
	s, err := NewServer(path, 0, "test")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestServerProxiesThroughRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"path":"` + r.URL.Path + `"}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, map[string]any{
		"routes": []map[string]any{{
			"path":      "/v1",
			"upstreams": []map[string]any{{"target": upstream.URL}},
		}},
	})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/models", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["path"] != "/v1/models" {
		t.Errorf("upstream saw path %v", body["path"])
	}
}

func TestServerManagementEndpoints(t *testing.T) {
	s := newTestServer(t, map[string]any{
		"routes": []map[string]any{{
			"path":      "/v1",
			"upstreams": []map[string]any{{"target": "http://127.0.0.1:1"}},
		}},
	})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/_clasp/api/upstreams", nil))
	if rec.Code != 200 {
		t.Fatalf("upstreams status = %d", rec.Code)
	}
	var states []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &states); err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || states[0]["status"] != "HEALTHY" {
		t.Errorf("states = %v", states)
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/_clasp/api/config", nil))
	if rec.Code != 200 {
		t.Errorf("config status = %d", rec.Code)
	}
}

func TestServerRateLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer upstream.Close()

	s := newTestServer(t, map[string]any{
		"rateLimit": map[string]any{"requests": 2, "window": 60, "burst": 2},
		"routes": []map[string]any{{
			"path":      "/v1",
			"upstreams": []map[string]any{{"target": upstream.URL}},
		}},
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/x", nil))
		codes = append(codes, rec.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	// Health and management bypass the limiter even when exhausted.
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Errorf("health = %d, want 200", rec.Code)
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl := NewRateLimiter(1000, 1, 1)
	if !rl.Allow() {
		t.Fatal("first request should pass")
	}
	if rl.WaitTime() > 5*time.Millisecond {
		t.Errorf("wait time %v unexpectedly long at 1000 rps", rl.WaitTime())
	}
	time.Sleep(5 * time.Millisecond)
	if !rl.Allow() {
		t.Error("bucket should refill at 1000 tokens/s")
	}
	allowed, denied := rl.Stats()
	if allowed != 2 || denied != 0 {
		t.Errorf("stats = %d/%d", allowed, denied)
	}
}
