package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRouteConfigFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	contents := `{
		"routes": [
			{"path": "/api", "upstreams": [{"target": "http://u/"}]}
		]
	}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadRouteConfigFile(path)
	if err != nil {
		t.Fatalf("LoadRouteConfigFile() error = %v", err)
	}
	if len(cfg.Routes) != 1 || cfg.Routes[0].Path != "/api" {
		t.Fatalf("got %+v", cfg.Routes)
	}
}

func TestLoadRouteConfigFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	contents := "routes:\n  - path: /api\n    upstreams:\n      - target: http://u/\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadRouteConfigFile(path)
	if err != nil {
		t.Fatalf("LoadRouteConfigFile() error = %v", err)
	}
	if len(cfg.Routes) != 1 || cfg.Routes[0].Upstreams[0].Target != "http://u/" {
		t.Fatalf("got %+v", cfg.Routes)
	}
}

func TestValidateRejectsEmptyRoutes(t *testing.T) {
	cfg := &RouteConfigFile{}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error for empty routes")
	}
}

func TestWatcherDebouncesRapidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	if err := os.WriteFile(path, []byte(`{"routes":[]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	changes := make(chan string, 10)
	w, err := NewWatcher(path, func(p string) { changes <- p })
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte(`{"routes":[]}`), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a debounced change notification")
	}
}
