package snapshot

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewJSONBody(t *testing.T) {
	body := `{"model":"claude-3","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test", "value")

	snap, err := New(req)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !snap.IsJSONBody {
		t.Fatalf("expected IsJSONBody = true")
	}
	if snap.RequestID == "" {
		t.Fatalf("expected a non-empty RequestID")
	}
	if got := snap.Headers["x-test"]; len(got) != 1 || got[0] != "value" {
		t.Fatalf("expected lowercased header key, got %v", got)
	}
}

func TestSnapshotImmutability(t *testing.T) {
	body := `{"count":1,"nested":{"list":[1,2,3]}}`
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	snap, err := New(req)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	v1, _ := snap.CloneBody()
	m1, ok := v1.(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any, got %T", v1)
	}
	m1["count"] = 999
	nested := m1["nested"].(map[string]any)
	nested["list"] = append(nested["list"].([]any), "mutated")

	v2, _ := snap.CloneBody()
	m2 := v2.(map[string]any)
	if m2["count"] != float64(1) {
		t.Fatalf("mutation of one clone leaked into another: count = %v", m2["count"])
	}
	nested2 := m2["nested"].(map[string]any)
	if len(nested2["list"].([]any)) != 3 {
		t.Fatalf("mutation of one clone's nested list leaked into another")
	}
}

func TestNewPayloadTooLarge(t *testing.T) {
	big := bytes.Repeat([]byte("a"), MaxBodyBytes+1024)
	req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader(big))
	req.ContentLength = int64(len(big))

	_, err := New(req)
	if err == nil {
		t.Fatalf("expected PayloadTooLarge error")
	}
}

func TestRawBodyNonJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "text/plain")

	snap, err := New(req)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if snap.IsJSONBody {
		t.Fatalf("expected IsJSONBody = false for text/plain")
	}
	_, raw := snap.CloneBody()
	if string(raw) != "not json" {
		t.Fatalf("got raw body %q", raw)
	}
}
