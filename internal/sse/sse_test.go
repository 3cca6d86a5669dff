package sse

import (
	"io"
	"strings"
	"testing"

	"github.com/clasp-gateway/clasp/internal/plugin"
)

func TestParserSplitsFramesAndHandlesDone(t *testing.T) {
	raw := "event: message_start\ndata: {\"type\":\"message_start\"}\n\ndata: [DONE]\n\n"
	p := NewParser(strings.NewReader(raw))

	f1, err := p.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if f1.Event != "message_start" {
		t.Fatalf("got event %q", f1.Event)
	}

	f2, err := p.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if _, ok := f2.Payload.(Done); !ok {
		t.Fatalf("expected Done sentinel, got %#v", f2.Payload)
	}

	if _, err := p.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestParserDropsInvalidJSON(t *testing.T) {
	raw := "data: not-json\n\ndata: {\"ok\":true}\n\n"
	p := NewParser(strings.NewReader(raw))
	f, err := p.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	m, ok := f.Payload.(map[string]any)
	if !ok || m["ok"] != true {
		t.Fatalf("expected the valid frame to survive, got %#v", f.Payload)
	}
}

type upperPlugin struct{}

func (upperPlugin) Name() string { return "upper" }
func (upperPlugin) ProcessStreamChunk(chunk any, sctx *plugin.StreamContext) ([]any, error) {
	s, ok := chunk.(string)
	if !ok {
		return nil, nil
	}
	return []any{strings.ToUpper(s)}, nil
}

type panicPlugin struct{}

func (panicPlugin) Name() string { return "panicker" }
func (panicPlugin) ProcessStreamChunk(chunk any, sctx *plugin.StreamContext) ([]any, error) {
	panic("boom")
}

func TestStreamExecutorFeedsThroughChain(t *testing.T) {
	ex := NewStreamExecutor([]plugin.Plugin{upperPlugin{}})
	out := ex.Feed("hello", "", false)
	if len(out) != 1 || out[0] != "HELLO" {
		t.Fatalf("got %v", out)
	}
}

func TestStreamExecutorPanicForwardsUnchanged(t *testing.T) {
	ex := NewStreamExecutor([]plugin.Plugin{panicPlugin{}})
	out := ex.Feed("hello", "", false)
	if len(out) != 1 || out[0] != "hello" {
		t.Fatalf("expected panic to forward input unchanged, got %v", out)
	}
}

type eventEchoPlugin struct{}

func (eventEchoPlugin) Name() string { return "event-echo" }
func (eventEchoPlugin) ProcessStreamChunk(chunk any, sctx *plugin.StreamContext) ([]any, error) {
	return []any{sctx.Event}, nil
}

func TestStreamExecutorExposesFrameEventType(t *testing.T) {
	ex := NewStreamExecutor([]plugin.Plugin{eventEchoPlugin{}})
	out := ex.Feed(map[string]any{"ignored": true}, "content_block_delta", false)
	if len(out) != 1 || out[0] != "content_block_delta" {
		t.Fatalf("expected plugin to observe the SSE event type, got %v", out)
	}
	out = ex.Feed(map[string]any{}, "", false)
	if len(out) != 1 || out[0] != "" {
		t.Fatalf("expected empty event for event-less frames, got %v", out)
	}
}

func TestSerializerWritesDoneSentinel(t *testing.T) {
	var b strings.Builder
	s := NewSerializer(&b)
	if err := s.Write(Done{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if b.String() != "data: [DONE]\n\n" {
		t.Fatalf("got %q", b.String())
	}
}

func TestSerializerWritesEventAndData(t *testing.T) {
	var b strings.Builder
	s := NewSerializer(&b)
	if err := s.Write(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !strings.HasPrefix(b.String(), "event: ping\n") {
		t.Fatalf("got %q", b.String())
	}
}
