package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/clasp-gateway/clasp/internal/config"
	"github.com/clasp-gateway/clasp/internal/logstore"
	"github.com/clasp-gateway/clasp/internal/plugin"
	"github.com/clasp-gateway/clasp/internal/translator"
)

// recordingLogger captures every entry written via gw.logger for assertion
// without requiring a real logstore.Store (and its sqlite/goose dependency)
// in unit tests.
type recordingLogger struct {
	entries []logstore.LogEntry
}

func (l *recordingLogger) Write(e logstore.LogEntry) {
	l.entries = append(l.entries, e)
}

func buildGateway(t *testing.T, file *config.RouteConfigFile, logger Logger) *Gateway {
	t.Helper()
	gw, err := Build(file, plugin.NewRegistry(), http.DefaultClient, logger)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return gw
}

// TestRoutePathRewrite checks that the first matching pathRewrite pattern
// (in declaration order) is applied before the upstream's base path is
// prepended.
func TestRoutePathRewrite(t *testing.T) {
	var gotPaths []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	// Raw JSON keeps the declaration order; a Go map would be marshaled
	// with its keys sorted, putting "^/api" first.
	rewrite := json.RawMessage(`{"^/api/v1":"/v1-internal","^/api":""}`)
	file := &config.RouteConfigFile{
		Routes: []config.RouteConfig{{
			Path:        "/api",
			PathRewrite: rewrite,
			Upstreams:   []config.UpstreamConfig{{Target: upstream.URL}},
		}},
	}
	gw := buildGateway(t, file, nil)

	srv := httptest.NewServer(gw)
	defer srv.Close()

	mustGet(t, srv.URL+"/api/v1/users").Body.Close()
	mustGet(t, srv.URL+"/api/health").Body.Close()

	if len(gotPaths) != 2 || gotPaths[0] != "/v1-internal/users" || gotPaths[1] != "/health" {
		t.Fatalf("unexpected upstream paths: %+v", gotPaths)
	}
}

// TestFailoverOnRetryable500 checks that a retryable 500 from the primary
// fails over to the secondary, opens the primary's breaker, and logs both
// attempts in order.
func TestFailoverOnRetryable500(t *testing.T) {
	var aCalls, bCalls int
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		aCalls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bCalls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer b.Close()

	logger := &recordingLogger{}
	file := &config.RouteConfigFile{
		Routes: []config.RouteConfig{{
			Path: "/svc",
			Failover: &config.FailoverPolicyConfig{
				RetryableStatusCodes:         []int{500},
				ConsecutiveFailuresThreshold: 1,
			},
			Upstreams: []config.UpstreamConfig{
				{Target: a.URL, Priority: 1},
				{Target: b.URL, Priority: 2},
			},
		}},
	}
	gw := buildGateway(t, file, logger)

	srv := httptest.NewServer(gw)
	defer srv.Close()

	resp := mustGet(t, srv.URL+"/svc/x")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected client to see 200 from B, got %d", resp.StatusCode)
	}
	if aCalls != 1 || bCalls != 1 {
		t.Fatalf("expected exactly one call to each upstream, got A=%d B=%d", aCalls, bCalls)
	}

	route := gw.routes[0]
	if route.upstreams[0].sel.Breaker.State().String() != "UNHEALTHY" {
		t.Fatalf("expected A to be UNHEALTHY, got %v", route.upstreams[0].sel.Breaker.State())
	}
	if route.upstreams[1].sel.Breaker.State().String() != "HEALTHY" {
		t.Fatalf("expected B to remain HEALTHY, got %v", route.upstreams[1].sel.Breaker.State())
	}

	if len(logger.entries) != 2 {
		t.Fatalf("expected two attempt log entries, got %d", len(logger.entries))
	}
	if logger.entries[0].Failover.AttemptNumber != 1 || logger.entries[0].Failover.RequestType != "retry" {
		t.Fatalf("unexpected first attempt log entry: %+v", logger.entries[0])
	}
	if logger.entries[1].Failover.AttemptNumber != 2 || logger.entries[1].Failover.RequestType != "final" {
		t.Fatalf("unexpected second attempt log entry: %+v", logger.entries[1])
	}
}

// TestAllUpstreamsIneligible checks the 503 short-circuit when every
// upstream is unhealthy and still inside its recovery window.
func TestAllUpstreamsIneligible(t *testing.T) {
	called := false
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer a.Close()

	logger := &recordingLogger{}
	file := &config.RouteConfigFile{
		Routes: []config.RouteConfig{{
			Path: "/svc",
			Failover: &config.FailoverPolicyConfig{
				RetryableStatusCodes:         []int{500},
				ConsecutiveFailuresThreshold: 1,
				RecoveryIntervalMs:           5000,
			},
			Upstreams: []config.UpstreamConfig{{Target: a.URL}},
		}},
	}
	gw := buildGateway(t, file, logger)

	// Drive the upstream's breaker into UNHEALTHY with a recent failure, well
	// inside the recovery window, directly on the compiled runtime record.
	ru := gw.routes[0].upstreams[0]
	policy := gw.routes[0].policy
	now := time.Now()
	ru.sel.Breaker.RecordFailure(policy, now)

	srv := httptest.NewServer(gw)
	defer srv.Close()

	resp := mustGet(t, srv.URL+"/svc/x")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	resp.Body.Close()
	if body["error"] != "Service Unavailable" {
		t.Fatalf("unexpected error body: %+v", body)
	}
	if body["reason"] != "All upstreams are unhealthy and within recovery interval" {
		t.Fatalf("unexpected reason: %+v", body)
	}
	if called {
		t.Fatalf("upstream must not be dispatched when ineligible")
	}
	if len(logger.entries) != 0 {
		t.Fatalf("expected zero attempts logged, got %d", len(logger.entries))
	}
}

// TestAuthStrip checks that the upstream never sees the client's
// Authorization header once auth.enabled is true.
func TestAuthStrip(t *testing.T) {
	var gotAuth string
	var gotAuthPresent bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, gotAuthPresent = r.Header["Authorization"]
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	file := &config.RouteConfigFile{
		Routes: []config.RouteConfig{{
			Path: "/svc",
			Auth: &config.AuthSettings{Enabled: true, Tokens: []string{"T"}},
			Upstreams: []config.UpstreamConfig{
				{Target: upstream.URL},
			},
		}},
	}
	gw := buildGateway(t, file, nil)

	srv := httptest.NewServer(gw)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/svc/x", nil)
	req.Header.Set("Authorization", "Bearer T")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 through the auth gate, got %d", resp.StatusCode)
	}
	if gotAuthPresent || gotAuth != "" {
		t.Fatalf("upstream must not see Authorization header, got %q", gotAuth)
	}
}

// TestAuthRejectsMissingToken checks the 401 path with WWW-Authenticate.
func TestAuthRejectsMissingToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("upstream should not be dispatched for an unauthenticated request")
	}))
	defer upstream.Close()

	file := &config.RouteConfigFile{
		Routes: []config.RouteConfig{{
			Path:      "/svc",
			Auth:      &config.AuthSettings{Enabled: true, Tokens: []string{"T"}},
			Upstreams: []config.UpstreamConfig{{Target: upstream.URL}},
		}},
	}
	gw := buildGateway(t, file, nil)

	srv := httptest.NewServer(gw)
	defer srv.Close()

	resp := mustGet(t, srv.URL+"/svc/x")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") != "Bearer" {
		t.Fatalf("expected WWW-Authenticate: Bearer header")
	}
}

// TestRouteNotFound checks the no-match 404 path.
func TestRouteNotFound(t *testing.T) {
	gw := buildGateway(t, &config.RouteConfigFile{
		Routes: []config.RouteConfig{{
			Path:      "/svc",
			Upstreams: []config.UpstreamConfig{{Target: "http://127.0.0.1:1"}},
		}},
	}, nil)

	srv := httptest.NewServer(gw)
	defer srv.Close()

	resp := mustGet(t, srv.URL+"/nope")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

// TestSSETranslationEndToEnd streams through the whole pipeline: an
// Anthropic-format upstream streams a two-delta text message; through the
// OpenAI-inbound translator plugin the client observes chat.completion.chunk
// events whose concatenated delta content is the full text and whose final
// event carries finish_reason "stop".
func TestSSETranslationEndToEnd(t *testing.T) {
	anthropicEvents := []string{
		`event: message_start` + "\n" + `data: {"type":"message_start","message":{"id":"msg_s5","type":"message","role":"assistant","content":[],"model":"claude-3-5-sonnet","usage":{"input_tokens":9,"output_tokens":0}}}`,
		`event: content_block_start` + "\n" + `data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there!"}}`,
		`event: content_block_stop` + "\n" + `data: {"type":"content_block_stop","index":0}`,
		`event: message_delta` + "\n" + `data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}`,
		`event: message_stop` + "\n" + `data: {"type":"message_stop"}`,
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, ev := range anthropicEvents {
			_, _ = w.Write([]byte(ev + "\n\n"))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	registry := plugin.NewRegistry()
	translator.Register(registry)

	file := &config.RouteConfigFile{
		Routes: []config.RouteConfig{{
			Path:      "/v1/chat",
			Plugins:   []config.PluginRef{{Path: "translator.openai-to-anthropic", Enabled: true}},
			Upstreams: []config.UpstreamConfig{{Target: upstream.URL}},
		}},
	}
	gw, err := Build(file, registry, http.DefaultClient, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	srv := httptest.NewServer(gw)
	defer srv.Close()

	body := strings.NewReader(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", body)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}

	var content strings.Builder
	var finish string
	sawDone := false
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			continue
		}
		var chunk struct {
			Object  string `json:"object"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", data, err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Fatalf("object = %q in %q", chunk.Object, data)
		}
		for _, c := range chunk.Choices {
			content.WriteString(c.Delta.Content)
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
		}
	}

	if got := content.String(); got != "Hello there!" {
		t.Fatalf("concatenated delta content = %q, want \"Hello there!\"", got)
	}
	if finish != "stop" {
		t.Fatalf("finish_reason = %q, want stop", finish)
	}
	if !sawDone {
		t.Fatal("client stream must terminate with [DONE]")
	}
}

type headerStampPlugin struct{}

func (headerStampPlugin) Name() string { return "header-stamp" }
func (headerStampPlugin) OnBeforeRequest(ctx context.Context, pctx *plugin.Context) error {
	pctx.Headers.Set("X-Stamped", "yes")
	pctx.Headers.Set("X-Rule-Added", "overridden-by-plugin")
	return nil
}

// TestBeforeRequestHeaderMutationsReachUpstream checks that headers set by a
// plugin's onBeforeRequest hook make it onto the outbound request, layered
// on top of the route's header rules (plugins run after the rule phases and
// win on conflicting keys).
func TestBeforeRequestHeaderMutationsReachUpstream(t *testing.T) {
	var gotStamped, gotRuleAdded string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStamped = r.Header.Get("X-Stamped")
		gotRuleAdded = r.Header.Get("X-Rule-Added")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	registry := plugin.NewRegistry()
	registry.Register("header-stamp", func(map[string]any) (plugin.Plugin, error) {
		return headerStampPlugin{}, nil
	}, nil)

	headerRules, _ := json.Marshal(map[string]any{
		"add": map[string]string{"X-Rule-Added": "from-rules"},
	})
	file := &config.RouteConfigFile{
		Routes: []config.RouteConfig{{
			Path:      "/svc",
			Plugins:   []config.PluginRef{{Path: "header-stamp", Enabled: true}},
			Headers:   headerRules,
			Upstreams: []config.UpstreamConfig{{Target: upstream.URL}},
		}},
	}
	gw, err := Build(file, registry, http.DefaultClient, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	srv := httptest.NewServer(gw)
	defer srv.Close()

	mustGet(t, srv.URL+"/svc/x").Body.Close()

	if gotStamped != "yes" {
		t.Fatalf("expected onBeforeRequest header to reach the upstream, got %q", gotStamped)
	}
	if gotRuleAdded != "overridden-by-plugin" {
		t.Fatalf("expected the plugin's value to win over the rule's, got %q", gotRuleAdded)
	}
}

func mustGet(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}
