// Package gateway wires the building blocks of the request-processing
// pipeline (snapshot, rule engine, plugin chain, circuit breaker/failover,
// SSE pipeline, async log writer) into the top-level request handler:
// route match, snapshot, auth gate, failover loop, proxyRequest.
//
// Every other internal package (expr, rules, snapshot, plugin, breaker,
// sse, logstore) is a self-contained, independently testable building
// block; this package is the thing that actually serves traffic with them.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/clasp-gateway/clasp/internal/breaker"
	"github.com/clasp-gateway/clasp/internal/config"
	"github.com/clasp-gateway/clasp/internal/logstore"
	"github.com/clasp-gateway/clasp/internal/plugin"
	"github.com/clasp-gateway/clasp/internal/rules"
)

// compiledRewrite is one pathRewrite rule with its regex pre-compiled.
type compiledRewrite struct {
	pattern     *regexp.Regexp
	replacement string
}

// route is the runtime-compiled form of config.RouteConfig: regexes
// compiled once at load time, upstreams turned into breaker.Upstream
// records with their own mutable breaker state, rule sets pre-parsed.
type route struct {
	path        string
	rewrites    []compiledRewrite
	auth        *config.AuthSettings
	globalAuth  *config.AuthSettings
	pluginNames []string
	policy      breaker.Policy
	upstreams   []*runtimeUpstream

	headerRules rules.HeaderRules
	bodyRules   rules.ModificationRules
	queryRules  rules.QueryRules
}

// runtimeUpstream pairs the selector-facing breaker.Upstream with the
// config fields the dispatcher needs (target URL, per-upstream rules,
// per-upstream plugins) that breaker.Upstream itself doesn't carry.
type runtimeUpstream struct {
	sel         *breaker.Upstream
	target      string
	pluginNames []string
	headerRules rules.HeaderRules
	bodyRules   rules.ModificationRules
	queryRules  rules.QueryRules
}

// Gateway holds every route's compiled runtime state plus the process-wide
// collaborators (plugin registry, HTTP client, optional log store).
type Gateway struct {
	routes       []*route
	globalAuth   *config.AuthSettings
	globalPlugin []string
	registry     *plugin.Registry
	client       *http.Client
	env          map[string]string

	logger      Logger
	observer    Observer
	bodyStore   *logstore.SideStore
	headerStore *logstore.SideStore
}

// Logger is the narrow surface the gateway needs from the async log writer
// (internal/logstore.Store satisfies this; tests can substitute a stub).
type Logger interface {
	Write(entry logstore.LogEntry)
}

// Observer receives one notification per attempt, for in-memory statistics.
type Observer interface {
	RecordAttempt(routePath, upstream string, status int, duration time.Duration, requestType string, failed bool)
}

// SetObserver attaches an attempt observer. Must be called before the
// Gateway starts serving.
func (gw *Gateway) SetObserver(o Observer) { gw.observer = o }

// SetSideStores attaches the body/header filesystem stores used to persist
// per-attempt payloads referenced from log entries.
func (gw *Gateway) SetSideStores(bodies, headers *logstore.SideStore) {
	gw.bodyStore = bodies
	gw.headerStore = headers
}

// Build compiles a loaded config.RouteConfigFile into a Gateway. registry
// must already have every plugin name referenced by the config registered
// (unregistered names are logged and skipped, not a load error).
func Build(file *config.RouteConfigFile, registry *plugin.Registry, client *http.Client, logger Logger) (*Gateway, error) {
	if client == nil {
		client = http.DefaultClient
	}

	gw := &Gateway{
		registry:     registry,
		client:       client,
		env:          environMap(),
		globalAuth:   file.Auth,
		globalPlugin: pluginNames(file.Plugins),
		logger:       logger,
	}

	for _, rc := range file.Routes {
		r, err := compileRoute(rc, file.Auth)
		if err != nil {
			return nil, fmt.Errorf("gateway: route %q: %w", rc.Path, err)
		}
		gw.routes = append(gw.routes, r)
	}

	return gw, nil
}

func compileRoute(rc config.RouteConfig, globalAuth *config.AuthSettings) (*route, error) {
	r := &route{
		path:        rc.Path,
		auth:        rc.Auth,
		globalAuth:  globalAuth,
		pluginNames: pluginNames(rc.Plugins),
		headerRules: parseHeaderRules(rc.Headers),
		bodyRules:   parseBodyRules(rc.Body),
		queryRules:  parseQueryRules(rc.Query),
	}

	for _, rw := range rc.OrderedPathRewrite() {
		re, err := regexp.Compile(rw.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pathRewrite pattern %q: %w", rw.Pattern, err)
		}
		r.rewrites = append(r.rewrites, compiledRewrite{pattern: re, replacement: rw.Replacement})
	}

	policyCfg := rc.Failover
	if policyCfg == nil {
		policyCfg = &config.FailoverPolicyConfig{}
	}
	policyCfg.Normalize()
	r.policy = breaker.Policy{
		RetryableStatusCodes:         toStatusSet(policyCfg.RetryableStatusCodes),
		ConsecutiveFailuresThreshold: policyCfg.ConsecutiveFailuresThreshold,
		HealthyThreshold:             policyCfg.HealthyThreshold,
		RecoveryIntervalMs:           policyCfg.RecoveryIntervalMs,
		RecoveryTimeoutMs:            policyCfg.RecoveryTimeoutMs,
		RequestTimeoutMs:             policyCfg.RequestTimeoutMs,
		SlowStartWarmupMs:            policyCfg.SlowStartWarmupMs,
	}

	if len(rc.Upstreams) == 0 {
		return nil, fmt.Errorf("route must declare at least one upstream")
	}
	for i, uc := range rc.Upstreams {
		weight := uc.Weight
		if weight <= 0 {
			weight = 100
		}
		priority := uc.Priority
		if priority <= 0 {
			priority = 1
		}
		ru := &runtimeUpstream{
			sel: &breaker.Upstream{
				ID:       fmt.Sprintf("%s#%d:%s", rc.Path, i, uc.Target),
				Target:   uc.Target,
				Weight:   weight,
				Priority: priority,
				Breaker:  breaker.NewUpstreamBreaker(),
			},
			target:      uc.Target,
			pluginNames: pluginNames(uc.Plugins),
			headerRules: parseHeaderRules(uc.Headers),
			bodyRules:   parseBodyRules(uc.Body),
			queryRules:  parseQueryRules(uc.Query),
		}
		r.upstreams = append(r.upstreams, ru)
	}

	return r, nil
}

func toStatusSet(codes []int) map[int]bool {
	out := make(map[int]bool, len(codes))
	for _, c := range codes {
		out[c] = true
	}
	return out
}

func pluginNames(refs []config.PluginRef) []string {
	var out []string
	for _, p := range refs {
		if !p.Enabled {
			continue
		}
		out = append(out, p.Path)
	}
	return out
}

func environMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			out[kv[:idx]] = kv[idx+1:]
		}
	}
	return out
}

// UpstreamState is the observer view of one upstream's live breaker state,
// served by the management API and the status display.
type UpstreamState struct {
	Route    string `json:"route"`
	Target   string `json:"target"`
	Weight   int    `json:"weight"`
	Priority int    `json:"priority"`
	Status   string `json:"status"` // HEALTHY | UNHEALTHY | HALF_OPEN
}

// UpstreamStates snapshots every route's upstream breaker states. Values may
// be one tick stale with respect to in-flight transitions.
func (gw *Gateway) UpstreamStates() []UpstreamState {
	var out []UpstreamState
	for _, r := range gw.routes {
		for _, ru := range r.upstreams {
			out = append(out, UpstreamState{
				Route:    r.path,
				Target:   ru.sel.Target,
				Weight:   ru.sel.Weight,
				Priority: ru.sel.Priority,
				Status:   ru.sel.Breaker.State().String(),
			})
		}
	}
	return out
}

// matchRoute returns the first route whose path is a prefix of reqPath, in
// declaration order. First match wins; longest-prefix is deliberately not
// attempted.
func (gw *Gateway) matchRoute(reqPath string) *route {
	for _, r := range gw.routes {
		if strings.HasPrefix(reqPath, r.path) {
			return r
		}
	}
	return nil
}

func parseHeaderRules(raw []byte) rules.HeaderRules {
	var hr rules.HeaderRules
	if len(raw) == 0 {
		return hr
	}
	_ = json.Unmarshal(raw, &hr)
	return hr
}

func parseBodyRules(raw []byte) rules.ModificationRules {
	var mr rules.ModificationRules
	if len(raw) == 0 {
		return mr
	}
	_ = json.Unmarshal(raw, &mr)
	return mr
}

func parseQueryRules(raw []byte) rules.QueryRules {
	var qr rules.QueryRules
	if len(raw) == 0 {
		return qr
	}
	_ = json.Unmarshal(raw, &qr)
	return qr
}
