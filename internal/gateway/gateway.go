package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/clasp-gateway/clasp/internal/breaker"
	"github.com/clasp-gateway/clasp/internal/expr"
	"github.com/clasp-gateway/clasp/internal/gatewayerr"
	"github.com/clasp-gateway/clasp/internal/logging"
	"github.com/clasp-gateway/clasp/internal/plugin"
	"github.com/clasp-gateway/clasp/internal/rules"
	"github.com/clasp-gateway/clasp/internal/snapshot"
)

var reservedPaths = map[string]bool{
	"/health":           true,
	"/favicon.ico":      true,
	"/robots.txt":       true,
	"/apple-touch-icon": true,
}

// ServeHTTP is the top of the request pipeline: reserved paths, route
// match, snapshot, plugin acquisition, auth gate, failover loop.
func (gw *Gateway) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if reservedPaths[req.URL.Path] || strings.HasPrefix(req.URL.Path, "/.well-known/") {
		gw.handleReserved(w, req)
		return
	}

	r := gw.matchRoute(req.URL.Path)
	if r == nil {
		gatewayerr.ErrRouteNotFound.WriteJSON(w)
		return
	}

	snap, err := snapshot.New(req)
	if err != nil {
		writeErr(w, err)
		return
	}

	inst, release := gw.registry.AcquireInstances(gw.globalPlugin, r.pluginNames)
	defer release()

	policy := effectiveAuth(r)
	authErr := gw.authenticate(req, policy)
	authSuccess := authErr == nil
	if authErr != nil {
		gw.logAuthFailure(snap, r, authErr)
		writeErr(w, authErr)
		return
	}

	gw.dispatchWithFailover(w, req, snap, r, inst, authSuccess)
}

func (gw *Gateway) handleReserved(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == "/health" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func writeErr(w http.ResponseWriter, err error) {
	var gerr *gatewayerr.Error
	if gatewayerr.As(err, &gerr) {
		gerr.WriteJSON(w)
		return
	}
	gatewayerr.New(gatewayerr.UpstreamUnreachable, http.StatusBadGateway, err.Error()).WriteJSON(w)
}

// runtimeUpstreamFor maps a breaker.Upstream (as selected by breaker.Do)
// back to the config-carrying runtimeUpstream alongside it.
func (r *route) runtimeUpstreamFor(u *breaker.Upstream) *runtimeUpstream {
	for _, ru := range r.upstreams {
		if ru.sel == u {
			return ru
		}
	}
	return nil
}

// dispatchWithFailover runs the failover attempt loop via breaker.Do, capturing
// the live *http.Response of the terminal attempt across the closure since
// breaker.DispatchFunc only reports (status, err) to the controller.
func (gw *Gateway) dispatchWithFailover(w http.ResponseWriter, req *http.Request, snap *snapshot.Snapshot, r *route, inst *plugin.Instances, authSuccess bool) {
	candidates := make([]*breaker.Upstream, len(r.upstreams))
	for i, ru := range r.upstreams {
		candidates[i] = ru.sel
	}

	var currentResp *http.Response
	var currentRU *runtimeUpstream
	var currentPathname string

	dispatch := func(ctx context.Context, u *breaker.Upstream, timeout time.Duration) (int, error) {
		if currentResp != nil {
			_ = currentResp.Body.Close()
		}
		ru := r.runtimeUpstreamFor(u)
		resp, pathname, err := gw.proxyRequest(ctx, snap, r, ru, inst, timeout)
		if err != nil {
			currentResp = nil
			return 0, err
		}
		currentResp = resp
		currentRU = ru
		currentPathname = pathname
		return resp.StatusCode, nil
	}

	result, err := breaker.Do(req.Context(), candidates, r.policy, dispatch)

	if err != nil {
		if currentResp != nil {
			_ = currentResp.Body.Close()
		}
		plugin.RunError(req.Context(), inst, &plugin.Context{
			Method:  snap.Method,
			Headers: snap.CloneHeaders(),
			Request: snap.RequestID,
		}, err)
		writeErr(w, err)
		gw.logAttempts(snap, r, result, authSuccess, nil)
		return
	}
	defer currentResp.Body.Close()

	payload := gw.writeUpstreamResponse(w, req, snap, r, currentRU, inst, currentResp, currentPathname)
	gw.logAttempts(snap, r, result, authSuccess, payload)
}

// proxyRequest performs one attempt: build the target URL, apply
// pathRewrite, run outbound plugin hooks and rule layers, dispatch.
func (gw *Gateway) proxyRequest(ctx context.Context, snap *snapshot.Snapshot, r *route, ru *runtimeUpstream, inst *plugin.Instances, timeout time.Duration) (*http.Response, string, error) {
	target, err := buildTargetURL(ru.target, snap.URL, r.rewrites)
	if err != nil {
		return nil, "", gatewayerr.Wrap(gatewayerr.UpstreamUnreachable, 502, "failed to build upstream URL", err)
	}
	pathname := target.Path

	jsonBody, rawBody := snap.CloneBody()
	headers := snap.CloneHeaders()

	exprCtx := expr.Context{
		Headers: headersToMap(headers),
		Body:    jsonBody,
		Method:  snap.Method,
		Env:     gw.env,
		URL: expr.URLContext{
			Pathname: target.Path,
			Search:   target.RawQuery,
			Host:     target.Host,
			Protocol: strings.TrimSuffix(target.Scheme, ":"),
		},
	}

	pctx := &plugin.Context{
		Method:  snap.Method,
		URL:     plugin.NewPluginURL(target),
		Headers: headers,
		Body:    jsonBody,
		Request: snap.RequestID,
	}

	plugin.RunRequestInit(ctx, inst, pctx)

	bodyRules := rules.DeepMergeRules(r.bodyRules, ru.bodyRules)
	if pctx.Body != nil {
		pctx.Body = rules.Apply(pctx.Body, bodyRules, exprCtx)
	}

	// pctx.Headers is the working header set for the whole attempt: rule
	// phases run on it first, then onBeforeRequest sees (and may mutate) the
	// post-rule result, and the outbound request reads it back.
	headerRules := rules.MergeHeaderRules(r.headerRules, ru.headerRules)
	policy := effectiveAuth(r)
	if policy != nil && policy.Enabled {
		for k := range pctx.Headers {
			if strings.EqualFold(k, "Authorization") {
				delete(pctx.Headers, k)
			}
		}
	}
	pctx.Headers = rules.ApplyHeaders(pctx.Headers, headerRules, exprCtx)

	queryRules := rules.MergeQueryRules(r.queryRules, ru.queryRules)
	params := rules.ApplyQuery(rules.ParseQuery(target.RawQuery), queryRules, exprCtx)
	target.RawQuery = rules.EncodeQuery(params)

	bodyBytes, err := serializeBody(pctx.Body, rawBody, snap.IsJSONBody)
	if err != nil {
		return nil, "", gatewayerr.Wrap(gatewayerr.PluginError, 500, "failed to serialize request body", err)
	}

	plugin.RunBeforeRequest(ctx, inst, pctx, target)
	pathname = target.Path
	if pctx.Body != nil {
		rebuilt, err := serializeBody(pctx.Body, rawBody, snap.IsJSONBody)
		if err == nil {
			bodyBytes = rebuilt
		}
	}
	outHeaders := pctx.Headers

	if resp, err := plugin.RunInterceptRequest(ctx, inst, pctx); err != nil {
		return nil, "", err
	} else if resp != nil {
		return syntheticResponse(resp), pathname, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, snap.Method, target.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, "", gatewayerr.Wrap(gatewayerr.UpstreamUnreachable, 502, "failed to build upstream request", err)
	}
	httpReq.Header = outHeaders
	if len(bodyBytes) == 0 {
		httpReq.Header.Del("Content-Length")
		httpReq.ContentLength = 0
	} else {
		httpReq.ContentLength = int64(len(bodyBytes))
		httpReq.Header.Set("Content-Length", strconv.Itoa(len(bodyBytes)))
	}

	if logging.IsDebugEnabled() {
		logging.DebugPayload("outbound", target.String(), bodyBytes)
	}

	resp, err := gw.client.Do(httpReq)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, "", gatewayerr.New(gatewayerr.TimeoutError, 504,
				fmt.Sprintf("Request timeout: %dms exceeded", timeout.Milliseconds()))
		}
		return nil, "", gatewayerr.Wrap(gatewayerr.UpstreamUnreachable, 502, "upstream unreachable", err)
	}
	return resp, pathname, nil
}

func syntheticResponse(r *plugin.Response) *http.Response {
	body, _ := serializeBody(r.Body, nil, true)
	return &http.Response{
		StatusCode: r.Status,
		Header:     r.Headers,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

// buildTargetURL joins upstream's base with snap's path, applying the
// route's pathRewrite rules by first-regex-match replace.
func buildTargetURL(base string, snapURL *url.URL, rewrites []compiledRewrite) (*url.URL, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	pathname := snapURL.Path
	for _, rw := range rewrites {
		if rw.pattern.MatchString(pathname) {
			pathname = rw.pattern.ReplaceAllString(pathname, rw.replacement)
			break
		}
	}
	joined := *baseURL
	joined.Path = joinPath(baseURL.Path, pathname)
	joined.RawQuery = snapURL.RawQuery
	return &joined, nil
}

func joinPath(a, b string) string {
	a = strings.TrimSuffix(a, "/")
	if !strings.HasPrefix(b, "/") {
		b = "/" + b
	}
	return a + b
}

func headersToMap(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		if len(v) == 1 {
			out[strings.ToLower(k)] = v[0]
		} else {
			vs := make([]any, len(v))
			for i, s := range v {
				vs[i] = s
			}
			out[strings.ToLower(k)] = vs
		}
	}
	return out
}

func serializeBody(jsonBody any, rawBody []byte, wasJSON bool) ([]byte, error) {
	if wasJSON {
		if jsonBody == nil {
			return nil, nil
		}
		return json.Marshal(jsonBody)
	}
	return rawBody, nil
}
