package plugin

import (
	"context"
	"net/url"
)

// RunRequestInit calls OnRequestInit on every plugin in outbound order.
// Errors are logged; the chain never aborts.
func RunRequestInit(ctx context.Context, inst *Instances, pctx *Context) {
	for _, p := range inst.Outbound() {
		h, ok := p.(RequestInitializer)
		if !ok {
			continue
		}
		if err := h.OnRequestInit(ctx, pctx); err != nil {
			logPluginError(p.Name(), "onRequestInit", err)
		}
	}
}

// RunBeforeRequest calls OnBeforeRequest on every plugin in outbound order,
// threading the capability-restricted PluginURL and copying back only the
// whitelisted fields after each hook.
func RunBeforeRequest(ctx context.Context, inst *Instances, pctx *Context, target *url.URL) {
	for _, p := range inst.Outbound() {
		h, ok := p.(BeforeRequester)
		if !ok {
			continue
		}
		if err := h.OnBeforeRequest(ctx, pctx); err != nil {
			logPluginError(p.Name(), "onBeforeRequest", err)
		}
		pctx.URL.ApplyTo(target)
	}
}

// RunInterceptRequest calls OnInterceptRequest on every plugin in outbound
// order; the first plugin to return a non-nil response short-circuits the
// chain and that response is returned immediately.
func RunInterceptRequest(ctx context.Context, inst *Instances, pctx *Context) (*Response, error) {
	for _, p := range inst.Outbound() {
		h, ok := p.(RequestInterceptor)
		if !ok {
			continue
		}
		resp, err := h.OnInterceptRequest(ctx, pctx)
		if err != nil {
			logPluginError(p.Name(), "onInterceptRequest", err)
			continue
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}

// RunResponse calls OnResponse on every plugin in inbound order. Each
// plugin may replace resp for subsequent plugins; the final value is
// returned. Not called for SSE responses.
func RunResponse(ctx context.Context, inst *Instances, pctx *Context, resp *Response) *Response {
	current := resp
	for _, p := range inst.Inbound() {
		h, ok := p.(Responder)
		if !ok {
			continue
		}
		next, err := h.OnResponse(ctx, pctx, current)
		if err != nil {
			logPluginError(p.Name(), "onResponse", err)
			continue
		}
		if next != nil {
			current = next
		}
	}
	return current
}

// RunError calls OnError on every plugin in inbound order. Observation
// only: the original error is always what the caller continues to
// propagate.
func RunError(ctx context.Context, inst *Instances, pctx *Context, err error) {
	for _, p := range inst.Inbound() {
		h, ok := p.(ErrorObserver)
		if !ok {
			continue
		}
		h.OnError(ctx, pctx, err)
	}
}
