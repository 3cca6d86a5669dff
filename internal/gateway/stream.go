package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/clasp-gateway/clasp/internal/expr"
	"github.com/clasp-gateway/clasp/internal/gatewayerr"
	"github.com/clasp-gateway/clasp/internal/logging"
	"github.com/clasp-gateway/clasp/internal/plugin"
	"github.com/clasp-gateway/clasp/internal/rules"
	"github.com/clasp-gateway/clasp/internal/snapshot"
	"github.com/clasp-gateway/clasp/internal/sse"
)

// maxResponseBody caps how much of a non-streaming upstream response the
// gateway will buffer before applying response rules.
const maxResponseBody = 50 * 1024 * 1024

func isSSE(h http.Header) bool {
	return strings.Contains(h.Get("Content-Type"), "text/event-stream")
}

// writeUpstreamResponse finishes the pipeline: response rules and
// onResponse for ordinary responses, the SSE parse/transform/serialize
// pipeline for streams, then writes the result to the client. The returned
// payload feeds the final attempt's log entry.
func (gw *Gateway) writeUpstreamResponse(w http.ResponseWriter, req *http.Request, snap *snapshot.Snapshot, r *route, ru *runtimeUpstream, inst *plugin.Instances, resp *http.Response, pathname string) *responsePayload {
	if isSSE(resp.Header) {
		gw.streamSSE(w, req.Context(), snap, r, ru, inst, resp)
		return &responsePayload{status: resp.StatusCode, headers: resp.Header, streamed: true}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		gatewayerr.Wrap(gatewayerr.UpstreamUnreachable, 502, "failed to read upstream response", err).WriteJSON(w)
		return &responsePayload{status: 502}
	}

	exprCtx := expr.Context{
		Headers: headersToMap(resp.Header),
		Method:  snap.Method,
		Env:     gw.env,
		URL: expr.URLContext{
			Pathname: pathname,
		},
	}

	var decoded any
	isJSON := strings.Contains(resp.Header.Get("Content-Type"), "application/json")
	if isJSON && len(body) > 0 {
		_ = json.Unmarshal(body, &decoded)
	}

	pctx := &plugin.Context{
		Method:  snap.Method,
		Headers: resp.Header.Clone(),
		Body:    decoded,
		Request: snap.RequestID,
	}
	presp := &plugin.Response{Status: resp.StatusCode, Headers: pctx.Headers, Body: decoded}
	presp = plugin.RunResponse(req.Context(), inst, pctx, presp)

	bodyRules := rules.DeepMergeRules(r.bodyRules, ru.bodyRules)
	finalBody := presp.Body
	if finalBody != nil {
		finalBody = rules.Apply(finalBody, bodyRules, exprCtx)
	}

	var outBytes []byte
	if isJSON && finalBody != nil {
		outBytes, err = json.Marshal(finalBody)
		if err != nil {
			outBytes = body
		}
	} else {
		outBytes = body
	}

	for k, v := range presp.Headers {
		w.Header()[k] = v
	}
	if len(outBytes) > 0 {
		w.Header().Set("Content-Length", strconv.Itoa(len(outBytes)))
	} else {
		w.Header().Del("Content-Length")
	}
	w.WriteHeader(presp.Status)
	_, _ = w.Write(outBytes)

	return &responsePayload{status: presp.Status, headers: presp.Headers, body: outBytes}
}

// streamSSE wires sse.Parser/StreamExecutor/Serializer around the response
// body, flushing after the output of each upstream frame. onResponse hooks apply
// only to non-streaming responses and are skipped here.
func (gw *Gateway) streamSSE(w http.ResponseWriter, ctx context.Context, snap *snapshot.Snapshot, r *route, ru *runtimeUpstream, inst *plugin.Instances, resp *http.Response) {
	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	parser := sse.NewParser(resp.Body)
	executor := sse.NewStreamExecutor(inst.Outbound())
	serializer := sse.NewSerializer(w)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := parser.Next()
		if err != nil {
			break
		}
		if frame.Payload == nil {
			continue // event-only frame with no data line
		}
		if logging.IsDebugEnabled() {
			raw, _ := json.Marshal(frame.Payload)
			logging.DebugSSE("upstream", frame.Event, string(raw))
		}
		isLast := false
		if _, ok := frame.Payload.(sse.Done); ok {
			isLast = true
		}
		for _, out := range executor.Feed(frame.Payload, frame.Event, isLast) {
			_ = serializer.Write(out)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	for _, out := range executor.Flush() {
		_ = serializer.Write(out)
	}
	if flusher != nil {
		flusher.Flush()
	}
}
