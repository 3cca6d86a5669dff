package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/clasp-gateway/clasp/internal/breaker"
	"github.com/clasp-gateway/clasp/internal/logstore"
	"github.com/clasp-gateway/clasp/internal/snapshot"
)

// responsePayload carries what the response writer observed, for the final
// attempt's log entry. Streamed responses record headers only.
type responsePayload struct {
	status   int
	headers  http.Header
	body     []byte
	streamed bool
}

// logAuthFailure records a single log entry for a request rejected by the
// auth gate before any upstream attempt was made.
func (gw *Gateway) logAuthFailure(snap *snapshot.Snapshot, r *route, authErr error) {
	if gw.logger == nil {
		return
	}
	gw.logger.Write(logstore.LogEntry{
		RequestID:    snap.RequestID,
		Timestamp:    time.Now(),
		Method:       snap.Method,
		Path:         snap.URL.Path,
		Query:        snap.URL.RawQuery,
		Status:       401,
		RoutePath:    r.path,
		Auth:         logstore.AuthInfo{Success: false, Level: "bearer"},
		ErrorMessage: authErr.Error(),
		Success:      false,
		Failover:     logstore.FailoverInfo{RequestType: string(breaker.Final)},
	})
}

// logAttempts writes one log entry per attempt breaker.Do recorded, in
// attempt order. The original request
// payload is persisted once into the side stores and referenced from every
// attempt's entry; the final attempt's entry additionally references the
// response payload (non-streamed responses only).
func (gw *Gateway) logAttempts(snap *snapshot.Snapshot, r *route, result *breaker.Result, authSuccess bool, resp *responsePayload) {
	if result == nil {
		return
	}

	if gw.observer != nil {
		for _, a := range result.Attempts {
			failed := a.Err != nil || a.Status >= 400
			gw.observer.RecordAttempt(r.path, attemptTarget(a), a.Status, a.Duration, string(a.RequestType), failed)
		}
	}

	if gw.logger == nil {
		return
	}

	origBodyRef, origHeaderRef := gw.saveOriginal(snap)

	start := time.Now()
	for i, a := range result.Attempts {
		errMsg := ""
		if a.Err != nil {
			errMsg = a.Err.Error()
		}
		entry := logstore.LogEntry{
			RequestID:    requestIDForAttempt(snap.RequestID, a.AttemptNumber),
			Timestamp:    start,
			Method:       snap.Method,
			Path:         snap.URL.Path,
			Query:        snap.URL.RawQuery,
			Status:       a.Status,
			DurationMs:   a.Duration.Milliseconds(),
			RoutePath:    r.path,
			Upstream:     attemptTarget(a),
			Auth:         logstore.AuthInfo{Success: authSuccess, Level: "bearer"},
			ErrorMessage: errMsg,
			Success:      a.Err == nil && a.Status < 400,
			BodyRefs:     logstore.RefSet{OrigReq: origBodyRef},
			HeaderRefs:   logstore.RefSet{OrigReq: origHeaderRef},
			Failover: logstore.FailoverInfo{
				IsAttempt:       true,
				ParentRequestID: snap.RequestID,
				AttemptNumber:   a.AttemptNumber,
				AttemptUpstream: attemptTarget(a),
				RequestType:     string(a.RequestType),
			},
		}

		isFinal := i == len(result.Attempts)-1
		if isFinal && resp != nil && !resp.streamed && gw.bodyStore != nil {
			if ref, err := gw.bodyStore.Save(entry.RequestID, resp.body, logstore.KindResponse, resp.status); err == nil {
				entry.BodyRefs.Resp = ref
			}
			if gw.headerStore != nil {
				if ref, err := gw.headerStore.Save(entry.RequestID, headerJSON(resp.headers), logstore.KindResponse, resp.status); err == nil {
					entry.HeaderRefs.Resp = ref
				}
			}
		}
		gw.logger.Write(entry)
	}
}

// saveOriginal persists the snapshot's body and headers (the request exactly
// as the client sent it, Authorization included) and returns the two refs.
func (gw *Gateway) saveOriginal(snap *snapshot.Snapshot) (bodyRef, headerRef string) {
	if gw.headerStore != nil {
		if ref, err := gw.headerStore.Save(snap.RequestID, headerJSON(snap.Headers), logstore.KindOriginalRequest, 0); err == nil {
			headerRef = ref
		}
	}
	if gw.bodyStore != nil {
		if rd, err := snap.Reader(); err == nil {
			if body, err := io.ReadAll(rd); err == nil && len(body) > 0 {
				if ref, err := gw.bodyStore.Save(snap.RequestID, body, logstore.KindOriginalRequest, 0); err == nil {
					bodyRef = ref
				}
			}
		}
	}
	return bodyRef, headerRef
}

func headerJSON(h http.Header) []byte {
	out, err := json.Marshal(h)
	if err != nil {
		return []byte("{}")
	}
	return out
}

func attemptTarget(a breaker.Attempt) string {
	if a.Upstream == nil {
		return ""
	}
	return a.Upstream.Target
}

// requestIDForAttempt derives a stable, unique-per-attempt id from the
// request's snapshot id so that a multi-attempt request produces distinct
// rows; request_id uniqueness is per log row, not per client request.
func requestIDForAttempt(base string, attemptNumber int) string {
	if attemptNumber <= 1 {
		return base
	}
	return base + "-" + strconv.Itoa(attemptNumber)
}
