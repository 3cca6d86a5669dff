// Package snapshot captures an immutable copy of an inbound client request
// so that every failover attempt can be built from identical, independently
// mutable state.
package snapshot

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/clasp-gateway/clasp/internal/gatewayerr"
)

// MaxBodyBytes is the hard cap on request bodies the gateway will snapshot.
// Requests with a larger Content-Length (or whose body exceeds this while
// being read) are rejected with PayloadTooLarge.
const MaxBodyBytes = 10 * 1024 * 1024 // 10 MiB

// Snapshot is an immutable, deep-cloned view of a client request. It is
// created once per request and never mutated; every attempt works from its
// own Clone() of the body.
type Snapshot struct {
	RequestID   string
	Method      string
	URL         *url.URL
	Headers     http.Header // lowercased keys, as captured
	ContentType string
	IsJSONBody  bool

	// jsonBody holds the decoded body when IsJSONBody is true. rawBody holds
	// the opaque byte buffer otherwise. Exactly one is non-nil.
	jsonBody any
	rawBody  []byte
}

// New reads r's body (up to MaxBodyBytes+1, to detect overflow) and returns
// an immutable Snapshot. The caller's request body is fully consumed; it is
// the caller's responsibility to not read r.Body again.
func New(r *http.Request) (*Snapshot, error) {
	if r.ContentLength > MaxBodyBytes {
		return nil, gatewayerr.New(gatewayerr.PayloadTooLarge, 413, "request body exceeds maximum size")
	}

	limited := io.LimitReader(r.Body, MaxBodyBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.PayloadTooLarge, 413, "failed to read request body", err)
	}
	if len(data) > MaxBodyBytes {
		return nil, gatewayerr.New(gatewayerr.PayloadTooLarge, 413, "request body exceeds maximum size")
	}

	headers := make(http.Header, len(r.Header))
	for k, v := range r.Header {
		clone := make([]string, len(v))
		copy(clone, v)
		headers[strings.ToLower(k)] = clone
	}

	contentType := r.Header.Get("Content-Type")
	isJSON := strings.Contains(contentType, "application/json")

	s := &Snapshot{
		RequestID:   uuid.NewString(),
		Method:      r.Method,
		URL:         cloneURL(r.URL),
		Headers:     headers,
		ContentType: contentType,
		IsJSONBody:  isJSON,
	}

	if isJSON && len(data) > 0 {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			// Fall back to raw bytes; callers that need JSON will surface
			// their own decode error downstream.
			s.IsJSONBody = false
			s.rawBody = data
			return s, nil
		}
		s.jsonBody = v
	} else {
		s.rawBody = data
	}

	return s, nil
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return &url.URL{}
	}
	clone := *u
	return &clone
}

// CloneHeaders returns an independent copy of the snapshot's headers.
func (s *Snapshot) CloneHeaders() http.Header {
	out := make(http.Header, len(s.Headers))
	for k, v := range s.Headers {
		clone := make([]string, len(v))
		copy(clone, v)
		out[k] = clone
	}
	return out
}

// CloneBody returns an independent deep copy of the body: either a
// re-decoded JSON value (any mutation of the returned value is invisible to
// other callers of CloneBody) or a copied byte slice.
func (s *Snapshot) CloneBody() (jsonValue any, raw []byte) {
	if s.jsonBody != nil {
		// Round-trip through JSON to guarantee a structurally independent
		// copy (maps/slices are reference types in Go).
		data, err := json.Marshal(s.jsonBody)
		if err != nil {
			return nil, nil
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, nil
		}
		return v, nil
	}
	if s.rawBody == nil {
		return nil, nil
	}
	out := make([]byte, len(s.rawBody))
	copy(out, s.rawBody)
	return nil, out
}

// Reader returns a fresh io.Reader over the snapshot's raw body bytes,
// re-serializing the JSON value if the snapshot holds one.
func (s *Snapshot) Reader() (io.Reader, error) {
	if s.jsonBody != nil {
		data, err := json.Marshal(s.jsonBody)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(data), nil
	}
	return bytes.NewReader(s.rawBody), nil
}
