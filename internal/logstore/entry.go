// Package logstore implements the asynchronous batched access log writer
// and the body/header filesystem side-stores: entries queue in memory and
// flush to SQLite in single-transaction batches, with per-record payloads
// written to date-partitioned JSON files.
package logstore

import "time"

// FailoverInfo is the attempt-classification block of a log entry.
type FailoverInfo struct {
	IsAttempt       bool
	ParentRequestID string
	AttemptNumber   int
	AttemptUpstream string
	RequestType     string // final | retry | recovery
}

// AuthInfo records how the request fared at the auth gate.
type AuthInfo struct {
	Success bool
	Level   string
}

// RefSet holds references into the filesystem side-stores for the request,
// response, and original request payloads.
type RefSet struct {
	Req     string
	Resp    string
	OrigReq string
}

// LogEntry is one attempt record.
type LogEntry struct {
	RequestID       string
	Timestamp       time.Time
	Method          string
	Path            string
	Query           string
	Status          int
	DurationMs      int64
	RoutePath       string
	Upstream        string
	Transformer     string
	TransformedPath string
	ProcessingSteps []string
	Auth            AuthInfo
	ErrorMessage    string
	BodyRefs        RefSet
	HeaderRefs      RefSet
	Failover        FailoverInfo
	Success         bool
}
