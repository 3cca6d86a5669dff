// Package stats aggregates per-route and per-upstream request statistics in
// memory for the management API and the status display. Counters only; the
// durable per-attempt record lives in the logstore.
package stats

import (
	"sync"
	"time"
)

// Collector accumulates attempt outcomes. One Collector exists per worker;
// all request handlers share it.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time

	totalRequests int64
	totalFailures int64

	routes    map[string]*routeStats
	upstreams map[string]*UpstreamStats
}

type routeStats struct {
	requests int64
	failures int64
}

// UpstreamStats is one upstream's aggregate view.
type UpstreamStats struct {
	Requests     int64 `json:"requests"`
	Failures     int64 `json:"failures"`
	Retries      int64 `json:"retries"`
	Recoveries   int64 `json:"recoveries"`
	TotalMs      int64 `json:"total_ms"`
	LastStatus   int   `json:"last_status"`
	LastAttempt  time.Time `json:"last_attempt"`
}

func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		routes:    make(map[string]*routeStats),
		upstreams: make(map[string]*UpstreamStats),
	}
}

// RecordAttempt records one dispatch to upstream on routePath. requestType is
// the failover classification (final/retry/recovery); failed covers both
// transport errors and retryable statuses.
func (c *Collector) RecordAttempt(routePath, upstream string, status int, duration time.Duration, requestType string, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests++
	if failed {
		c.totalFailures++
	}

	rs, ok := c.routes[routePath]
	if !ok {
		rs = &routeStats{}
		c.routes[routePath] = rs
	}
	rs.requests++
	if failed {
		rs.failures++
	}

	us, ok := c.upstreams[upstream]
	if !ok {
		us = &UpstreamStats{}
		c.upstreams[upstream] = us
	}
	us.Requests++
	if failed {
		us.Failures++
	}
	switch requestType {
	case "retry":
		us.Retries++
	case "recovery":
		us.Recoveries++
	}
	us.TotalMs += duration.Milliseconds()
	us.LastStatus = status
	us.LastAttempt = time.Now()
}

// RouteSummary is one route's aggregate view.
type RouteSummary struct {
	Requests int64   `json:"requests"`
	Failures int64   `json:"failures"`
	ErrorPct float64 `json:"error_pct"`
}

// Summary is the full snapshot served by /api/stats.
type Summary struct {
	Uptime        string                    `json:"uptime"`
	TotalRequests int64                     `json:"total_requests"`
	TotalFailures int64                     `json:"total_failures"`
	ByRoute       map[string]RouteSummary   `json:"by_route"`
	ByUpstream    map[string]UpstreamStats  `json:"by_upstream"`
}

// Snapshot copies the current counters. Values are at-most-one-tick stale
// with respect to concurrent writers, which is acceptable for observers.
func (c *Collector) Snapshot() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Summary{
		Uptime:        time.Since(c.startTime).Round(time.Second).String(),
		TotalRequests: c.totalRequests,
		TotalFailures: c.totalFailures,
		ByRoute:       make(map[string]RouteSummary, len(c.routes)),
		ByUpstream:    make(map[string]UpstreamStats, len(c.upstreams)),
	}
	for path, rs := range c.routes {
		summary := RouteSummary{Requests: rs.requests, Failures: rs.failures}
		if rs.requests > 0 {
			summary.ErrorPct = float64(rs.failures) / float64(rs.requests) * 100
		}
		s.ByRoute[path] = summary
	}
	for target, us := range c.upstreams {
		s.ByUpstream[target] = *us
	}
	return s
}

// Reset clears all counters, keeping the collector usable.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests = 0
	c.totalFailures = 0
	c.routes = make(map[string]*routeStats)
	c.upstreams = make(map[string]*UpstreamStats)
	c.startTime = time.Now()
}
