package proxy

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// RateLimiter is a token-bucket limiter applied in front of route matching
// when the config's rateLimit block is present.
type RateLimiter struct {
	mu sync.Mutex

	rate  float64 // tokens per second
	burst int

	tokens   float64
	lastTime time.Time

	allowed int64
	denied  int64
}

// NewRateLimiter allows `requests` per `window` seconds with `burst` extra
// headroom. The bucket starts full.
func NewRateLimiter(requests, window, burst int) *RateLimiter {
	if window <= 0 {
		window = 1
	}
	if burst <= 0 {
		burst = requests
	}
	return &RateLimiter{
		rate:     float64(requests) / float64(window),
		burst:    burst,
		tokens:   float64(burst),
		lastTime: time.Now(),
	}
}

// Allow consumes one token if available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
	rl.lastTime = now

	if max := float64(rl.burst) + rl.rate; rl.tokens > max {
		rl.tokens = max
	}

	if rl.tokens >= 1.0 {
		rl.tokens--
		rl.allowed++
		return true
	}
	rl.denied++
	return false
}

// WaitTime reports how long until the next token accrues.
func (rl *RateLimiter) WaitTime() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.tokens >= 1.0 {
		return 0
	}
	return time.Duration((1.0 - rl.tokens) / rl.rate * float64(time.Second))
}

// Stats returns the allowed/denied counters.
func (rl *RateLimiter) Stats() (allowed, denied int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.allowed, rl.denied
}

// writeRateLimited emits the 429 response the server sends when the bucket
// is empty.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", retryAfter.Round(time.Millisecond).String())
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": "Rate limit exceeded",
	})
}
