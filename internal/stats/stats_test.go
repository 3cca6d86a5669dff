package stats

import (
	"sync"
	"testing"
	"time"
)

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector()
	c.RecordAttempt("/api", "http://a", 200, 120*time.Millisecond, "final", false)
	c.RecordAttempt("/api", "http://a", 500, 80*time.Millisecond, "retry", true)
	c.RecordAttempt("/api", "http://b", 200, 50*time.Millisecond, "final", false)
	c.RecordAttempt("/other", "http://c", 200, 10*time.Millisecond, "recovery", false)

	s := c.Snapshot()
	if s.TotalRequests != 4 || s.TotalFailures != 1 {
		t.Errorf("totals = %d/%d, want 4/1", s.TotalRequests, s.TotalFailures)
	}

	api := s.ByRoute["/api"]
	if api.Requests != 3 || api.Failures != 1 {
		t.Errorf("/api = %+v", api)
	}
	if api.ErrorPct < 33 || api.ErrorPct > 34 {
		t.Errorf("/api error pct = %f", api.ErrorPct)
	}

	a := s.ByUpstream["http://a"]
	if a.Requests != 2 || a.Failures != 1 || a.Retries != 1 {
		t.Errorf("upstream a = %+v", a)
	}
	if a.TotalMs != 200 {
		t.Errorf("upstream a total ms = %d", a.TotalMs)
	}
	if a.LastStatus != 500 {
		t.Errorf("upstream a last status = %d", a.LastStatus)
	}
	if got := s.ByUpstream["http://c"].Recoveries; got != 1 {
		t.Errorf("upstream c recoveries = %d", got)
	}
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordAttempt("/r", "http://u", 200, time.Millisecond, "final", false)
			}
		}()
	}
	wg.Wait()
	if got := c.Snapshot().TotalRequests; got != 800 {
		t.Errorf("total = %d, want 800", got)
	}
}

func TestReset(t *testing.T) {
	c := NewCollector()
	c.RecordAttempt("/r", "http://u", 200, time.Millisecond, "final", false)
	c.Reset()
	s := c.Snapshot()
	if s.TotalRequests != 0 || len(s.ByRoute) != 0 || len(s.ByUpstream) != 0 {
		t.Errorf("reset left data behind: %+v", s)
	}
}
