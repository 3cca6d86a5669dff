package breaker

import (
	"math/rand"
	"sort"
	"time"
)

// Upstream is the selector-facing view of one runtime upstream record.
type Upstream struct {
	ID       string
	Target   string
	Weight   int
	Priority int
	Breaker  *UpstreamBreaker
}

func effectiveWeight(w int) int {
	if w <= 0 {
		return 1
	}
	return w
}

// Select partitions candidates by priority (lower number = higher
// priority), takes the highest-priority non-empty partition, and chooses one
// upstream within it by weighted random, scaling down upstreams still in
// their slow-start window.
func Select(candidates []*Upstream, now time.Time) *Upstream {
	if len(candidates) == 0 {
		return nil
	}

	byPriority := make(map[int][]*Upstream)
	for _, u := range candidates {
		byPriority[u.Priority] = append(byPriority[u.Priority], u)
	}
	priorities := make([]int, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	partition := byPriority[priorities[0]]
	if len(partition) == 1 {
		return partition[0]
	}

	weights := make([]float64, len(partition))
	var total float64
	for i, u := range partition {
		w := float64(effectiveWeight(u.Weight))
		if u.Breaker != nil {
			w *= u.Breaker.SlowStartMultiplier(now)
			if w <= 0 {
				w = 0.0001 // never fully zero out a healthy candidate
			}
		}
		weights[i] = w
		total += w
	}

	r := rand.Float64() * total
	for i, w := range weights {
		if r < w {
			return partition[i]
		}
		r -= w
	}
	return partition[len(partition)-1]
}
