package upstream

import (
	"math/rand"
	"sync"
	"sync/atomic"
)

// balancer picks the next server to try from a fixed list of healthy
// candidates. Implementations must be safe for concurrent use.
type balancer interface {
	// next returns the index, within candidates, of the server to try.
	next(candidates []int) int
}

func newBalancer(strategy Strategy, servers []Server) balancer {
	switch strategy {
	case StrategyWeighted:
		return newWeightedBalancer(servers)
	case StrategyRandom:
		return &randomBalancer{}
	default:
		return &roundRobinBalancer{}
	}
}

// roundRobinBalancer cycles through candidates via an atomic counter. It
// does not track weight; every candidate is equally likely over time.
type roundRobinBalancer struct {
	counter uint64
}

func (b *roundRobinBalancer) next(candidates []int) int {
	n := atomic.AddUint64(&b.counter, 1)
	return candidates[int(n-1)%len(candidates)]
}

// randomBalancer picks uniformly among candidates.
type randomBalancer struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (b *randomBalancer) next(candidates []int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.r == nil {
		b.r = rand.New(rand.NewSource(1))
	}
	return candidates[b.r.Intn(len(candidates))]
}

// weightedBalancer implements Nginx's smooth weighted round-robin
// algorithm. Each server carries a fixed weight and a running "current
// weight"; every selection adds each server's weight to its current
// weight, picks the server with the highest current weight, then
// subtracts the total weight from the winner. This spreads picks evenly
// across a period instead of bursting N consecutive picks at one server
// the way naive "repeat server N times" weighting does.
type weightedBalancer struct {
	mu      sync.Mutex
	weight  []int // effective weight per server index, aligned to servers slice
	current []int // running current weight per server index
	total   int
}

func newWeightedBalancer(servers []Server) *weightedBalancer {
	w := &weightedBalancer{
		weight:  make([]int, len(servers)),
		current: make([]int, len(servers)),
	}
	for i, s := range servers {
		weight := s.Weight
		if weight <= 0 {
			weight = 1
		}
		w.weight[i] = weight
		w.total += weight
	}
	return w
}

func (b *weightedBalancer) next(candidates []int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	best := -1
	bestCurrent := 0
	for _, idx := range candidates {
		b.current[idx] += b.weight[idx]
		total += b.weight[idx]
		if best == -1 || b.current[idx] > bestCurrent {
			best = idx
			bestCurrent = b.current[idx]
		}
	}
	if best == -1 {
		return candidates[0]
	}
	b.current[best] -= total
	return best
}
