package balancer

import (
	"sync"
)

// WeightedRoundRobin implements weighted round-robin load balancing
type WeightedRoundRobin[M Member] struct {
	provider      Provider[M]
	mu            sync.Mutex
	currentIndex  int
	currentWeight int
}

// NewWeightedRoundRobin creates a new WeightedRoundRobin balancer
func NewWeightedRoundRobin[M Member](provider Provider[M]) *WeightedRoundRobin[M] {
	return &WeightedRoundRobin[M]{
		provider:      provider,
		currentIndex:  -1,
		currentWeight: 0,
	}
}

// Next returns the next member using weighted round-robin algorithm.
// Main members are preferred over fallback; names in exclude are skipped.
func (wrr *WeightedRoundRobin[M]) Next(exclude map[string]bool) (M, bool) {
	wrr.mu.Lock()
	defer wrr.mu.Unlock()

	members := getAvailable(wrr.provider, exclude)
	if len(members) == 0 {
		var zero M
		return zero, false
	}

	if len(members) == 1 {
		return members[0], true
	}

	gcd := gcdWeights(members)
	maxWeight := maxWeight(members)

	for {
		wrr.currentIndex = (wrr.currentIndex + 1) % len(members)

		if wrr.currentIndex == 0 {
			wrr.currentWeight = wrr.currentWeight - gcd
			if wrr.currentWeight <= 0 {
				wrr.currentWeight = maxWeight
			}
		}

		m := members[wrr.currentIndex]
		if m.Weight() >= wrr.currentWeight {
			return m, true
		}
	}
}

// RoundRobin is a simple round-robin balancer (no weights)
type RoundRobin[M Member] struct {
	provider Provider[M]
	mu       sync.Mutex
	index    int
}

// NewRoundRobin creates a new simple round-robin balancer
func NewRoundRobin[M Member](provider Provider[M]) *RoundRobin[M] {
	return &RoundRobin[M]{
		provider: provider,
		index:    -1,
	}
}

// Next returns the next member using simple round-robin
func (rr *RoundRobin[M]) Next(exclude map[string]bool) (M, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	members := getAvailable(rr.provider, exclude)
	if len(members) == 0 {
		var zero M
		return zero, false
	}

	rr.index = (rr.index + 1) % len(members)
	return members[rr.index], true
}

// getAvailable returns main members if any are left after exclusion, otherwise fallback
func getAvailable[M Member](provider Provider[M], exclude map[string]bool) []M {
	main := filterExcluded(provider.GetHealthyMain(), exclude)
	if len(main) > 0 {
		return main
	}
	return filterExcluded(provider.GetHealthyFallback(), exclude)
}

// filterExcluded removes excluded members from the list
func filterExcluded[M Member](members []M, exclude map[string]bool) []M {
	if len(exclude) == 0 {
		return members
	}

	result := make([]M, 0, len(members))
	for _, m := range members {
		if !exclude[m.Name()] {
			result = append(result, m)
		}
	}
	return result
}

// gcdWeights calculates the GCD of all member weights
func gcdWeights[M Member](members []M) int {
	if len(members) == 0 {
		return 1
	}

	result := members[0].Weight()
	for i := 1; i < len(members); i++ {
		result = gcd(result, members[i].Weight())
	}
	return result
}

// maxWeight returns the maximum weight among members
func maxWeight[M Member](members []M) int {
	max := 0
	for _, m := range members {
		if m.Weight() > max {
			max = m.Weight()
		}
	}
	return max
}

// gcd calculates the greatest common divisor
func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
