package balancer

// Member is anything the balancer can pick
type Member interface {
	Name() string
	Weight() int
}

// Provider provides the members eligible for selection
type Provider[M Member] interface {
	// GetHealthyMain returns healthy main members
	GetHealthyMain() []M

	// GetHealthyFallback returns healthy fallback members
	GetHealthyFallback() []M
}

// Selector picks the next member, skipping names in exclude.
// It returns false when nothing is available.
type Selector[M Member] interface {
	Next(exclude map[string]bool) (M, bool)
}
