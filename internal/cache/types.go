package cache

// Cache stores encoded responses by key. Implementations must be safe for
// concurrent use; sessions of every worker share one cache.
type Cache interface {
	// Get retrieves a cached response by key
	// Returns the cached data and true if found, nil and false otherwise
	Get(key string) ([]byte, bool)

	// Set stores a response in the cache with the given key
	Set(key string, value []byte)

	// Close releases any resources held by the cache
	Close()
}
