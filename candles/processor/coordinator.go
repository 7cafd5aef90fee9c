package processor

import "sync"

// Coordinator tracks the collections currently running, one slot per
// (symbol, timeframe) pair. A second concurrent collection for the same pair
// is refused rather than serialised; the caller may retry once the first run
// has populated the cache.
type Coordinator struct {
	mu      sync.Mutex
	running map[string]bool
}

// NewCoordinator constructs an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{running: map[string]bool{}}
}

// TryAcquire claims the pair's slot, reporting whether it was free.
func (c *Coordinator) TryAcquire(pairKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[pairKey] {
		return false
	}
	c.running[pairKey] = true
	return true
}

// Release frees the pair's slot.
func (c *Coordinator) Release(pairKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, pairKey)
}
