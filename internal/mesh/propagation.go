package mesh

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// propagationCacheSize is the capacity of the bounded propagation-id set
// (spec.md §5 "e.g., 4096 entries"). Once full, the oldest-inserted id is
// evicted; seeing an id again does not refresh its position, so eviction
// is first-in-first-out rather than least-recently-used.
const propagationCacheSize = 4096

// propagationCache is the bounded, in-memory-per-host dedup set C11 uses
// to suppress re-handling a sync wave under the same propagationId
// (spec.md §4.C11, §8 invariant 8). Built on xsync.MapOf for concurrent
// reads during fan-out, with a ring of insertion order for eviction since
// xsync's map itself has no capacity bound.
type propagationCache struct {
	seen *xsync.MapOf[string, struct{}]

	mu   sync.Mutex
	ring []string
	pos  int
}

func newPropagationCache() *propagationCache {
	return &propagationCache{
		seen: xsync.NewMapOf[string, struct{}](),
		ring: make([]string, 0, propagationCacheSize),
	}
}

// seenOrMark reports whether id was already recorded; if not, it marks it
// seen and returns false.
func (c *propagationCache) seenOrMark(id string) bool {
	if _, loaded := c.seen.LoadOrStore(id, struct{}{}); loaded {
		return true
	}
	c.evictAndTrack(id)
	return false
}

func (c *propagationCache) evictAndTrack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ring) < propagationCacheSize {
		c.ring = append(c.ring, id)
		return
	}
	evicted := c.ring[c.pos]
	c.seen.Delete(evicted)
	c.ring[c.pos] = id
	c.pos = (c.pos + 1) % propagationCacheSize
}
