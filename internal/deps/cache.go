package deps

import (
	"sync"
	"time"

	"github.com/fentz26/bridge/internal/models"
)

// DefaultTTL bounds how stale a cached dependency state may be.
const DefaultTTL = 30 * time.Second

type entry struct {
	state     models.CommitmentState
	fetchedAt time.Time
}

// Cache holds recently fetched commitment states keyed by id. Each entry
// carries its own fetch time. Concurrent refreshes of the same id are allowed;
// the last write wins.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]entry
}

// NewCache creates a cache. A nil clock uses time.Now and a non-positive ttl
// uses DefaultTTL.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]entry),
	}
}

// Get returns a fresh cached state for id.
func (c *Cache) Get(id string) (models.CommitmentState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.fetchedAt) >= c.ttl {
		delete(c.entries, id)
		return "", false
	}
	return e.state, true
}

// Put records a successfully fetched state.
func (c *Cache) Put(id string, state models.CommitmentState) {
	c.mu.Lock()
	c.entries[id] = entry{state: state, fetchedAt: c.now()}
	c.mu.Unlock()
}

// Len returns the number of entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
