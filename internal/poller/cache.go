package poller

import (
	"sync"
	"time"

	"github.com/lodgefeed/export-tracker/internal/exportapi"
)

type cacheEntry struct {
	result    exportapi.StatusResult
	expiresAt time.Time
}

// statusCache holds recent status responses so closely spaced ticks do not
// each hit the network. Entries expire after a short TTL.
type statusCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func newStatusCache(ttl time.Duration) *statusCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &statusCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *statusCache) Get(jobID string) (exportapi.StatusResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[jobID]
	if !ok {
		return exportapi.StatusResult{}, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, jobID)
		return exportapi.StatusResult{}, false
	}
	return entry.result, true
}

func (c *statusCache) Set(jobID string, result exportapi.StatusResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[jobID] = cacheEntry{
		result:    result,
		expiresAt: c.now().Add(c.ttl),
	}
}

func (c *statusCache) Remove(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, jobID)
}

func (c *statusCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
