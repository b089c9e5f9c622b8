package gate

import (
	"sync"
	"time"
)

type cacheEntry struct {
	status    bool
	expiresAt time.Time
}

// DecisionCache — решения по ссылкам с TTL. Последняя запись побеждает.
type DecisionCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewDecisionCache() *DecisionCache {
	return &DecisionCache{entries: make(map[string]cacheEntry)}
}

// Get возвращает решение, если запись есть и не истекла.
func (c *DecisionCache) Get(link string, now time.Time) (bool, bool) {
	c.mu.RLock()
	e, ok := c.entries[link]
	c.mu.RUnlock()
	if !ok || !now.Before(e.expiresAt) {
		return false, false
	}
	return e.status, true
}

func (c *DecisionCache) Put(link string, status bool, expiresAt time.Time) {
	c.mu.Lock()
	c.entries[link] = cacheEntry{status: status, expiresAt: expiresAt}
	c.mu.Unlock()
}

func (c *DecisionCache) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

func (c *DecisionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
