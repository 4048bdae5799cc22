package mac

import (
	"strings"
	"sync"
	"time"
)

func decisionKey(subject, resourceType, resourceID, action string) string {
	return subject + "|" + resourceType + "|" + resourceID + "|" + action
}

type decisionEntry struct {
	allowed   bool
	expiresAt time.Time
}

// decisionCache holds TTL-bounded resource decisions. Both grants and
// denials are cached; a cached denial is not healed by a later grant inside
// the TTL window unless an invalidation hook fires.
type decisionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]decisionEntry
}

func newDecisionCache(ttl time.Duration) *decisionCache {
	return &decisionCache{
		ttl:     ttl,
		entries: make(map[string]decisionEntry),
	}
}

func (c *decisionCache) get(key string, now time.Time) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return false, false
	}
	if now.After(entry.expiresAt) {
		delete(c.entries, key)
		return false, false
	}
	return entry.allowed, true
}

func (c *decisionCache) put(key string, allowed bool, now time.Time) {
	c.mu.Lock()
	c.entries[key] = decisionEntry{allowed: allowed, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
}

func (c *decisionCache) invalidatePrefix(prefix string) {
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// invalidatePrefixAny drops entries containing the fragment anywhere in the
// key; used for resource-scoped invalidation across all subjects.
func (c *decisionCache) invalidatePrefixAny(fragment string) {
	c.mu.Lock()
	for key := range c.entries {
		if strings.Contains(key, fragment) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

func (c *decisionCache) invalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]decisionEntry)
	c.mu.Unlock()
}

func (c *decisionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
