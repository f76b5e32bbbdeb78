package insights

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

type cacheEntry struct {
	result         *Result
	accountIDs     []string
	fetchStartedAt time.Time
	storedAt       time.Time
}

// resultCache keeps aggregated results keyed by request hash. Reads hand out
// the stored pointer; entries are replaced wholesale, never mutated, and a
// versioned write refuses to let an older fetch overwrite a newer one.
type resultCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (c *resultCache) get(key string, now time.Time) *Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	if now.Sub(entry.storedAt) > c.ttl {
		return nil
	}
	return entry.result
}

// put stores the result unless a newer fetch already landed.
func (c *resultCache) put(key string, accountIDs []string, fetchStartedAt, now time.Time, result *Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok && existing.fetchStartedAt.After(fetchStartedAt) {
		return false
	}
	c.entries[key] = &cacheEntry{
		result:         result,
		accountIDs:     accountIDs,
		fetchStartedAt: fetchStartedAt,
		storedAt:       now,
	}
	return true
}

// invalidate drops every entry that covers the account. Returns the number of
// entries removed; calling it again is a no-op.
func (c *resultCache) invalidate(accountID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		for _, id := range entry.accountIDs {
			if id == accountID {
				delete(c.entries, key)
				removed++
				break
			}
		}
	}
	return removed
}

func requestKey(req Request) string {
	ids := append([]string(nil), req.AccountIDs...)
	sort.Strings(ids)
	fields := append([]string(nil), req.Fields...)
	sort.Strings(fields)
	provs := append([]string(nil), req.Providers...)
	sort.Strings(provs)

	h := sha256.New()
	h.Write([]byte(strings.Join(ids, ",")))
	h.Write([]byte("|"))
	h.Write([]byte(req.Window.Since.UTC().Format(time.RFC3339)))
	h.Write([]byte("|"))
	h.Write([]byte(req.Window.Until.UTC().Format(time.RFC3339)))
	h.Write([]byte("|"))
	h.Write([]byte(strings.Join(fields, ",")))
	h.Write([]byte("|"))
	h.Write([]byte(strings.Join(provs, ",")))
	h.Write([]byte("|"))
	h.Write([]byte{byte(req.PageLimit)})
	return hex.EncodeToString(h.Sum(nil))
}
