package archive

import (
	"net/url"
	"strings"
	"time"

	"github.com/postkeep/postkeep/internal/model"
)

// resultCache is the in-process idempotence layer: successful results are
// kept for a TTL keyed by normalized URL, and stale entries are evicted
// lazily on lookup.
type resultCache struct {
	ttl     time.Duration
	entries map[string]cacheEntry
	nowFunc func() time.Time
}

type cacheEntry struct {
	result    model.ArchiveResult
	createdAt time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &resultCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		nowFunc: time.Now,
	}
}

// get returns a copy of the cached result, evicting it first if stale.
// Callers must hold the archiver's mutex.
func (c *resultCache) get(rawURL string) (*model.ArchiveResult, bool) {
	key := normalizeURL(rawURL)
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.nowFunc().Sub(entry.createdAt) >= c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	result := entry.result
	return &result, true
}

func (c *resultCache) put(rawURL string, result model.ArchiveResult) {
	c.entries[normalizeURL(rawURL)] = cacheEntry{
		result:    result,
		createdAt: c.nowFunc(),
	}
}

// purge drops every stale entry and reports how many were removed.
func (c *resultCache) purge() int {
	now := c.nowFunc()
	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.createdAt) >= c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// normalizeURL canonicalizes a post URL for cache keying: lowercased
// scheme and host, fragment and trailing slash dropped. Unparseable URLs
// key by their raw string.
func normalizeURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
