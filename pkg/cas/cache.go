package cas

import "time"

// cacheEntry is the value side of the response cache (spec.md §3 "Cache
// entry"): the first page of a successful execute, plus when it was
// inserted so TTL expiry can be checked lazily.
type cacheEntry struct {
	result     *ExecuteResult
	insertedAt time.Time
}

// responseCache is a time-bounded, SQL-text-keyed cache of first-page
// execute results (spec.md §4.5). It is advisory: a miss never changes
// observable semantics, only whether a round trip happens. The reference
// implementation uses one cache per session, so no internal locking is
// needed beyond the session's own single-flight discipline (spec.md §5).
type responseCache struct {
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *responseCache) enabled() bool { return c.ttl > 0 }

// lookup returns the cached result for sql, if any and not expired. An
// expired entry is evicted as a side effect, per spec.md §4.5 ("lookups
// that find an expired entry treat it as a miss and evict it").
func (c *responseCache) lookup(sql string) (*ExecuteResult, bool) {
	if !c.enabled() {
		return nil, false
	}
	entry, ok := c.entries[sql]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.insertedAt) > c.ttl {
		delete(c.entries, sql)
		return nil, false
	}
	return entry.result, true
}

// insert stores the first-page result for sql, unless a fresher entry for
// the same text already exists (spec.md §3: "Insertion never replaces a
// fresher entry").
func (c *responseCache) insert(sql string, result *ExecuteResult) {
	if !c.enabled() {
		return
	}
	if existing, ok := c.entries[sql]; ok {
		if c.now().Sub(existing.insertedAt) <= c.ttl {
			return
		}
	}
	c.entries[sql] = cacheEntry{result: result, insertedAt: c.now()}
}
