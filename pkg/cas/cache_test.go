package cas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseCacheDisabledByDefault(t *testing.T) {
	c := newResponseCache(0)
	c.insert("select 1", &ExecuteResult{TotalCount: 1})
	_, ok := c.lookup("select 1")
	assert.False(t, ok)
}

func TestResponseCacheHitAndExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newResponseCache(time.Minute)
	c.now = func() time.Time { return now }

	want := &ExecuteResult{TotalCount: 5}
	c.insert("select * from athlete", want)

	got, ok := c.lookup("select * from athlete")
	require.True(t, ok)
	assert.Same(t, want, got)

	now = now.Add(2 * time.Minute)
	_, ok = c.lookup("select * from athlete")
	assert.False(t, ok, "entry past its TTL must be treated as a miss")

	_, present := c.entries["select * from athlete"]
	assert.False(t, present, "an expired lookup must evict the entry")
}

func TestResponseCacheInsertNeverReplacesFresherEntry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newResponseCache(time.Minute)
	c.now = func() time.Time { return now }

	first := &ExecuteResult{TotalCount: 1}
	c.insert("select 1", first)

	stale := &ExecuteResult{TotalCount: 99}
	c.insert("select 1", stale)

	got, ok := c.lookup("select 1")
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestResponseCacheInsertAfterExpiryReplaces(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newResponseCache(time.Minute)
	c.now = func() time.Time { return now }

	c.insert("select 1", &ExecuteResult{TotalCount: 1})
	now = now.Add(2 * time.Minute)

	fresh := &ExecuteResult{TotalCount: 2}
	c.insert("select 1", fresh)

	got, ok := c.lookup("select 1")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}
