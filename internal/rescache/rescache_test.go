package rescache

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCache_ZeroTTLIsMiss(t *testing.T) {
	clock := newFakeClock()
	c := New[string](WithClock(clock.Now))

	c.Put("k", "v", 0)
	clock.Advance(time.Nanosecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry should be evicted on read")
}

func TestCache_ZeroTTLRealClock(t *testing.T) {
	c := New[string]()
	c.Put("k", "v", 0)
	time.Sleep(time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCache_LiveEntryIsHit(t *testing.T) {
	c := New[string]()
	c.Put("k", "v", 60*time.Second)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestCache_ExpiryBoundary(t *testing.T) {
	clock := newFakeClock()
	c := New[int](WithClock(clock.Now))

	c.Put("k", 1, time.Minute)

	clock.Advance(59 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok, "entry should still be live before expiry")

	clock.Advance(time.Second)
	_, ok = c.Get("k")
	assert.True(t, ok, "entry should be live at the instant it expires")

	clock.Advance(time.Nanosecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry should be absent past expiry")
}

func TestCache_ZeroTTLLiveAtSameInstant(t *testing.T) {
	clock := newFakeClock()
	c := New[string](WithClock(clock.Now))

	c.Put("k", "v", 0)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	clock.Advance(time.Nanosecond)
	assert.Empty(t, c.Filter(nil))
}

func TestCache_NoProactiveSweep(t *testing.T) {
	clock := newFakeClock()
	c := New[int](WithClock(clock.Now))

	c.Put("a", 1, time.Second)
	c.Put("b", 2, time.Second)
	clock.Advance(time.Hour)

	// Nothing touched the entries yet, so both are still stored.
	assert.Equal(t, 2, c.Len())

	_, _ = c.Get("a")
	assert.Equal(t, 1, c.Len())
}

func TestCache_PutOverwrites(t *testing.T) {
	clock := newFakeClock()
	c := New[string](WithClock(clock.Now))

	c.Put("k", "old", time.Second)
	c.Put("k", "new", time.Hour)
	clock.Advance(time.Minute)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "new", got)
}

func TestCache_Filter(t *testing.T) {
	clock := newFakeClock()
	c := New[string](WithClock(clock.Now))

	c.Put("file:///reports/q1.md", "q1", time.Hour)
	c.Put("file:///reports/q2.md", "q2", time.Hour)
	c.Put("file:///tmp/scratch", "tmp", time.Hour)
	c.Put("file:///reports/stale.md", "stale", time.Second)
	clock.Advance(time.Minute)

	got := c.Filter(func(key string) bool {
		return strings.HasPrefix(key, "file:///reports/")
	})

	require.Len(t, got, 2)
	assert.Equal(t, "file:///reports/q1.md", got[0].Key)
	assert.Equal(t, "file:///reports/q2.md", got[1].Key)
	assert.Equal(t, 3, c.Len(), "filter should evict the expired entry it scanned")

	assert.Len(t, c.Filter(nil), 3)
}

func TestCache_DeleteFunc(t *testing.T) {
	c := New[string]()
	c.Put("a", "server1", time.Hour)
	c.Put("b", "server2", time.Hour)
	c.Put("c", "server1", time.Hour)

	n := c.DeleteFunc(func(_ string, v string) bool { return v == "server1" })
	assert.Equal(t, 2, n)

	_, ok := c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Delete("b")
	assert.Equal(t, 0, c.Len())
}
