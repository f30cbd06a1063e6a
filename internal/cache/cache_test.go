package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/namvu9/bitswarm/internal/cache"
)

func TestCacheExpiry(t *testing.T) {
	now := time.Unix(100, 0)
	c := cache.New[int, string](30 * time.Second).WithClock(func() time.Time { return now })

	c.Set(1, "one")
	c.Set(2, "two")

	v, ok := c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "one", v)

	now = now.Add(29 * time.Second)
	c.Set(2, "two again")

	now = now.Add(time.Second)

	_, ok = c.Get(1)
	assert.False(t, ok, "entry 1 should have expired")

	v, ok = c.Get(2)
	assert.True(t, ok)
	assert.Equal(t, "two again", v)

	assert.Equal(t, 1, c.Len())
}

func TestCachePurgeAndDelete(t *testing.T) {
	now := time.Unix(0, 0)
	c := cache.New[string, []byte](time.Second).WithClock(func() time.Time { return now })

	c.Set("a", []byte{1})
	c.Set("b", []byte{2})
	c.Delete("a")

	if _, ok := c.Get("a"); ok {
		t.Errorf("want deleted entry to be gone")
	}

	now = now.Add(time.Second)
	if got := c.Purge(); got != 1 {
		t.Errorf("purged want %d got %d", 1, got)
	}

	assert.Equal(t, 0, c.Len())
}
