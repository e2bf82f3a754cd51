package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dns/kestrel/internal/cache"
)

func newTestCache() *cache.Cache {
	return cache.New(cache.Config{
		MaxEntries:  10,
		MinTTL:      60 * time.Second,
		MaxTTL:      3600 * time.Second,
		NegativeTTL: 30 * time.Second,
	})
}

func TestLookupMiss(t *testing.T) {
	c := newTestCache()
	_, _, ok := c.Lookup(cache.Key{NameLC: "example.com.", QType: 1, QClass: 1})
	assert.False(t, ok)
}

func TestInsertThenLookup(t *testing.T) {
	c := newTestCache()
	key := cache.Key{NameLC: "example.com.", QType: 1, QClass: 1}
	c.Insert(key, []byte("resp"), 60*time.Second, 0, false)

	entry, ttl, ok := c.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, []byte("resp"), entry.ResponseBytes)
	assert.False(t, entry.IsNegative)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestExpiredEntryIsMiss(t *testing.T) {
	c := newTestCache()
	key := cache.Key{NameLC: "example.com.", QType: 1, QClass: 1}
	c.Insert(key, []byte("resp"), 1*time.Nanosecond, 0, false)
	time.Sleep(time.Millisecond)

	_, _, ok := c.Lookup(key)
	assert.False(t, ok)
}

func TestEffectiveTTLClamp(t *testing.T) {
	c := newTestCache()
	assert.Equal(t, 60*time.Second, c.EffectiveTTL(5*time.Second, false))
	assert.Equal(t, 3600*time.Second, c.EffectiveTTL(999999*time.Second, false))
	assert.Equal(t, 30*time.Second, c.EffectiveTTL(999999*time.Second, true))
}

func TestCapacityBoundsEntries(t *testing.T) {
	c := cache.New(cache.Config{
		MaxEntries:  1,
		MinTTL:      time.Second,
		MaxTTL:      time.Hour,
		NegativeTTL: time.Second,
	})
	// The capacity bound is enforced per shard, so repeated inserts of
	// distinct keys never push Len past Capacity.
	for i := 0; i < 50; i++ {
		key := cache.Key{NameLC: "host.example.", QType: uint16(i), QClass: 1}
		c.Insert(key, []byte("x"), time.Hour, 0, false)
	}
	assert.LessOrEqual(t, c.Len(), c.Capacity())
}

func TestFlushAllClearsCache(t *testing.T) {
	c := newTestCache()
	key := cache.Key{NameLC: "example.com.", QType: 1, QClass: 1}
	c.Insert(key, []byte("resp"), time.Minute, 0, false)

	c.FlushAll()

	_, _, ok := c.Lookup(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestIsNegativeResponse(t *testing.T) {
	assert.True(t, cache.IsNegativeResponse(3, 0))
	assert.True(t, cache.IsNegativeResponse(2, 1))
	assert.True(t, cache.IsNegativeResponse(0, 0))
	assert.False(t, cache.IsNegativeResponse(0, 1))
}
