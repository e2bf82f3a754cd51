package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPrefixKey(t *testing.T) {
	if got := prefixKey("203.0.113.9"); got != "v4:203.0.113.0/24" {
		t.Fatalf("got %q", got)
	}
	if got := prefixKey("2001:db8::1"); got != "v6:2001:db8::/64" {
		t.Fatalf("got %q", got)
	}
}

func TestRateLimiterNilAlwaysAllows(t *testing.T) {
	var r *RateLimiter
	for i := 0; i < 10; i++ {
		assert.True(t, r.Allow("203.0.113.9"))
	}
}

func TestRateLimiterDeniesAfterIPBurstExhausted(t *testing.T) {
	r := &RateLimiter{
		global: NewTokenBucketRateLimiter(TokenBucketConfig{Rate: 1_000_000, Burst: 1_000_000, MaxEntries: 1}),
		prefix: NewTokenBucketRateLimiter(TokenBucketConfig{Rate: 1_000_000, Burst: 1_000_000, MaxEntries: 16}),
		ip:     NewTokenBucketRateLimiter(TokenBucketConfig{Rate: 1, Burst: 2, MaxEntries: 16}),
	}

	assert.True(t, r.Allow("203.0.113.9"), "first query within burst")
	assert.True(t, r.Allow("203.0.113.9"), "second query within burst")
	assert.False(t, r.Allow("203.0.113.9"), "third query exceeds IP burst of 2")
}

func TestRateLimiterIsolatesDistinctIPs(t *testing.T) {
	r := &RateLimiter{
		global: NewTokenBucketRateLimiter(TokenBucketConfig{Rate: 1_000_000, Burst: 1_000_000, MaxEntries: 1}),
		prefix: NewTokenBucketRateLimiter(TokenBucketConfig{Rate: 1_000_000, Burst: 1_000_000, MaxEntries: 16}),
		ip:     NewTokenBucketRateLimiter(TokenBucketConfig{Rate: 1, Burst: 1, MaxEntries: 16}),
	}

	assert.True(t, r.Allow("203.0.113.9"))
	assert.False(t, r.Allow("203.0.113.9"), "second query from same IP exceeds burst of 1")
	assert.True(t, r.Allow("198.51.100.1"), "a different source IP has its own bucket")
}

func TestRateLimiterGlobalLimitOverridesPerIPAllowance(t *testing.T) {
	r := &RateLimiter{
		global: NewTokenBucketRateLimiter(TokenBucketConfig{Rate: 1, Burst: 1, MaxEntries: 1}),
		prefix: NewTokenBucketRateLimiter(TokenBucketConfig{Rate: 1_000_000, Burst: 1_000_000, MaxEntries: 16}),
		ip:     NewTokenBucketRateLimiter(TokenBucketConfig{Rate: 1_000_000, Burst: 1_000_000, MaxEntries: 16}),
	}

	assert.True(t, r.Allow("203.0.113.9"))
	// Global bucket is now empty; a different, otherwise-unthrottled IP
	// must still be denied because global is checked first.
	assert.False(t, r.Allow("198.51.100.1"))
}

func TestTokenBucketReplenishesOverTime(t *testing.T) {
	l := NewTokenBucketRateLimiter(TokenBucketConfig{Rate: 100, Burst: 1, MaxEntries: 16})
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"), "burst of 1 exhausted immediately")

	time.Sleep(20 * time.Millisecond)
	assert.True(t, l.Allow("k"), "expected token replenished after ~2 token-periods")
}
