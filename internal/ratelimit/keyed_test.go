package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestKeyedLimiter_BurstThenRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(Config{PerMinute: 60, Burst: 2, Now: clk.Now})

	if !l.Allow("1.2.3.4") || !l.Allow("1.2.3.4") {
		t.Fatalf("burst should be allowed")
	}
	if l.Allow("1.2.3.4") {
		t.Fatalf("third event within burst window should be rejected")
	}
	if !l.Allow("5.6.7.8") {
		t.Fatalf("other keys have their own bucket")
	}

	clk.Advance(time.Second)
	if !l.Allow("1.2.3.4") {
		t.Fatalf("bucket should refill one token per second")
	}
	if l.Allow("1.2.3.4") {
		t.Fatalf("only one token should have refilled")
	}
}

func TestKeyedLimiter_BoundsKeyCount(t *testing.T) {
	var evictions int
	l := New(Config{PerMinute: 60, MaxKeys: 4, OnEvict: func() { evictions++ }})

	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		if !l.Allow(k) {
			t.Fatalf("key=%q unexpectedly rejected", k)
		}
		if got := l.Len(); got > 4 {
			t.Fatalf("tracked keys=%d, want <= 4", got)
		}
	}
	if evictions != 6 {
		t.Fatalf("evictions=%d, want 6", evictions)
	}
}

func TestKeyedLimiter_EvictsLeastRecentlyUsed(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(Config{PerMinute: 60, Burst: 1, MaxKeys: 2, Now: clk.Now})

	l.Allow("a")
	l.Allow("b")
	// Touch "a" so that "b" becomes the LRU entry.
	l.Allow("a")
	l.Allow("c")

	l.mu.Lock()
	_, hasA := l.buckets["a"]
	_, hasB := l.buckets["b"]
	l.mu.Unlock()
	if !hasA || hasB {
		t.Fatalf("hasA=%v hasB=%v, want a kept and b evicted", hasA, hasB)
	}

	// "b" starts over with a fresh bucket.
	if !l.Allow("b") {
		t.Fatalf("evicted key should get a fresh bucket")
	}
}

func TestKeyedLimiter_DisabledAllowsEverything(t *testing.T) {
	l := New(Config{PerMinute: 0})
	if l != nil {
		t.Fatalf("New with PerMinute=0 = %v, want nil", l)
	}
	for i := 0; i < 100; i++ {
		if !l.Allow("a") {
			t.Fatalf("nil limiter rejected an event")
		}
	}
	if l.Len() != 0 {
		t.Fatalf("nil limiter Len=%d", l.Len())
	}
}
