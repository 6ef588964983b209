// Package ratelimit bounds how often a single client address may join the
// roulette.
package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxKeys bounds the number of tracked keys when Config.MaxKeys <= 0.
const DefaultMaxKeys = 4096

type Config struct {
	// PerMinute is the sustained number of events allowed per key. <= 0
	// disables limiting entirely.
	PerMinute int
	// Burst defaults to PerMinute when <= 0.
	Burst int
	// MaxKeys bounds the number of per-key buckets. The least recently used
	// bucket is evicted when a new key arrives at the bound.
	MaxKeys int
	// OnEvict is invoked once per evicted bucket, outside the limiter's mutex.
	OnEvict func()
	// Now defaults to time.Now.
	Now func() time.Time
}

// KeyedLimiter keeps one token bucket per key.
//
// A nil *KeyedLimiter allows everything.
type KeyedLimiter struct {
	limit   rate.Limit
	burst   int
	maxKeys int
	onEvict func()
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucketEntry
	lru     *list.List
}

type bucketEntry struct {
	limiter *rate.Limiter
	elem    *list.Element
}

// New returns nil when cfg.PerMinute <= 0.
func New(cfg Config) *KeyedLimiter {
	if cfg.PerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.PerMinute
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &KeyedLimiter{
		limit:   rate.Limit(float64(cfg.PerMinute) / 60),
		burst:   burst,
		maxKeys: maxKeys,
		onEvict: cfg.OnEvict,
		now:     now,
		buckets: make(map[string]*bucketEntry),
		lru:     list.New(),
	}
}

// Allow consumes one token from key's bucket if available.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	return l.bucket(key).AllowN(l.now(), 1)
}

// Len reports the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *KeyedLimiter) bucket(key string) *rate.Limiter {
	var (
		lim     *rate.Limiter
		onEvict func()
	)

	l.mu.Lock()

	if entry, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(entry.elem)
		lim = entry.limiter
		l.mu.Unlock()
		return lim
	}

	if len(l.buckets) >= l.maxKeys {
		// Oldest at the back.
		if elem := l.lru.Back(); elem != nil {
			evictKey := elem.Value.(string)
			l.lru.Remove(elem)
			delete(l.buckets, evictKey)
			onEvict = l.onEvict
		}
	}

	lim = rate.NewLimiter(l.limit, l.burst)
	elem := l.lru.PushFront(key)
	l.buckets[key] = &bucketEntry{limiter: lim, elem: elem}

	l.mu.Unlock()

	if onEvict != nil {
		onEvict()
	}
	return lim
}
