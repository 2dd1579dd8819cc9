// Package cache implements a bounded cache with optional TTL, parametrized
// so one type can serve both a block cache with a time-bounded entry
// lifetime and a tx cache bounded only by count.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Bounded is a fixed-capacity cache with an optional entry TTL. A zero TTL
// disables expiry (pure LRU-by-count).
// Safe for concurrent use.
type Bounded struct {
	mu    sync.Mutex
	lru   *lru.Cache
	ttl   time.Duration
	clock func() time.Time
}

type entry struct {
	value   interface{}
	addedAt time.Time
}

// New builds a Bounded cache holding at most size entries, each valid for
// ttl (0 = no expiry).
func New(size int, ttl time.Duration) *Bounded {
	c, err := lru.New(size)
	if err != nil {
		// size <= 0; golang-lru only rejects non-positive sizes, which is a
		// programmer error at a call site, not a runtime condition to recover from.
		panic(err)
	}
	return &Bounded{lru: c, ttl: ttl, clock: time.Now}
}

// Add inserts key into the cache, evicting the least-recently-used entry if
// full.
func (b *Bounded) Add(key, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lru.Add(key, entry{value: value, addedAt: b.clock()})
}

// Contains reports whether key is present and, if a TTL is configured, not
// yet expired. An expired entry is evicted and reported absent.
func (b *Bounded) Contains(key interface{}) bool {
	_, ok := b.Get(key)
	return ok
}

// Get returns the value for key and whether it was present and unexpired.
func (b *Bounded) Get(key interface{}) (interface{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, ok := b.lru.Get(key)
	if !ok {
		return nil, false
	}
	e := raw.(entry)
	if b.ttl > 0 && b.clock().Sub(e.addedAt) > b.ttl {
		b.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Len returns the current number of entries, including any not-yet-evicted
// expired ones.
func (b *Bounded) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lru.Len()
}
