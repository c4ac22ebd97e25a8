// Package memo keeps very recently served tiles in process memory so that
// bursts of identical requests never reach the durable cache.
package memo

import (
	"sync"
	"time"

	"gigatile/internal/tile"
)

type entry struct {
	data    []byte
	expires time.Time
}

type queued struct {
	key     tile.Key
	expires time.Time
}

// RecentTiles is safe for concurrent use. Reads do not take the mutex;
// inserts and the sweep that follows them do.
type RecentTiles struct {
	entries sync.Map // tile.Key -> *entry
	mu      sync.Mutex
	order   []queued
	now     func() time.Time
}

func New() *RecentTiles {
	return &RecentTiles{now: time.Now}
}

// Add stores data for ttl, then drops expired entries from the front of the
// insertion queue.
func (r *RecentTiles) Add(key tile.Key, data []byte, ttl time.Duration) {
	now := r.now()
	e := &entry{data: data, expires: now.Add(ttl)}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries.Store(key, e)
	r.order = append(r.order, queued{key: key, expires: e.expires})
	r.sweep(now)
}

// sweep stops at the first live entry. With a constant ttl insertion order is
// expiry order. Must hold r.mu.
func (r *RecentTiles) sweep(now time.Time) {
	n := 0
	for ; n < len(r.order); n++ {
		q := r.order[n]
		if q.expires.After(now) {
			break
		}
		// a re-added key has a newer entry that must survive
		if v, ok := r.entries.Load(q.key); ok && !v.(*entry).expires.After(now) {
			r.entries.Delete(q.key)
		}
	}
	if n > 0 {
		r.order = append(r.order[:0:0], r.order[n:]...)
	}
}

// Get returns data stored for key if it has not expired.
func (r *RecentTiles) Get(key tile.Key) ([]byte, bool) {
	v, ok := r.entries.Load(key)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if !e.expires.After(r.now()) {
		r.entries.CompareAndDelete(key, v)
		return nil, false
	}
	return e.data, true
}

// Len counts stored entries, expired or not.
func (r *RecentTiles) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Clear drops everything.
func (r *RecentTiles) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries.Range(func(k, _ any) bool {
		r.entries.Delete(k)
		return true
	})
	r.order = nil
}
