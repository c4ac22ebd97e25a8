package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gigatile/internal/tile"
)

const DefaultMemoryTiles = 10000

type entry struct {
	key     tile.Key
	value   []byte
	savedAt time.Time
}

// MemoryCache is an in-process LRU. Its locks only exclude goroutines of the
// same process.
type MemoryCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[tile.Key]*list.Element
	lruList *list.List

	locksMu sync.Mutex
	locks   map[tile.Key]time.Time

	pollInterval time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

var _ Provider = (*MemoryCache)(nil)

func NewMemoryCache(maxSize int, log *zap.Logger) *MemoryCache {
	if maxSize <= 0 {
		maxSize = DefaultMemoryTiles
	}
	return &MemoryCache{
		maxSize:      maxSize,
		items:        make(map[tile.Key]*list.Element),
		lruList:      list.New(),
		locks:        make(map[tile.Key]time.Time),
		pollInterval: lockPollInterval,
		logger:       log,
		now:          time.Now,
	}
}

func (c *MemoryCache) Lock(ctx context.Context, key tile.Key, staleTimeout time.Duration) error {
	return waitForLock(ctx, c.logger, key, staleTimeout, c.pollInterval, lockOps{
		try: func() (bool, error) {
			c.locksMu.Lock()
			defer c.locksMu.Unlock()
			if _, held := c.locks[key]; held {
				return false, nil
			}
			c.locks[key] = c.now()
			return true, nil
		},
		age: func() (time.Duration, bool, error) {
			c.locksMu.Lock()
			defer c.locksMu.Unlock()
			at, held := c.locks[key]
			if !held {
				return 0, false, nil
			}
			return c.now().Sub(at), true, nil
		},
		force: func() error {
			c.locksMu.Lock()
			delete(c.locks, key)
			c.locksMu.Unlock()
			return nil
		},
	})
}

func (c *MemoryCache) Unlock(_ context.Context, key tile.Key) error {
	c.locksMu.Lock()
	delete(c.locks, key)
	c.locksMu.Unlock()
	return nil
}

func (c *MemoryCache) Read(_ context.Context, key tile.Key, lifespan time.Duration) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	ent := elem.Value.(*entry)
	if expired(ent.savedAt, lifespan, c.now()) {
		return nil, false, nil
	}

	c.lruList.MoveToFront(elem)
	return ent.value, true, nil
}

func (c *MemoryCache) Save(_ context.Context, key tile.Key, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry)
		ent.value = value
		ent.savedAt = now
		c.lruList.MoveToFront(elem)
		return nil
	}

	if c.lruList.Len() >= c.maxSize {
		if oldest := c.lruList.Back(); oldest != nil {
			delete(c.items, oldest.Value.(*entry).key)
			c.lruList.Remove(oldest)
		}
	}

	c.items[key] = c.lruList.PushFront(&entry{key: key, value: value, savedAt: now})
	return nil
}

func (c *MemoryCache) Remove(_ context.Context, key tile.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		delete(c.items, key)
		c.lruList.Remove(elem)
	}
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[tile.Key]*list.Element)
	c.lruList = list.New()
}
