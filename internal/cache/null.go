package cache

import (
	"context"
	"time"

	"gigatile/internal/tile"
)

// NullCache stores nothing and never blocks on locks.
type NullCache struct{}

var _ Provider = NullCache{}

func NewNullCache() NullCache {
	return NullCache{}
}

func (NullCache) Lock(context.Context, tile.Key, time.Duration) error { return nil }

func (NullCache) Unlock(context.Context, tile.Key) error { return nil }

func (NullCache) Read(context.Context, tile.Key, time.Duration) ([]byte, bool, error) {
	return nil, false, nil
}

func (NullCache) Remove(context.Context, tile.Key) error { return nil }

func (NullCache) Save(context.Context, tile.Key, []byte) error { return nil }
