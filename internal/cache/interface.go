package cache

import (
	"context"
	"errors"
	"time"

	"gigatile/internal/tile"
)

var (
	ErrUnknownCache  = errors.New("unknown cache")
	ErrUnknownLayout = errors.New("unknown disk layout")
)

// Provider is durable tile storage with per-tile locking.
//
// Lock blocks until the lock for key is held. A lock older than staleTimeout
// is assumed abandoned and is broken by the waiter.
//
// Read reports a miss for entries older than lifespan; zero means entries
// never expire.
type Provider interface {
	Lock(ctx context.Context, key tile.Key, staleTimeout time.Duration) error
	Unlock(ctx context.Context, key tile.Key) error
	Read(ctx context.Context, key tile.Key, lifespan time.Duration) ([]byte, bool, error)
	Remove(ctx context.Context, key tile.Key) error
	Save(ctx context.Context, key tile.Key, data []byte) error
}

// Closer is implemented by providers holding connections or handles.
type Closer interface {
	Close() error
}

// Close closes p if it holds resources.
func Close(p Provider) error {
	if c, ok := p.(Closer); ok {
		return c.Close()
	}
	return nil
}

func expired(saved time.Time, lifespan time.Duration, now time.Time) bool {
	return lifespan > 0 && now.Sub(saved) > lifespan
}
