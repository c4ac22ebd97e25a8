package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gigatile/internal/metrics"
	"gigatile/internal/tile"
)

// MultiCache layers providers from fastest to slowest. Locks live only in the
// first tier; reads fall through and promote hits into the faster tiers.
type MultiCache struct {
	tiers  []Provider
	logger *zap.Logger
}

var _ Provider = (*MultiCache)(nil)

func NewMultiCache(log *zap.Logger, tiers ...Provider) (*MultiCache, error) {
	if len(tiers) == 0 {
		return nil, errors.New("multi cache needs at least one tier")
	}
	return &MultiCache{tiers: tiers, logger: log}, nil
}

func (m *MultiCache) Tiers() []Provider {
	return m.tiers
}

func (m *MultiCache) Lock(ctx context.Context, key tile.Key, staleTimeout time.Duration) error {
	return m.tiers[0].Lock(ctx, key, staleTimeout)
}

func (m *MultiCache) Unlock(ctx context.Context, key tile.Key) error {
	return m.tiers[0].Unlock(ctx, key)
}

// Read returns the first hit. Every faster tier that missed gets a copy;
// promotion failures are logged and do not fail the read.
func (m *MultiCache) Read(ctx context.Context, key tile.Key, lifespan time.Duration) ([]byte, bool, error) {
	for i, t := range m.tiers {
		data, ok, err := t.Read(ctx, key, lifespan)
		if err != nil {
			return nil, false, fmt.Errorf("tier %d: %w", i, err)
		}
		if !ok {
			continue
		}
		for j := 0; j < i; j++ {
			if err := m.tiers[j].Save(ctx, key, data); err != nil {
				metrics.CacheErrors.WithLabelValues("promote").Inc()
				m.logger.Warn("Failed to promote tile",
					zap.String("key", key.String()),
					zap.Int("tier", j),
					zap.Error(err),
				)
			}
		}
		return data, true, nil
	}
	return nil, false, nil
}

func (m *MultiCache) Save(ctx context.Context, key tile.Key, data []byte) error {
	var err error
	for i, t := range m.tiers {
		if e := t.Save(ctx, key, data); e != nil {
			err = multierr.Append(err, fmt.Errorf("tier %d: %w", i, e))
		}
	}
	return err
}

func (m *MultiCache) Remove(ctx context.Context, key tile.Key) error {
	var err error
	for i, t := range m.tiers {
		if e := t.Remove(ctx, key); e != nil {
			err = multierr.Append(err, fmt.Errorf("tier %d: %w", i, e))
		}
	}
	return err
}

func (m *MultiCache) Close() error {
	var err error
	for _, t := range m.tiers {
		err = multierr.Append(err, Close(t))
	}
	return err
}
