package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gigatile/internal/metrics"
	"gigatile/internal/tile"
)

const (
	DefaultStaleLockTimeout = 15 * time.Second
	lockPollInterval        = 200 * time.Millisecond
)

// lockOps adapts one backend's lock marker to waitForLock.
type lockOps struct {
	// try creates the marker; false means someone else holds it.
	try func() (bool, error)
	// age reports how old the current marker is; false when it vanished.
	age func() (time.Duration, bool, error)
	// force removes the current marker regardless of its holder.
	force func() error
}

// waitForLock polls until ops.try succeeds. A marker older than staleTimeout,
// or a wait longer than staleTimeout, gets the marker force-removed. The
// holder is not checked for liveness, so a slow renderer can lose its lock
// and a second render of the same tile may run.
func waitForLock(ctx context.Context, log *zap.Logger, key tile.Key, staleTimeout, interval time.Duration, ops lockOps) error {
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleLockTimeout
	}
	if interval <= 0 {
		interval = lockPollInterval
	}

	start := time.Now()
	defer func() { metrics.LockWait.Observe(time.Since(start).Seconds()) }()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		ok, err := ops.try()
		if err != nil {
			return fmt.Errorf("failed to lock %s: %w", key, err)
		}
		if ok {
			return nil
		}

		age, held, err := ops.age()
		if err != nil {
			return fmt.Errorf("failed to inspect lock %s: %w", key, err)
		}
		if !held {
			continue
		}

		waited := time.Since(start)
		if age > staleTimeout || waited > staleTimeout {
			log.Warn("Breaking stale tile lock",
				zap.String("key", key.String()),
				zap.Duration("lock_age", age),
				zap.Duration("waited", waited),
				zap.Duration("stale_timeout", staleTimeout),
			)
			metrics.StaleLocksBroken.Inc()
			if err := ops.force(); err != nil {
				return fmt.Errorf("failed to break stale lock %s: %w", key, err)
			}
			continue
		}

		if timer == nil {
			timer = time.NewTimer(interval)
		} else {
			timer.Reset(interval)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for lock %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}
