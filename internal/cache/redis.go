package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"gigatile/internal/tile"
)

const defaultRedisPrefix = "gigatile"

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	// TTL is a hard Redis expiry on tile entries, independent of the layer
	// lifespan. Zero keeps entries until removed.
	TTL time.Duration `yaml:"ttl"`
}

type redisEntry struct {
	Data    []byte `msgpack:"d"`
	SavedAt int64  `msgpack:"t"`
}

type redisLock struct {
	Owner     string `msgpack:"o"`
	CreatedAt int64  `msgpack:"c"`
}

// unlockScript deletes the lock only while it still carries our marker, so a
// holder whose lock was broken cannot release the new holder's lock.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache shares tiles and locks between every process pointed at the
// same Redis.
type RedisCache struct {
	client    *redis.Client
	ownClient bool
	prefix    string
	ttl       time.Duration

	mu      sync.Mutex
	markers map[tile.Key][]byte

	pollInterval time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

var _ Provider = (*RedisCache)(nil)

func NewRedisCache(cfg RedisConfig, log *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	c := NewRedisCacheFromClient(client, cfg.Prefix, cfg.TTL, log)
	c.ownClient = true
	return c, nil
}

// NewRedisCacheFromClient wraps a caller-owned client; Close leaves it open.
func NewRedisCacheFromClient(client *redis.Client, prefix string, ttl time.Duration, log *zap.Logger) *RedisCache {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCache{
		client:       client,
		prefix:       prefix,
		ttl:          ttl,
		markers:      make(map[tile.Key][]byte),
		pollInterval: lockPollInterval,
		logger:       log,
		now:          time.Now,
	}
}

func (c *RedisCache) tileKey(key tile.Key) string {
	return c.prefix + ":tile:" + key.String()
}

func (c *RedisCache) lockKey(key tile.Key) string {
	return c.prefix + ":lock:" + key.String()
}

func (c *RedisCache) Lock(ctx context.Context, key tile.Key, staleTimeout time.Duration) error {
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleLockTimeout
	}
	lk := c.lockKey(key)

	var marker []byte
	err := waitForLock(ctx, c.logger, key, staleTimeout, c.pollInterval, lockOps{
		try: func() (bool, error) {
			m, err := msgpack.Marshal(redisLock{Owner: uuid.NewString(), CreatedAt: c.now().UnixNano()})
			if err != nil {
				return false, err
			}
			// The marker outlives the stale timeout so waiters can still see
			// and break it; the expiry only cleans up after dead processes.
			ok, err := c.client.SetNX(ctx, lk, m, 2*staleTimeout).Result()
			if err != nil {
				return false, err
			}
			if ok {
				marker = m
			}
			return ok, nil
		},
		age: func() (time.Duration, bool, error) {
			raw, err := c.client.Get(ctx, lk).Bytes()
			if errors.Is(err, redis.Nil) {
				return 0, false, nil
			}
			if err != nil {
				return 0, false, err
			}
			var l redisLock
			if err := msgpack.Unmarshal(raw, &l); err != nil {
				// Unreadable markers are treated as stale.
				return staleTimeout + 1, true, nil
			}
			return c.now().Sub(time.Unix(0, l.CreatedAt)), true, nil
		},
		force: func() error {
			return c.client.Del(ctx, lk).Err()
		},
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.markers[key] = marker
	c.mu.Unlock()
	return nil
}

func (c *RedisCache) Unlock(ctx context.Context, key tile.Key) error {
	c.mu.Lock()
	marker, ok := c.markers[key]
	delete(c.markers, key)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if err := unlockScript.Run(ctx, c.client, []string{c.lockKey(key)}, marker).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis unlock error: %w", err)
	}
	return nil
}

func (c *RedisCache) Read(ctx context.Context, key tile.Key, lifespan time.Duration) ([]byte, bool, error) {
	raw, err := c.client.Get(ctx, c.tileKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get error: %w", err)
	}

	var e redisEntry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("failed to decode redis entry %s: %w", key, err)
	}
	if expired(time.Unix(0, e.SavedAt), lifespan, c.now()) {
		return nil, false, nil
	}
	return e.Data, true, nil
}

func (c *RedisCache) Save(ctx context.Context, key tile.Key, data []byte) error {
	raw, err := msgpack.Marshal(redisEntry{Data: data, SavedAt: c.now().UnixNano()})
	if err != nil {
		return fmt.Errorf("failed to encode redis entry %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.tileKey(key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (c *RedisCache) Remove(ctx context.Context, key tile.Key) error {
	if err := c.client.Del(ctx, c.tileKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	if !c.ownClient {
		return nil
	}
	return c.client.Close()
}
