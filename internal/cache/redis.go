// Package cache provides the shared Redis-backed cache and distributed
// lock used by the extension provisioner (C5), media URL cache (C9),
// and push bus (C2) chat-dedupe window.
package cache

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "github.com/go-redis/redis/v8"

    "github.com/nourikan/commgateway/pkg/errors"
    "github.com/nourikan/commgateway/pkg/logger"
)

type Config struct {
    Host         string
    Port         int
    Password     string
    DB           int
    PoolSize     int
    MinIdleConns int
    MaxRetries   int
}

type Cache struct {
    client *redis.Client
    prefix string
}

func New(cfg Config, prefix string) (*Cache, error) {
    client := redis.NewClient(&redis.Options{
        Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
        Password:     cfg.Password,
        DB:           cfg.DB,
        PoolSize:     cfg.PoolSize,
        MinIdleConns: cfg.MinIdleConns,
        MaxRetries:   cfg.MaxRetries,
    })

    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := client.Ping(ctx).Err(); err != nil {
        return nil, errors.Wrap(err, errors.ErrUnavailable, "failed to connect to redis")
    }

    logger.Info("redis cache initialized")
    return &Cache{client: client, prefix: prefix}, nil
}

func (c *Cache) key(k string) string {
    if c.prefix != "" {
        return fmt.Sprintf("%s:%s", c.prefix, k)
    }
    return k
}

// Get is a soft-fail read: a miss, a cache error, an undecodable value and
// an unconfigured client all return the same ErrNotFound "cache miss"
// error with dest left untouched, so callers treat an unavailable cache
// exactly like an empty one.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
    if c.client == nil {
        return errors.New(errors.ErrNotFound, "cache miss")
    }
    val, err := c.client.Get(ctx, c.key(key)).Result()
    if err == redis.Nil {
        return errors.New(errors.ErrNotFound, "cache miss")
    }
    if err != nil {
        logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache get failed")
        return errors.New(errors.ErrNotFound, "cache miss")
    }
    if err := json.Unmarshal([]byte(val), dest); err != nil {
        logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache unmarshal failed")
        return errors.New(errors.ErrNotFound, "cache miss")
    }
    return nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
    if c.client == nil {
        return nil
    }
    data, err := json.Marshal(value)
    if err != nil {
        return nil
    }
    if err := c.client.Set(ctx, c.key(key), data, expiration).Err(); err != nil {
        logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache set failed")
    }
    return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
    if c.client == nil {
        return nil
    }
    fullKeys := make([]string, len(keys))
    for i, k := range keys {
        fullKeys[i] = c.key(k)
    }
    if err := c.client.Del(ctx, fullKeys...).Err(); err != nil {
        logger.WithContext(ctx).WithError(err).Warn("cache delete failed")
    }
    return nil
}

// Lock acquires a per-key distributed lock via SETNX and returns an
// unlock func that releases it only if it still owns the key (CAS via a
// Lua script), so a stale unlock can never clobber someone else's lock.
func (c *Cache) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
    if c.client == nil {
        return func() {}, nil
    }

    lockKey := c.key(fmt.Sprintf("lock:%s", key))
    value := fmt.Sprintf("%d", time.Now().UnixNano())

    ok, err := c.client.SetNX(ctx, lockKey, value, ttl).Result()
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrUnavailable, "failed to acquire lock")
    }
    if !ok {
        return nil, errors.New(errors.ErrConflict, "lock already held")
    }

    return func() {
        script := redis.NewScript(`
            if redis.call("get", KEYS[1]) == ARGV[1] then
                return redis.call("del", KEYS[1])
            else
                return 0
            end
        `)
        script.Run(context.Background(), c.client, []string{lockKey}, value)
    }, nil
}
