package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"reportkit/api/internal/slices"
)

const lockTTL = 30 * time.Second

// Redis shares materialized slices between API and worker processes. A
// best-effort lock keeps concurrent renders from querying the same dataset
// twice; when the lock cannot be obtained the load proceeds anyway.
type Redis struct {
	client *redis.Client
	locker *redislock.Client
	prefix string
	ttl    time.Duration
	logger logrus.FieldLogger
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(redisURL string, ttl time.Duration, logger logrus.FieldLogger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, ttl, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, ttl time.Duration, logger logrus.FieldLogger) *Redis {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Redis{
		client: client,
		locker: redislock.New(client),
		prefix: "reportkit:",
		ttl:    ttl,
		logger: logger,
	}
}

func (c *Redis) key(key string) string {
	return c.prefix + key
}

func (c *Redis) GetOrLoad(ctx context.Context, key string, load func(context.Context) slices.Result) slices.Result {
	if cached, ok := c.lookup(ctx, key); ok {
		cacheHitsTotal.WithLabelValues("redis").Inc()
		return cached
	}
	cacheMissesTotal.WithLabelValues("redis").Inc()

	lock, err := c.locker.Obtain(ctx, c.key("lock:"+key), lockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		c.logger.WithField("key", key).Warn("could not obtain slice cache lock; proceeding without lock")
		lock = nil
	} else if err != nil {
		c.logger.WithField("key", key).WithError(err).Warn("error obtaining slice cache lock; proceeding without lock")
		lock = nil
	}
	if lock != nil {
		defer func() {
			if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil && !errors.Is(releaseErr, redislock.ErrLockNotHeld) {
				c.logger.WithField("key", key).WithError(releaseErr).Warn("failed to release slice cache lock")
			}
		}()
		// Another process may have filled the entry while we waited.
		if cached, ok := c.lookup(ctx, key); ok {
			return cached
		}
	}

	result := load(ctx)
	if result.Resolved() {
		c.store(ctx, key, result)
	}
	return result
}

func (c *Redis) lookup(ctx context.Context, key string) (slices.Result, bool) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return slices.Result{}, false
	}
	if err != nil {
		c.logger.WithField("key", key).WithError(err).Warn("slice cache lookup failed")
		return slices.Result{}, false
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var result slices.Result
	if err := dec.Decode(&result); err != nil {
		c.logger.WithField("key", key).WithError(err).Warn("discarding undecodable slice cache entry")
		return slices.Result{}, false
	}
	return result, true
}

func (c *Redis) store(ctx context.Context, key string, result slices.Result) {
	encoded, err := json.Marshal(result)
	if err != nil {
		c.logger.WithField("key", key).WithError(err).Warn("encode slice cache entry")
		return
	}
	if err := c.client.Set(ctx, c.key(key), encoded, c.ttl).Err(); err != nil {
		c.logger.WithField("key", key).WithError(err).Warn("save slice cache entry")
	}
}

// Ping checks if Redis is reachable.
func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Redis) Close() error {
	return c.client.Close()
}
