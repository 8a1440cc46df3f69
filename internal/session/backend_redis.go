package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultBackendTimeout bounds every Redis call made by RedisBackend.
const DefaultBackendTimeout = 2 * time.Second

// RedisBackend is the durable Backend. Records are plain string keys written
// with SET ... EX so Redis expires them natively.
type RedisBackend struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisClient builds a Redis client from a redis:// URL with dial, read
// and write timeouts bounded by timeout, so an unreachable server degrades
// latency instead of hanging callers.
func NewRedisClient(redisURL string, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("session: parse redis url: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}
	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout
	opts.MaxRetries = 1
	return redis.NewClient(opts), nil
}

// NewRedisBackend wraps an existing client. timeout <= 0 selects
// DefaultBackendTimeout.
func NewRedisBackend(client *redis.Client, timeout time.Duration) *RedisBackend {
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}
	return &RedisBackend{client: client, timeout: timeout}
}

func (b *RedisBackend) Name() string { return "redis" }

// Client returns the underlying Redis client for use by other packages.
func (b *RedisBackend) Client() *redis.Client {
	return b.client
}

// Put sets value and expiry atomically. A non-positive ttl removes the key,
// since the entry would already be expired.
func (b *RedisBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	callCtx, cancel, err := b.call(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if ttl <= 0 {
		err = b.client.Del(callCtx, key).Err()
	} else {
		err = b.client.Set(callCtx, key, value, ttl).Err()
	}
	return b.wrap(ctx, err)
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	callCtx, cancel, err := b.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	val, err := b.client.Get(callCtx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, b.wrap(ctx, err)
	}
	return val, nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	callCtx, cancel, err := b.call(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return b.wrap(ctx, b.client.Del(callCtx, key).Err())
}

// Keys walks the keyspace with SCAN rather than KEYS so a large keyspace
// does not block the server.
func (b *RedisBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	callCtx, cancel, err := b.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var keys []string
	iter := b.client.Scan(callCtx, 0, prefix+"*", 100).Iterator()
	for iter.Next(callCtx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, b.wrap(ctx, err)
	}
	return keys, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	callCtx, cancel, err := b.call(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return b.wrap(ctx, b.client.Ping(callCtx).Err())
}

// Close closes the Redis connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// call derives the per-call context. A caller whose context is already done
// gets its own error back without touching Redis.
func (b *RedisBackend) call(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	return callCtx, cancel, nil
}

// wrap classifies err. ctx is the caller's context: when it ended, the
// caller's own error is returned as is. Every other failure, including the
// per-call timeout, means the backend is unavailable.
func (b *RedisBackend) wrap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return unavailable(b.Name(), err)
}
