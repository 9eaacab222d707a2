// Package rediskv implements kv.Store on top of Redis, for deployments that
// already run Redis and would rather not add a second persistence
// technology just for App State KV (spec.md §3). It mirrors the teacher
// client's connection-pool conventions rather than talking to go-redis
// directly from the call site.
package rediskv

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warpgate/tokenpool/internal/kv"
)

// Options configures the Redis-backed KV client.
type Options struct {
	URL       string
	KeyPrefix string
	PoolSize  int
	Timeout   time.Duration
}

// KV wraps a go-redis client scoped to a key prefix.
type KV struct {
	rdb       *redis.Client
	keyPrefix string
}

// New parses opts.URL and constructs a pooled Redis client.
func New(opts Options) (*KV, error) {
	redisOpts, err := parseRedisURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("rediskv: invalid redis URL: %w", err)
	}
	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
		redisOpts.MinIdleConns = opts.PoolSize / 5
	}
	if opts.Timeout > 0 {
		redisOpts.PoolTimeout = opts.Timeout
		redisOpts.ReadTimeout = opts.Timeout
		redisOpts.WriteTimeout = opts.Timeout
	}

	return &KV{rdb: redis.NewClient(redisOpts), keyPrefix: opts.KeyPrefix}, nil
}

func parseRedisURL(rawURL string) (*redis.Options, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	opts := &redis.Options{Addr: u.Host}
	if u.User != nil {
		if password, ok := u.User.Password(); ok {
			opts.Password = password
		}
	}
	return opts, nil
}

func (k *KV) key(key string) string {
	return k.keyPrefix + key
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := k.rdb.Get(ctx, k.key(key)).Bytes()
	if err == redis.Nil {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rediskv: get %s: %w", key, err)
	}
	return val, nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := k.rdb.Set(ctx, k.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("rediskv: set %s: %w", key, err)
	}
	return nil
}

func (k *KV) Delete(ctx context.Context, key string) error {
	if err := k.rdb.Del(ctx, k.key(key)).Err(); err != nil {
		return fmt.Errorf("rediskv: delete %s: %w", key, err)
	}
	return nil
}

func (k *KV) Incr(ctx context.Context, key string) (int64, error) {
	n, err := k.rdb.Incr(ctx, k.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("rediskv: incr %s: %w", key, err)
	}
	return n, nil
}

func (k *KV) Close() error {
	return k.rdb.Close()
}
