package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key suffixes for the two records kept per entry.
const (
	payloadSuffix = ":payload"
	metaSuffix    = ":meta"
)

// DefaultRedisPrefix namespaces all keys written by a RedisStore.
const DefaultRedisPrefix = "cachefront:"

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// Addr is the host:port of the redis server.
	Addr string

	// Password authenticates the connection; empty means none.
	Password string

	// DB selects the redis logical database.
	DB int

	// Prefix namespaces all keys (default DefaultRedisPrefix).
	Prefix string
}

// RedisStore persists entries in redis. The payload and the expiration
// metadata live under separate keys, written in one pipeline, so the expiry
// can be inspected without loading the payload. Both keys carry a native TTL
// of logical expiry plus slack as a safety net.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redis and verifies the connection before
// returning.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client. Panics if client is nil.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, time.Time, error) {
	pipe := s.client.Pipeline()
	payloadCmd := pipe.Get(ctx, s.prefix+key+payloadSuffix)
	metaCmd := pipe.Get(ctx, s.prefix+key+metaSuffix)

	if _, err := pipe.Exec(ctx); err != nil {
		if err == redis.Nil {
			return nil, time.Time{}, ErrNotFound
		}
		return nil, time.Time{}, fmt.Errorf("redis get %q: %w", key, err)
	}

	millis, err := strconv.ParseInt(metaCmd.Val(), 10, 64)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis expiry metadata for %q: %w", key, err)
	}

	return []byte(payloadCmd.Val()), time.UnixMilli(millis), nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key string, payload []byte, expiresAt time.Time) error {
	ttl := time.Until(expiresAt) + expirySlack
	if ttl <= 0 {
		ttl = expirySlack
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.prefix+key+payloadSuffix, payload, ttl)
	pipe.Set(ctx, s.prefix+key+metaSuffix, strconv.FormatInt(expiresAt.UnixMilli(), 10), ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put %q: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	keys := []string{s.prefix + key + payloadSuffix, s.prefix + key + metaSuffix}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete %q: %w", key, err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
