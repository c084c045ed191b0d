package stats

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Collector accumulates counters with atomic increments. When built with
// a Redis client it additionally mirrors every increment there, best
// effort: a failed mirror write is logged at debug level and dropped,
// never surfaced to the request path.
type Collector struct {
	hits         atomic.Int64
	misses       atomic.Int64
	bypass       atomic.Int64
	stores       atomic.Int64
	storeErrors  atomic.Int64
	originErrors atomic.Int64

	redis  *redis.Client
	logger zerolog.Logger
}

// NewCollector creates a collector. A nil redisClient keeps the counters
// local to this process.
func NewCollector(redisClient *redis.Client, logger zerolog.Logger) *Collector {
	return &Collector{
		redis:  redisClient,
		logger: logger,
	}
}

// RecordHit notes a request answered from the cache.
func (c *Collector) RecordHit(ctx context.Context) {
	c.hits.Add(1)
	c.mirror(ctx, RedisKeyHits)
}

// RecordMiss notes a lookup-eligible request that had to reach the origin.
func (c *Collector) RecordMiss(ctx context.Context) {
	c.misses.Add(1)
	c.mirror(ctx, RedisKeyMisses)
}

// RecordBypass notes a request that skipped the cache lookup.
func (c *Collector) RecordBypass(ctx context.Context) {
	c.bypass.Add(1)
	c.mirror(ctx, RedisKeyBypass)
}

// RecordStore notes an entry handed to the background writer.
func (c *Collector) RecordStore(ctx context.Context) {
	c.stores.Add(1)
	c.mirror(ctx, RedisKeyStores)
}

// RecordStoreError notes a failed store operation.
func (c *Collector) RecordStoreError(ctx context.Context) {
	c.storeErrors.Add(1)
	c.mirror(ctx, RedisKeyStoreErrors)
}

// RecordOriginError notes a forward that failed before a response arrived.
func (c *Collector) RecordOriginError(ctx context.Context) {
	c.originErrors.Add(1)
	c.mirror(ctx, RedisKeyOriginErrors)
}

func (c *Collector) mirror(ctx context.Context, key string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Incr(ctx, key).Err(); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("Stats mirror increment failed")
	}
}

// Snapshot returns the current counters. With a Redis mirror the snapshot
// reflects all proxy instances sharing it; fields Redis cannot answer fall
// back to this process's local values.
func (c *Collector) Snapshot(ctx context.Context) Counters {
	local := Counters{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Bypass:       c.bypass.Load(),
		Stores:       c.stores.Load(),
		StoreErrors:  c.storeErrors.Load(),
		OriginErrors: c.originErrors.Load(),
	}
	if c.redis == nil {
		return local
	}

	values, err := c.redis.MGet(ctx,
		RedisKeyHits,
		RedisKeyMisses,
		RedisKeyBypass,
		RedisKeyStores,
		RedisKeyStoreErrors,
		RedisKeyOriginErrors,
	).Result()
	if err != nil || len(values) != 6 {
		c.logger.Debug().Err(err).Msg("Stats mirror read failed, serving local counters")
		return local
	}

	return Counters{
		Hits:         mergeCounter(values[0], local.Hits),
		Misses:       mergeCounter(values[1], local.Misses),
		Bypass:       mergeCounter(values[2], local.Bypass),
		Stores:       mergeCounter(values[3], local.Stores),
		StoreErrors:  mergeCounter(values[4], local.StoreErrors),
		OriginErrors: mergeCounter(values[5], local.OriginErrors),
	}
}

// mergeCounter parses one MGET result, falling back to the local value for
// keys Redis has never seen or cannot parse.
func mergeCounter(raw interface{}, local int64) int64 {
	s, ok := raw.(string)
	if !ok {
		return local
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return local
	}
	return n
}
