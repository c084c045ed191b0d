// Package stats tracks cache effectiveness counters for the proxy.
// Counters are kept in-process and optionally mirrored to Redis so that
// several proxy instances in front of the same origin can report a
// combined view.
package stats

// Redis keys for mirrored counters.
const (
	RedisKeyHits         = "cachefront:stats:hits"
	RedisKeyMisses       = "cachefront:stats:misses"
	RedisKeyBypass       = "cachefront:stats:bypass"
	RedisKeyStores       = "cachefront:stats:stores"
	RedisKeyStoreErrors  = "cachefront:stats:store_errors"
	RedisKeyOriginErrors = "cachefront:stats:origin_errors"
)

// Counters is a point-in-time snapshot of proxy activity.
type Counters struct {
	// Hits counts requests answered from the cache.
	Hits int64 `json:"hits"`

	// Misses counts lookup-eligible requests that reached the origin.
	Misses int64 `json:"misses"`

	// Bypass counts requests that skipped the cache lookup entirely,
	// either by method or by client directive.
	Bypass int64 `json:"bypass"`

	// Stores counts entries handed to the background writer.
	Stores int64 `json:"stores"`

	// StoreErrors counts failed store operations. These never surface
	// to clients, so the counter is the main way to notice a sick backend.
	StoreErrors int64 `json:"store_errors"`

	// OriginErrors counts forwards that failed before producing a response.
	OriginErrors int64 `json:"origin_errors"`
}

// Total returns the number of requests the proxy has handled.
func (c Counters) Total() int64 {
	return c.Hits + c.Misses + c.Bypass
}

// HitRate returns the fraction of cache lookups answered from the cache.
// Bypassed requests never consult the cache and are excluded.
// Returns 0 when no lookups have happened yet.
func (c Counters) HitRate() float64 {
	lookups := c.Hits + c.Misses
	if lookups == 0 {
		return 0
	}
	return float64(c.Hits) / float64(lookups)
}
