// Package store provides the persistent blob store backends that hold cached
// entries.
//
// A Store persists opaque payloads keyed by cache key, with an absolute
// expiration instant kept as separate metadata at epoch-millisecond
// precision. Staleness is enforced lazily by the caller: a Get returns
// whatever the backend holds, and the orchestrator reaps entries it discovers
// expired. Backends with native expiry use it only as a safety net well past
// the logical expiry, so the lazy path stays in charge.
//
// Available backends: MemoryStore (in-process TTL cache), RedisStore,
// SQLiteStore, and BoltStore.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a key with no stored payload.
var ErrNotFound = errors.New("store: key not found")

// expirySlack is how far past the logical expiry a backend with native
// expiry keeps a record. Within the slack window an expired entry is still
// readable, which lets the caller detect staleness and reap it.
const expirySlack = 24 * time.Hour

// Store is the blob store interface consumed by the proxy. Implementations
// treat payloads as opaque bytes and never interpret them.
type Store interface {
	// Get returns the payload and its expiration for key, or ErrNotFound.
	Get(ctx context.Context, key string) (payload []byte, expiresAt time.Time, err error)

	// Put stores payload under key with an absolute expiration instant.
	Put(ctx context.Context, key string, payload []byte, expiresAt time.Time) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
