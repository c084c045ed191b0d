package store

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// memoryRecord pairs a payload with its logical expiry.
type memoryRecord struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryStore is an in-process store backed by a TTL cache. Suited to
// single-instance deployments and tests; contents do not survive restarts.
type MemoryStore struct {
	items *ttlcache.Cache[string, memoryRecord]
}

// NewMemoryStore creates an in-memory store. capacity bounds the number of
// records, 0 means unbounded.
func NewMemoryStore(capacity uint64) *MemoryStore {
	opts := []ttlcache.Option[string, memoryRecord]{
		// Reads must not extend a record's lifetime.
		ttlcache.WithDisableTouchOnHit[string, memoryRecord](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, memoryRecord](capacity))
	}

	items := ttlcache.New(opts...)
	go items.Start()

	return &MemoryStore{items: items}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, time.Time, error) {
	item := s.items.Get(key)
	if item == nil {
		return nil, time.Time{}, ErrNotFound
	}
	rec := item.Value()
	return rec.payload, rec.expiresAt, nil
}

// Put implements Store. Records are kept an extra slack window past the
// logical expiry so the caller's lazy reaping stays observable.
func (s *MemoryStore) Put(ctx context.Context, key string, payload []byte, expiresAt time.Time) error {
	ttl := time.Until(expiresAt) + expirySlack
	if ttl <= 0 {
		ttl = expirySlack
	}
	s.items.Set(key, memoryRecord{payload: payload, expiresAt: expiresAt}, ttl)
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.items.Delete(key)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.items.Stop()
	s.items.DeleteAll()
	return nil
}
