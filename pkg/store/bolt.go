package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

// Bucket names for the two records kept per entry.
var (
	payloadBucket = []byte("payload")
	metaBucket    = []byte("meta")
)

// BoltStore persists entries in an embedded bolt database file: one bucket
// for payloads, one for the big-endian epoch-millisecond expiry. Records
// persist until lazily deleted by the caller.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens, and if needed initializes, the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(payloadBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize bolt store: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Get implements Store.
func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, time.Time, error) {
	var payload []byte
	var millis int64

	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket).Get([]byte(key))
		if meta == nil {
			return ErrNotFound
		}
		if len(meta) != 8 {
			return fmt.Errorf("expiry metadata is %d bytes, want 8", len(meta))
		}
		millis = int64(binary.BigEndian.Uint64(meta))

		// Values are only valid inside the transaction, copy out.
		if raw := tx.Bucket(payloadBucket).Get([]byte(key)); raw != nil {
			payload = make([]byte, len(raw))
			copy(payload, raw)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, time.Time{}, ErrNotFound
		}
		return nil, time.Time{}, fmt.Errorf("bolt get %q: %w", key, err)
	}

	return payload, time.UnixMilli(millis), nil
}

// Put implements Store.
func (s *BoltStore) Put(ctx context.Context, key string, payload []byte, expiresAt time.Time) error {
	meta := make([]byte, 8)
	binary.BigEndian.PutUint64(meta, uint64(expiresAt.UnixMilli()))

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(payloadBucket).Put([]byte(key), payload); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put([]byte(key), meta)
	})
	if err != nil {
		return fmt.Errorf("bolt put %q: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *BoltStore) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(payloadBucket).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("bolt delete %q: %w", key, err)
	}
	return nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
