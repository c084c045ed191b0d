package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ErrCorruptEntry reports a stored payload that cannot be decoded.
var ErrCorruptEntry = errors.New("corrupt cache entry")

// Entry represents a cached origin response.
//
// The expiration instant is not part of the entry payload: it travels as
// separate store metadata (absolute epoch milliseconds) so a store can answer
// staleness questions without decoding the entry.
type Entry struct {
	// Body is the response body, stored as text
	Body string `json:"body"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// CachedAt is when the response was captured
	CachedAt time.Time `json:"cached_at"`
}

// Age returns how long ago the entry was captured.
func (e *Entry) Age() time.Duration {
	if e.CachedAt.IsZero() {
		return 0
	}
	return time.Since(e.CachedAt)
}

// compressThreshold is the encoded size, in bytes, from which payloads are
// compressed when compression is enabled. Small entries gain nothing from a
// zstd frame.
const compressThreshold = 1024

// zstdMagic is the zstd frame magic number, used to recognize compressed
// payloads on decode.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Encode serializes the entry to JSON. With compress set, payloads of at
// least compressThreshold bytes are wrapped in a zstd frame; DecodeEntry
// handles both forms transparently.
func (e *Entry) Encode(compress bool) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}

	if !compress || len(data) < compressThreshold {
		return data, nil
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	defer enc.Close()

	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// DecodeEntry deserializes a stored payload, transparently decompressing
// zstd-framed payloads. Undecodable payloads yield ErrCorruptEntry so callers
// can reap the entry and treat the lookup as a miss.
func DecodeEntry(payload []byte) (*Entry, error) {
	if bytes.HasPrefix(payload, zstdMagic) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("init zstd decoder: %w", err)
		}
		defer dec.Close()

		plain, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
		}
		payload = plain
	}

	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return &entry, nil
}
