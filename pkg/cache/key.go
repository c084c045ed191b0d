package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Body hash sentinels. Both are part of the persisted key format; changing
// them orphans every body-keyed entry already in the store.
const (
	// EmptyBodySentinel marks a request whose body is absent or zero-length.
	// An empty body is never digested: "no body" and "body that hashes to a
	// particular value" must stay distinguishable in the key.
	EmptyBodySentinel = "emptybody"

	// ReadErrorSentinel marks a request whose body could not be read during
	// key derivation. The request itself still proceeds; only the key degrades.
	ReadErrorSentinel = "readerror"
)

// Hash returns the lowercase hex SHA-256 digest of payload.
// Empty or nil input returns EmptyBodySentinel instead of the digest of zero
// bytes. Digesting cannot fail, so there is no error path.
func Hash(payload []byte) string {
	if len(payload) == 0 {
		return EmptyBodySentinel
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// KeyBuilder derives deterministic cache keys from method, URL and, for
// body-keyed methods, a digest of the request payload.
type KeyBuilder struct {
	// BodyMethods are the methods whose payload participates in the key.
	BodyMethods map[string]bool
}

// NewKeyBuilder returns a builder that keys bodies for the given methods.
// Without arguments only POST bodies are keyed.
func NewKeyBuilder(bodyMethods ...string) KeyBuilder {
	methods := make(map[string]bool, len(bodyMethods))
	for _, m := range bodyMethods {
		methods[strings.ToUpper(m)] = true
	}
	if len(methods) == 0 {
		methods[http.MethodPost] = true
	}
	return KeyBuilder{BodyMethods: methods}
}

// Build generates the cache key for a request.
// Format: {METHOD}:{url}, suffixed with :bodyHash={hex|emptybody|readerror}
// for body-keyed methods.
//
// body must be an independent view of the request payload: Build consumes the
// reader it is given and must never share a cursor with the reader used for
// forwarding.
func (b KeyBuilder) Build(method string, u *url.URL, body io.Reader) string {
	method = strings.ToUpper(method)
	key := method + ":" + u.String()

	if !b.BodyMethods[method] {
		return key
	}

	hash := ReadErrorSentinel
	if body == nil {
		hash = EmptyBodySentinel
	} else if payload, err := io.ReadAll(body); err == nil {
		hash = Hash(payload)
	}

	return key + ":bodyHash=" + hash
}
