// Package cache provides the building blocks of the caching proxy core:
// deterministic cache-key derivation, the persisted entry format, and the
// admission/TTL policy.
//
// The package is pure: it performs no I/O against any store or origin. The
// orchestrator in pkg/proxy combines these pieces with a store backend from
// pkg/store.
//
// # Cache Keys
//
//	builder := cache.NewKeyBuilder()
//
//	u, _ := url.Parse("https://origin.example.com/search?q=1")
//	key := builder.Build("POST", u, bytes.NewReader(payload))
//	// POST:https://origin.example.com/search?q=1:bodyHash=ab12...
//
// Two requests with identical method, URL, and body always produce the same
// key. Empty bodies map to the fixed sentinel "emptybody"; a body that cannot
// be read maps to "readerror" so the request can still be forwarded.
//
// # Entries
//
//	entry, err := cache.EntryFromResponse(resp)
//	if err != nil {
//		// storage skipped, resp.Body still readable
//	}
//
//	payload, err := entry.Encode(true)
//	// ... store payload with an absolute expiry ...
//
//	entry, err = cache.DecodeEntry(payload)
//	if errors.Is(err, cache.ErrCorruptEntry) {
//		// reap and treat as miss
//	}
//
// # Policy
//
//	policy := cache.NewPolicy(nil, 0) // GET+POST, 5 minute default TTL
//	d := cache.ParseDirectives(r.Header.Get(cache.DefaultControlHeader))
//
//	if policy.LookupEligible(r.Method, d) {
//		// try the store
//	}
//	if policy.StorageEligible(r.Method, d, resp.StatusCode, resp.Header) {
//		ttl := policy.TTL(d, resp.Header)
//		// persist with expiry now+ttl
//	}
//
// The control header understands no-cache (bypass lookup and storage),
// force-cache (store despite a non-cacheable method), and max-age=N (TTL
// override). force-cache never overrides an origin no-cache/no-store.
package cache
