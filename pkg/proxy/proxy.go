// Package proxy implements the caching reverse proxy handler. It fronts a
// single origin, answers repeat requests from a durable store when the
// policy allows, and otherwise forwards to the origin and schedules the
// response for background storage.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachefront/cachefront/pkg/cache"
	"github.com/cachefront/cachefront/pkg/logging"
	"github.com/cachefront/cachefront/pkg/stats"
	"github.com/cachefront/cachefront/pkg/store"
)

// Diagnostic headers added to every response.
const (
	HeaderCacheStatus = "X-Cache-Status"
	HeaderCacheKey    = "X-Cache-Key"
)

// Values of the cache status header.
const (
	StatusHit  = "HIT"
	StatusMiss = "MISS"
)

// Config holds the proxy configuration.
type Config struct {
	// Origin is the base URL requests are forwarded to.
	// Required: without it every request answers 500.
	Origin *url.URL

	// Store is the cache backend.
	// Required: without it every request answers 500.
	Store store.Store

	// ControlHeader is the request header carrying cache directives.
	// Defaults to X-Proxy-Cache-Control.
	ControlHeader string

	// DefaultTTL applies when neither the request nor the response
	// carries a max-age directive. Defaults to 5 minutes.
	DefaultTTL time.Duration

	// Methods is the cacheable-method set. Defaults to GET and POST.
	Methods []string

	// BodyMethods are the methods whose request body participates in
	// the cache key. Defaults to POST.
	BodyMethods []string

	// ForwardHook, when set, mutates the outbound request just before
	// it is sent. Used to inject auth or routing headers.
	ForwardHook func(*http.Request)

	// Client performs origin requests. The default times out after
	// 30 seconds and relays redirects instead of following them.
	Client *http.Client

	// Compression transparently compresses large entries in the store.
	Compression bool

	// Stats receives hit/miss/store counters. Defaults to a collector
	// local to this process.
	Stats *stats.Collector

	// Writer sizes the background store writer.
	Writer WriterConfig
}

// Proxy is the request handler. Create with New, release with Close.
type Proxy struct {
	origin     *url.URL
	originBase string
	st         store.Store

	controlHeader string
	policy        cache.Policy
	keys          cache.KeyBuilder
	hook          func(*http.Request)
	client        *http.Client
	compress      bool

	stats  *stats.Collector
	writer *Writer
	logger zerolog.Logger
}

// New creates a proxy from the given configuration. Missing origin or
// store do not fail construction: the handler reports them per request,
// so a partially configured proxy still answers with a clear error.
func New(cfg Config) *Proxy {
	logger := logging.NewLogger("proxy")

	if cfg.ControlHeader == "" {
		cfg.ControlHeader = cache.DefaultControlHeader
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{
			Timeout: 30 * time.Second,
			// Redirects from the origin are relayed to the caller, never followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector(nil, logger)
	}

	p := &Proxy{
		origin:        cfg.Origin,
		st:            cfg.Store,
		controlHeader: cfg.ControlHeader,
		policy:        cache.NewPolicy(cfg.Methods, cfg.DefaultTTL),
		keys:          cache.NewKeyBuilder(cfg.BodyMethods...),
		hook:          cfg.ForwardHook,
		client:        cfg.Client,
		compress:      cfg.Compression,
		stats:         cfg.Stats,
		logger:        logger,
	}
	if cfg.Origin != nil {
		p.originBase = strings.TrimSuffix(cfg.Origin.String(), "/")
	}
	if cfg.Store != nil {
		p.writer = NewWriter(cfg.Store, cfg.Writer, logging.NewLogger("writer"), cfg.Stats)
	}
	return p
}

// Close flushes pending background writes. The store itself is not closed;
// it belongs to the caller.
func (p *Proxy) Close() {
	if p.writer != nil {
		p.writer.Stop()
	}
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := p.handle(w, r)

	RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
}

// handle runs one request through the full lifecycle and returns the
// response status it wrote.
func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) int {
	ctx := r.Context()

	if p.origin == nil {
		http.Error(w, "origin not configured", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	if p.st == nil {
		http.Error(w, "cache store not bound", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	// Step 1: buffer the request body once. Key derivation and forwarding
	// each get their own independent view of the same bytes.
	body, readErr := readRequestBody(r)
	if readErr != nil {
		p.logger.Warn().
			Err(readErr).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request body read failed, degrading cache key")
	}

	// Step 2: build the cache key from the origin-absolute URL.
	target, err := url.Parse(p.originBase + r.URL.RequestURI())
	if err != nil {
		OriginErrors.Inc()
		p.stats.RecordOriginError(ctx)
		http.Error(w, "origin request failed: "+err.Error(), http.StatusBadGateway)
		return http.StatusBadGateway
	}
	key := p.keys.Build(r.Method, target, keyBodyView(body, readErr))
	directives := cache.ParseDirectives(r.Header.Get(p.controlHeader))

	// Step 3: attempt the cache lookup.
	if p.policy.LookupEligible(r.Method, directives) {
		if status, ok := p.serveFromCache(ctx, w, key); ok {
			CacheHits.Inc()
			p.stats.RecordHit(ctx)
			return status
		}
		CacheMisses.Inc()
		p.stats.RecordMiss(ctx)
	} else {
		CacheBypass.Inc()
		p.stats.RecordBypass(ctx)
	}

	// Steps 4-8: forward to the origin and opportunistically store.
	return p.forward(w, r, target, key, directives, body)
}

// serveFromCache tries to answer the request from the store. Any store or
// decode problem reads as a miss; expired and corrupt entries are reaped
// in the background.
func (p *Proxy) serveFromCache(ctx context.Context, w http.ResponseWriter, key string) (int, bool) {
	payload, expiresAt, err := p.st.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			StoreErrors.WithLabelValues("get").Inc()
			p.stats.RecordStoreError(ctx)
			p.logger.Warn().Err(err).Str("key", key).Msg("Cache lookup failed, treating as miss")
		}
		return 0, false
	}

	if time.Now().After(expiresAt) {
		p.logger.Debug().
			Str("key", key).
			Time("expires_at", expiresAt).
			Msg("Cache entry expired, scheduling delete")
		p.writer.EnqueueDelete(key)
		return 0, false
	}

	entry, err := cache.DecodeEntry(payload)
	if err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("Corrupt cache entry, scheduling delete")
		p.writer.EnqueueDelete(key)
		return 0, false
	}

	copyHeader(w.Header(), entry.Headers)
	w.Header().Set(HeaderCacheStatus, StatusHit)
	w.Header().Set(HeaderCacheKey, key)
	w.WriteHeader(entry.StatusCode)
	if _, err := io.WriteString(w, entry.Body); err != nil {
		p.logger.Debug().Err(err).Str("key", key).Msg("Client write failed")
	}

	p.logger.Debug().
		Str("key", key).
		Int("status", entry.StatusCode).
		Dur("age", entry.Age()).
		Msg("Served from cache")
	return entry.StatusCode, true
}

// forward sends the request to the origin, relays the response, and hands
// storable responses to the background writer.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, target *url.URL, key string, directives cache.Directives, body []byte) int {
	ctx := r.Context()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		OriginErrors.Inc()
		p.stats.RecordOriginError(ctx)
		http.Error(w, "origin request failed: "+err.Error(), http.StatusBadGateway)
		return http.StatusBadGateway
	}
	// Forward headers as received. Host is left to the client so it
	// matches the origin, not this proxy.
	outReq.Header = r.Header.Clone()
	outReq.Header.Del("Host")
	if p.hook != nil {
		p.hook(outReq)
	}

	resp, err := p.client.Do(outReq)
	if err != nil {
		OriginErrors.Inc()
		p.stats.RecordOriginError(ctx)
		p.logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("url", target.String()).
			Msg("Origin request failed")
		http.Error(w, "origin request failed: "+err.Error(), http.StatusBadGateway)
		return http.StatusBadGateway
	}
	defer resp.Body.Close()

	// Capture the response for storage before relaying it. The capture
	// leaves resp.Body as a fresh view over the same bytes.
	var entry *cache.Entry
	if !directives.Bypass && p.policy.StorageEligible(r.Method, directives, resp.StatusCode, resp.Header) {
		entry, err = cache.EntryFromResponse(resp)
		if err != nil {
			StoreErrors.WithLabelValues("read").Inc()
			p.stats.RecordStoreError(ctx)
			p.logger.Warn().Err(err).Str("key", key).Msg("Response capture failed, skipping store")
			entry = nil
		}
	}

	copyHeader(w.Header(), resp.Header)
	w.Header().Set(HeaderCacheStatus, StatusMiss)
	w.Header().Set(HeaderCacheKey, key)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug().Err(err).Str("key", key).Msg("Client write failed")
	}

	if entry != nil {
		p.scheduleStore(ctx, key, entry, directives, resp.Header)
	}
	return resp.StatusCode
}

// scheduleStore encodes the entry and hands it to the background writer.
// The response has already been sent; nothing here can affect it.
func (p *Proxy) scheduleStore(ctx context.Context, key string, entry *cache.Entry, directives cache.Directives, respHeader http.Header) {
	ttl := p.policy.TTL(directives, respHeader)
	payload, err := entry.Encode(p.compress)
	if err != nil {
		StoreErrors.WithLabelValues("encode").Inc()
		p.stats.RecordStoreError(ctx)
		p.logger.Warn().Err(err).Str("key", key).Msg("Entry encode failed, skipping store")
		return
	}

	expiresAt := time.Now().Add(ttl)
	if p.writer.EnqueuePut(key, payload, expiresAt) {
		p.stats.RecordStore(ctx)
		p.logger.Debug().
			Str("key", key).
			Dur("ttl", ttl).
			Time("expires_at", expiresAt).
			Msg("Entry scheduled for storage")
	}
}

// readRequestBody drains and closes the inbound body. Partial bytes are
// returned alongside the error so the forward still carries what arrived.
func readRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// keyBodyView returns the key-derivation view of the buffered body. A read
// failure is replayed so the key carries the readerror sentinel.
func keyBodyView(body []byte, readErr error) io.Reader {
	if readErr != nil {
		return failedBody{err: readErr}
	}
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}

// failedBody replays a request body read failure.
type failedBody struct{ err error }

func (b failedBody) Read([]byte) (int, error) { return 0, b.err }

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
