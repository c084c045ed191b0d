package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/cachefront/cachefront/internal/testutil"
	"github.com/cachefront/cachefront/pkg/cache"
	"github.com/cachefront/cachefront/pkg/store"
)

func newTestProxy(t *testing.T, originURL string, mutate func(*Config)) (*Proxy, store.Store) {
	t.Helper()

	st := store.NewMemoryStore(0)
	t.Cleanup(func() { st.Close() })

	cfg := Config{Store: st}
	if originURL != "" {
		origin, err := url.Parse(originURL)
		if err != nil {
			t.Fatalf("parse origin URL: %v", err)
		}
		cfg.Origin = origin
	}
	if mutate != nil {
		mutate(&cfg)
	}

	p := New(cfg)
	t.Cleanup(p.Close)
	return p, st
}

func doRequest(p *Proxy, method, target string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for name, values := range header {
		req.Header[name] = values
	}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	return rec
}

// waitForStored polls until the background writer has persisted the key.
func waitForStored(t *testing.T, st store.Store, key string) ([]byte, time.Time) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		payload, expiresAt, err := st.Get(context.Background(), key)
		if err == nil {
			return payload, expiresAt
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("entry for key %q never reached the store", key)
	return nil, time.Time{}
}

// waitForDeleted polls until the background writer has removed the key.
func waitForDeleted(t *testing.T, st store.Store, key string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, _, err := st.Get(context.Background(), key)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("entry for key %q was never deleted", key)
}

func seedEntry(t *testing.T, st store.Store, key string, entry *cache.Entry, expiresAt time.Time) {
	t.Helper()

	payload, err := entry.Encode(false)
	if err != nil {
		t.Fatalf("encode entry: %v", err)
	}
	if err := st.Put(context.Background(), key, payload, expiresAt); err != nil {
		t.Fatalf("seed store: %v", err)
	}
}

func TestProxy_OriginNotConfigured(t *testing.T) {
	p, _ := newTestProxy(t, "", nil)

	rec := doRequest(p, http.MethodGet, "/widgets/1", nil, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "origin not configured") {
		t.Errorf("body = %q, want origin configuration error", rec.Body.String())
	}
}

func TestProxy_StoreNotBound(t *testing.T) {
	origin, _ := url.Parse("http://origin.invalid")
	p := New(Config{Origin: origin})
	t.Cleanup(p.Close)

	rec := doRequest(p, http.MethodGet, "/widgets/1", nil, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cache store not bound") {
		t.Errorf("body = %q, want store binding error", rec.Body.String())
	}
}

func TestProxy_MissThenHit(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetJSONResponse("/widgets/1", http.StatusOK, `{"id":1}`, "max-age=120")

	p, st := newTestProxy(t, origin.URL(), nil)

	rec := doRequest(p, http.MethodGet, "/widgets/1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get(HeaderCacheStatus); got != StatusMiss {
		t.Errorf("first request cache status = %q, want %q", got, StatusMiss)
	}
	if rec.Body.String() != `{"id":1}` {
		t.Errorf("first request body = %q", rec.Body.String())
	}

	key := rec.Header().Get(HeaderCacheKey)
	wantKey := "GET:" + origin.URL() + "/widgets/1"
	if key != wantKey {
		t.Errorf("cache key = %q, want %q", key, wantKey)
	}

	waitForStored(t, st, key)

	rec = doRequest(p, http.MethodGet, "/widgets/1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second request status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get(HeaderCacheStatus); got != StatusHit {
		t.Errorf("second request cache status = %q, want %q", got, StatusHit)
	}
	if rec.Body.String() != `{"id":1}` {
		t.Errorf("second request body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json; charset=utf-8" {
		t.Errorf("second request content type = %q, stored headers not replayed", got)
	}
	if origin.GetRequestCount() != 1 {
		t.Errorf("origin request count = %d, want 1", origin.GetRequestCount())
	}
}

func TestProxy_PostBodyKeyed(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetJSONResponse("/search", http.StatusOK, `{"results":[]}`, "max-age=60")

	p, st := newTestProxy(t, origin.URL(), nil)

	first := doRequest(p, http.MethodPost, "/search", strings.NewReader(`{"q":"x"}`), nil)
	if got := first.Header().Get(HeaderCacheStatus); got != StatusMiss {
		t.Fatalf("first POST cache status = %q, want MISS", got)
	}
	key := first.Header().Get(HeaderCacheKey)
	if !strings.Contains(key, ":bodyHash=") {
		t.Fatalf("POST key %q carries no body hash", key)
	}

	waitForStored(t, st, key)

	second := doRequest(p, http.MethodPost, "/search", strings.NewReader(`{"q":"x"}`), nil)
	if got := second.Header().Get(HeaderCacheKey); got != key {
		t.Errorf("same body produced different keys: %q vs %q", key, got)
	}
	if got := second.Header().Get(HeaderCacheStatus); got != StatusHit {
		t.Errorf("second POST cache status = %q, want HIT", got)
	}
	if origin.GetRequestCount() != 1 {
		t.Errorf("origin request count = %d, want 1", origin.GetRequestCount())
	}

	other := doRequest(p, http.MethodPost, "/search", strings.NewReader(`{"q":"y"}`), nil)
	if got := other.Header().Get(HeaderCacheKey); got == key {
		t.Errorf("different body produced the same key %q", key)
	}
	if got := other.Header().Get(HeaderCacheStatus); got != StatusMiss {
		t.Errorf("different body cache status = %q, want MISS", got)
	}
}

func TestProxy_BypassDirectiveSkipsLookupAndStore(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetJSONResponse("/widgets/1", http.StatusOK, `{"fresh":true}`, "max-age=120")

	p, st := newTestProxy(t, origin.URL(), nil)

	key := "GET:" + origin.URL() + "/widgets/1"
	seeded := &cache.Entry{
		Body:       `{"seeded":true}`,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		CachedAt:   time.Now(),
	}
	seedEntry(t, st, key, seeded, time.Now().Add(time.Hour))

	header := http.Header{}
	header.Set(cache.DefaultControlHeader, "no-cache")
	rec := doRequest(p, http.MethodGet, "/widgets/1", nil, header)

	if got := rec.Header().Get(HeaderCacheStatus); got != StatusMiss {
		t.Errorf("bypass cache status = %q, want MISS", got)
	}
	if rec.Body.String() != `{"fresh":true}` {
		t.Errorf("bypass served %q, want the origin response", rec.Body.String())
	}
	if origin.GetRequestCount() != 1 {
		t.Errorf("origin request count = %d, want 1", origin.GetRequestCount())
	}

	// Bypass skips storage too: the seeded entry must survive untouched.
	time.Sleep(100 * time.Millisecond)
	payload, _, err := st.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("seeded entry vanished: %v", err)
	}
	entry, err := cache.DecodeEntry(payload)
	if err != nil {
		t.Fatalf("decode seeded entry: %v", err)
	}
	if entry.Body != `{"seeded":true}` {
		t.Errorf("seeded entry body = %q, bypass overwrote the store", entry.Body)
	}
}

func TestProxy_ExpiredEntryTreatedAsMissAndReaped(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	// no-store keeps the fresh response out of the store so the reap
	// is the only pending write.
	origin.SetJSONResponse("/widgets/1", http.StatusOK, `{"fresh":true}`, "no-store")

	p, st := newTestProxy(t, origin.URL(), nil)

	key := "GET:" + origin.URL() + "/widgets/1"
	stale := &cache.Entry{
		Body:       `{"stale":true}`,
		StatusCode: http.StatusOK,
		Headers:    http.Header{},
		CachedAt:   time.Now().Add(-2 * time.Hour),
	}
	seedEntry(t, st, key, stale, time.Now().Add(-time.Hour))

	rec := doRequest(p, http.MethodGet, "/widgets/1", nil, nil)
	if got := rec.Header().Get(HeaderCacheStatus); got != StatusMiss {
		t.Errorf("expired entry served with cache status %q, want MISS", got)
	}
	if rec.Body.String() != `{"fresh":true}` {
		t.Errorf("body = %q, want the origin response", rec.Body.String())
	}
	if origin.GetRequestCount() != 1 {
		t.Errorf("origin request count = %d, want 1", origin.GetRequestCount())
	}

	waitForDeleted(t, st, key)
}

func TestProxy_CorruptEntryTreatedAsMissAndReaped(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetJSONResponse("/widgets/1", http.StatusOK, `{"fresh":true}`, "no-store")

	p, st := newTestProxy(t, origin.URL(), nil)

	key := "GET:" + origin.URL() + "/widgets/1"
	if err := st.Put(context.Background(), key, []byte("definitely not an entry"), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	rec := doRequest(p, http.MethodGet, "/widgets/1", nil, nil)
	if got := rec.Header().Get(HeaderCacheStatus); got != StatusMiss {
		t.Errorf("corrupt entry served with cache status %q, want MISS", got)
	}
	if origin.GetRequestCount() != 1 {
		t.Errorf("origin request count = %d, want 1", origin.GetRequestCount())
	}

	waitForDeleted(t, st, key)
}

func TestProxy_StoreErrorTreatedAsMiss(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetJSONResponse("/widgets/1", http.StatusOK, `{"id":1}`, "max-age=120")

	p, _ := newTestProxy(t, origin.URL(), func(cfg *Config) {
		cfg.Store = failingStore{}
	})

	rec := doRequest(p, http.MethodGet, "/widgets/1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite the broken store", rec.Code)
	}
	if got := rec.Header().Get(HeaderCacheStatus); got != StatusMiss {
		t.Errorf("cache status = %q, want %q", got, StatusMiss)
	}
	if rec.Body.String() != `{"id":1}` {
		t.Errorf("body = %q, want the origin response", rec.Body.String())
	}
	if origin.GetRequestCount() != 1 {
		t.Errorf("origin request count = %d, want 1", origin.GetRequestCount())
	}
}

func TestProxy_NoStoreBeatsForceDirective(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetJSONResponse("/widgets/1", http.StatusOK, `{"id":1}`, "no-store")

	p, st := newTestProxy(t, origin.URL(), nil)

	header := http.Header{}
	header.Set(cache.DefaultControlHeader, "force-cache")
	rec := doRequest(p, http.MethodGet, "/widgets/1", nil, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	time.Sleep(100 * time.Millisecond)
	key := rec.Header().Get(HeaderCacheKey)
	if _, _, err := st.Get(context.Background(), key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("no-store response was persisted despite origin directive (err = %v)", err)
	}
}

func TestProxy_ForceCacheWidensMethodGate(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetJSONResponse("/widgets/1", http.StatusOK, `{"deleted":true}`, "max-age=60")

	p, st := newTestProxy(t, origin.URL(), nil)

	header := http.Header{}
	header.Set(cache.DefaultControlHeader, "force-cache")
	rec := doRequest(p, http.MethodDelete, "/widgets/1", nil, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	key := rec.Header().Get(HeaderCacheKey)
	payload, _ := waitForStored(t, st, key)
	entry, err := cache.DecodeEntry(payload)
	if err != nil {
		t.Fatalf("decode stored entry: %v", err)
	}
	if entry.Body != `{"deleted":true}` {
		t.Errorf("stored body = %q", entry.Body)
	}
}

func TestProxy_NonCacheableMethodForwardsWithoutStoring(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetJSONResponse("/widgets/1", http.StatusOK, `{"deleted":true}`, "max-age=60")

	p, st := newTestProxy(t, origin.URL(), nil)

	rec := doRequest(p, http.MethodDelete, "/widgets/1", nil, nil)
	if got := rec.Header().Get(HeaderCacheStatus); got != StatusMiss {
		t.Errorf("cache status = %q, want MISS", got)
	}
	if origin.GetRequestCount() != 1 {
		t.Errorf("origin request count = %d, want 1", origin.GetRequestCount())
	}

	time.Sleep(100 * time.Millisecond)
	key := rec.Header().Get(HeaderCacheKey)
	if _, _, err := st.Get(context.Background(), key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("non-cacheable method was persisted (err = %v)", err)
	}
}

func TestProxy_StoredEntryRoundTrip(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	p, st := newTestProxy(t, origin.URL(), nil)

	key := "GET:" + origin.URL() + "/created"
	entry := &cache.Entry{
		Body:       "hello",
		StatusCode: http.StatusCreated,
		Headers:    http.Header{"Content-Type": []string{"text/plain"}},
		CachedAt:   time.Now(),
	}
	seedEntry(t, st, key, entry, time.Now().Add(60*time.Second))

	rec := doRequest(p, http.MethodGet, "/created", nil, nil)
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "hello")
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("content type = %q, want text/plain", got)
	}
	if got := rec.Header().Get(HeaderCacheStatus); got != StatusHit {
		t.Errorf("cache status = %q, want HIT", got)
	}
	if origin.GetRequestCount() != 0 {
		t.Errorf("origin was contacted %d times on a valid hit", origin.GetRequestCount())
	}
}

func TestProxy_OriginFailureYields502(t *testing.T) {
	origin := testutil.NewMockOrigin()
	originURL := origin.URL()
	origin.Close() // nothing listens anymore

	p, st := newTestProxy(t, originURL, nil)

	rec := doRequest(p, http.MethodGet, "/widgets/1", nil, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "origin request failed") {
		t.Errorf("body = %q, want the failure description", rec.Body.String())
	}

	key := "GET:" + originURL + "/widgets/1"
	if _, _, err := st.Get(context.Background(), key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("an entry was written for a failed origin fetch (err = %v)", err)
	}
}

func TestProxy_TTLPrecedence(t *testing.T) {
	tests := []struct {
		name          string
		controlHeader string
		cacheControl  string
		wantTTL       time.Duration
	}{
		{
			name:          "request max-age wins over response",
			controlHeader: "max-age=30",
			cacheControl:  "max-age=600",
			wantTTL:       30 * time.Second,
		},
		{
			name:         "response max-age wins over default",
			cacheControl: "max-age=120",
			wantTTL:      120 * time.Second,
		},
		{
			name:    "default applies without directives",
			wantTTL: time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origin := testutil.NewMockOrigin()
			defer origin.Close()
			origin.SetJSONResponse("/widgets/1", http.StatusOK, `{"id":1}`, tt.cacheControl)

			p, st := newTestProxy(t, origin.URL(), func(cfg *Config) {
				cfg.DefaultTTL = time.Minute
			})

			header := http.Header{}
			if tt.controlHeader != "" {
				header.Set(cache.DefaultControlHeader, tt.controlHeader)
			}
			rec := doRequest(p, http.MethodGet, "/widgets/1", nil, header)

			key := rec.Header().Get(HeaderCacheKey)
			_, expiresAt := waitForStored(t, st, key)

			want := time.Now().Add(tt.wantTTL)
			diff := expiresAt.Sub(want)
			if diff < -5*time.Second || diff > 5*time.Second {
				t.Errorf("expiry = %v, want about %v (diff %v)", expiresAt, want, diff)
			}
		})
	}
}

func TestProxy_ForwardHookInjectsHeaders(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	p, _ := newTestProxy(t, origin.URL(), func(cfg *Config) {
		cfg.ForwardHook = func(req *http.Request) {
			req.Header.Set("X-Api-Key", "secret-key")
		}
	})

	doRequest(p, http.MethodGet, "/widgets/1", nil, nil)
	if got := origin.GetLastRequestHeader().Get("X-Api-Key"); got != "secret-key" {
		t.Errorf("origin saw X-Api-Key = %q, want the hook-injected value", got)
	}
}

func TestProxy_ForwardsHeadersAndRewritesHost(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	p, _ := newTestProxy(t, origin.URL(), nil)

	header := http.Header{}
	header.Set("X-Tenant", "42")
	header.Set("Accept", "application/json")
	doRequest(p, http.MethodGet, "http://proxy.example/widgets/1", nil, header)

	if got := origin.GetLastRequestHeader().Get("X-Tenant"); got != "42" {
		t.Errorf("origin saw X-Tenant = %q, want 42", got)
	}
	if got := origin.GetLastRequestHost(); got == "proxy.example" {
		t.Errorf("origin saw the inbound host %q, want its own", got)
	}
}

func TestProxy_BodyReadErrorDegradesKeyButForwards(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	p, _ := newTestProxy(t, origin.URL(), nil)

	req := httptest.NewRequest(http.MethodPost, "/search", nil)
	req.Body = io.NopCloser(brokenReader{})
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 from the origin", rec.Code)
	}
	key := rec.Header().Get(HeaderCacheKey)
	if !strings.HasSuffix(key, ":bodyHash="+cache.ReadErrorSentinel) {
		t.Errorf("key = %q, want the readerror sentinel suffix", key)
	}
	if origin.GetRequestCount() != 1 {
		t.Errorf("origin request count = %d, want 1", origin.GetRequestCount())
	}
}

func TestProxy_RedirectsRelayedNotFollowed(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetHandler("/old", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/new")
		w.WriteHeader(http.StatusFound)
	})

	p, _ := newTestProxy(t, origin.URL(), nil)

	rec := doRequest(p, http.MethodGet, "/old", nil, nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302 relayed", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/new" {
		t.Errorf("location = %q, want /new", got)
	}
	if origin.GetRequestCount() != 1 {
		t.Errorf("origin request count = %d, redirect was followed", origin.GetRequestCount())
	}
}

func TestProxy_QueryStringDistinguishesKeys(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	p, _ := newTestProxy(t, origin.URL(), nil)

	first := doRequest(p, http.MethodGet, "/widgets?page=1", nil, nil)
	second := doRequest(p, http.MethodGet, "/widgets?page=2", nil, nil)

	k1 := first.Header().Get(HeaderCacheKey)
	k2 := second.Header().Get(HeaderCacheKey)
	if k1 == k2 {
		t.Errorf("different queries share key %q", k1)
	}
	if !strings.Contains(k1, "page=1") {
		t.Errorf("key %q lost the query string", k1)
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("read: connection reset") }
