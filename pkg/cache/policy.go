package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultControlHeader is the dedicated request header consulted for
// directives. It is distinct from standard Cache-Control so clients steer
// this proxy without affecting downstream caches.
const DefaultControlHeader = "X-Proxy-Cache-Control"

// DefaultTTL is the fallback entry lifetime when neither the request nor the
// response carries a max-age directive.
const DefaultTTL = 5 * time.Minute

// Directive values recognized on the dedicated control header.
const (
	DirectiveNoCache    = "no-cache"
	DirectiveForceCache = "force-cache"

	maxAgePrefix = "max-age="
)

// Directives are the per-request cache overrides parsed from the dedicated
// control header.
type Directives struct {
	// Bypass skips both lookup and storage for this request.
	Bypass bool

	// Force stores the response even when the method alone is not cacheable.
	// An origin no-cache/no-store still wins.
	Force bool

	// MaxAge overrides the response-derived TTL when HasMaxAge is set.
	MaxAge time.Duration

	// HasMaxAge records whether a valid max-age directive was present.
	HasMaxAge bool
}

// ParseDirectives interprets a control header value. Unknown tokens and
// malformed max-age values are ignored rather than failing the request.
func ParseDirectives(value string) Directives {
	var d Directives
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		switch {
		case part == DirectiveNoCache:
			d.Bypass = true
		case part == DirectiveForceCache:
			d.Force = true
		case strings.HasPrefix(part, maxAgePrefix):
			if secs, err := strconv.Atoi(part[len(maxAgePrefix):]); err == nil && secs > 0 {
				d.MaxAge = time.Duration(secs) * time.Second
				d.HasMaxAge = true
			}
		}
	}
	return d
}

// Policy decides cache eligibility and entry lifetime.
type Policy struct {
	// Methods is the cacheable-method set.
	Methods map[string]bool

	// DefaultTTL applies when neither side specifies max-age.
	DefaultTTL time.Duration
}

// NewPolicy returns a policy caching the given methods with the given default
// lifetime. Without methods the set is {GET, POST}; a non-positive lifetime
// falls back to DefaultTTL.
func NewPolicy(methods []string, defaultTTL time.Duration) Policy {
	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(m)] = true
	}
	if len(set) == 0 {
		set[http.MethodGet] = true
		set[http.MethodPost] = true
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return Policy{Methods: set, DefaultTTL: defaultTTL}
}

// LookupEligible reports whether the request may be answered from cache.
func (p Policy) LookupEligible(method string, d Directives) bool {
	return p.Methods[strings.ToUpper(method)] && !d.Bypass
}

// StorageEligible reports whether a fresh origin response may be stored.
// Force widens only the method gate: a 2xx status is always required, and a
// response carrying no-cache/no-store in Cache-Control or Pragma is never
// stored.
func (p Policy) StorageEligible(method string, d Directives, status int, respHeader http.Header) bool {
	if !p.Methods[strings.ToUpper(method)] && !d.Force {
		return false
	}
	if status < 200 || status >= 300 {
		return false
	}
	if forbidsCaching(respHeader.Get("Cache-Control")) {
		return false
	}
	if forbidsCaching(respHeader.Get("Pragma")) {
		return false
	}
	return true
}

// TTL computes the entry lifetime. Precedence: request max-age override,
// then the response's Cache-Control max-age, then the policy default. Parse
// failures fall through to the next candidate.
func (p Policy) TTL(d Directives, respHeader http.Header) time.Duration {
	if d.HasMaxAge {
		return d.MaxAge
	}
	if ttl, ok := responseMaxAge(respHeader.Get("Cache-Control")); ok {
		return ttl
	}
	if p.DefaultTTL > 0 {
		return p.DefaultTTL
	}
	return DefaultTTL
}

// forbidsCaching reports whether a header value carries no-cache or no-store.
func forbidsCaching(value string) bool {
	value = strings.ToLower(value)
	return strings.Contains(value, "no-cache") || strings.Contains(value, "no-store")
}

// responseMaxAge extracts max-age=N from a Cache-Control value. A zero N is
// honored: the entry stores already stale and the next lookup reaps it.
func responseMaxAge(value string) (time.Duration, bool) {
	for _, part := range strings.Split(strings.ToLower(value), ",") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, maxAgePrefix) {
			continue
		}
		if secs, err := strconv.Atoi(part[len(maxAgePrefix):]); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}
