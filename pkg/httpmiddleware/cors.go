package httpmiddleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Headers the operator UI sends and reads on every deployment.
var (
	corsRequestHeaders = []string{"Content-Type", HeaderRequestID, HeaderTillID}
	corsExposedHeaders = []string{
		"Location", HeaderRequestID,
		"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After",
	}
)

// CORSConfig configures cross-origin access for browser-based tills.
type CORSConfig struct {
	// AllowOrigins lists the allowed origins. Empty or "*" allows any.
	AllowOrigins []string
	// AllowCredentials lets the browser send cookies. Wildcard origins are
	// then echoed back verbatim instead of answered with "*".
	AllowCredentials bool
	// MaxAge is how long browsers may cache a preflight. Zero omits it.
	MaxAge time.Duration
	// AllowHeaders and ExposeHeaders extend the built-in POS header lists.
	AllowHeaders  []string
	ExposeHeaders []string
}

type corsPolicy struct {
	anyOrigin   bool
	echoAny     bool
	origins     map[string]string // lowercase -> configured spelling
	credentials bool
	methods     string
	allow       string
	expose      string
	maxAge      string
}

func newCORSPolicy(cfg CORSConfig) *corsPolicy {
	p := &corsPolicy{
		origins:     make(map[string]string, len(cfg.AllowOrigins)),
		credentials: cfg.AllowCredentials,
		methods:     strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", "),
		allow:       strings.Join(mergeHeaders(corsRequestHeaders, cfg.AllowHeaders), ", "),
		expose:      strings.Join(mergeHeaders(corsExposedHeaders, cfg.ExposeHeaders), ", "),
	}
	p.anyOrigin = len(cfg.AllowOrigins) == 0 || slices.Contains(cfg.AllowOrigins, "*")
	for _, o := range cfg.AllowOrigins {
		p.origins[strings.ToLower(o)] = o
	}
	if p.anyOrigin && p.credentials {
		p.anyOrigin = false
		p.echoAny = true
	}
	if secs := int(cfg.MaxAge / time.Second); secs > 0 {
		p.maxAge = strconv.Itoa(secs)
	}
	return p
}

func mergeHeaders(base, extra []string) []string {
	out := slices.Clone(base)
	for _, h := range extra {
		h = http.CanonicalHeaderKey(strings.TrimSpace(h))
		if h != "" && !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	return out
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when it is not allowed.
func (p *corsPolicy) allowOrigin(origin string) string {
	switch {
	case p.anyOrigin:
		return "*"
	case p.echoAny:
		return origin
	}
	return p.origins[strings.ToLower(origin)]
}

func (p *corsPolicy) preflight(w http.ResponseWriter, origin string) {
	h := w.Header()
	h.Add("Vary", "Origin")
	h.Add("Vary", "Access-Control-Request-Method")
	h.Add("Vary", "Access-Control-Request-Headers")

	if allowed := p.allowOrigin(origin); allowed != "" {
		h.Set("Access-Control-Allow-Origin", allowed)
		h.Set("Access-Control-Allow-Methods", p.methods)
		h.Set("Access-Control-Allow-Headers", p.allow)
		if p.credentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		if p.maxAge != "" {
			h.Set("Access-Control-Max-Age", p.maxAge)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *corsPolicy) decorate(w http.ResponseWriter, origin string) {
	h := w.Header()
	if !p.anyOrigin {
		h.Add("Vary", "Origin")
	}
	if origin == "" {
		return
	}
	if allowed := p.allowOrigin(origin); allowed != "" {
		h.Set("Access-Control-Allow-Origin", allowed)
		h.Set("Access-Control-Expose-Headers", p.expose)
		if p.credentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
	}
}

// CORS answers preflights for the POS API and decorates actual responses
// so browser tills can read Location, the request id and rate limit state.
// Preflights from disallowed origins get 204 without CORS headers.
func CORS(cfg CORSConfig) Middleware {
	p := newCORSPolicy(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				p.preflight(w, origin)
				return
			}
			p.decorate(w, origin)
			next.ServeHTTP(w, r)
		})
	}
}
