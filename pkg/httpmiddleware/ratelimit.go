package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the per-client sliding window limiter.
type RateLimitConfig struct {
	// Max is the number of requests a client may make per Window.
	Max int
	// Window is the sliding window length.
	Window time.Duration
	// SubmitMax additionally bounds checkout submissions per client and
	// Window. Zero leaves submissions under Max only.
	SubmitMax int
}

// ClientKey identifies the limited client: the till when the request names
// one, the client IP otherwise. Tills behind one store NAT get separate
// budgets.
func ClientKey(r *http.Request) string {
	if till := TillIDFromContext(r.Context()); till != "" {
		return "till:" + till
	}
	if till := tillFromHeader(r); till != "" {
		return "till:" + till
	}
	return "ip:" + clientIP(r)
}

// isSubmission reports whether r starts a checkout attempt.
func isSubmission(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.TrimSuffix(r.URL.Path, "/") == "/api/checkout"
}

// slidingWindow approximates a sliding count from the current and the
// previous fixed window.
type slidingWindow struct {
	start time.Time
	curr  float64
	prev  float64
}

func (s *slidingWindow) advance(now time.Time, size time.Duration) {
	if s.start.IsZero() {
		s.start = now.Truncate(size)
		return
	}
	elapsed := now.Sub(s.start)
	if elapsed < size {
		return
	}
	if elapsed < 2*size {
		s.prev = s.curr
	} else {
		s.prev = 0
	}
	s.curr = 0
	s.start = now.Truncate(size)
}

func (s *slidingWindow) estimate(now time.Time, size time.Duration) float64 {
	weight := 1 - float64(now.Sub(s.start))/float64(size)
	if weight < 0 {
		weight = 0
	}
	return s.prev*weight + s.curr
}

// budget is one limit applied to one key.
type budget struct {
	key string
	max int
}

// verdict is the outcome of admitting a request.
type verdict struct {
	allowed   bool
	limit     int
	remaining int
	resetAt   time.Time
}

type rateLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	windows map[string]*slidingWindow
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		cfg:     cfg,
		windows: make(map[string]*slidingWindow),
	}
}

func (rl *rateLimiter) budgets(r *http.Request) []budget {
	client := ClientKey(r)
	out := []budget{{key: client, max: rl.cfg.Max}}
	if rl.cfg.SubmitMax > 0 && isSubmission(r) {
		out = append(out, budget{key: "submit|" + client, max: rl.cfg.SubmitMax})
	}
	return out
}

// admit counts the request against every budget, or against none when any
// of them is exhausted. The reported limit is the tightest budget's.
func (rl *rateLimiter) admit(now time.Time, budgets []budget) verdict {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	size := rl.cfg.Window
	v := verdict{allowed: true, remaining: math.MaxInt}
	windows := make([]*slidingWindow, len(budgets))
	for i, b := range budgets {
		w, ok := rl.windows[b.key]
		if !ok {
			w = &slidingWindow{}
			rl.windows[b.key] = w
		}
		w.advance(now, size)
		windows[i] = w

		left := b.max - int(math.Ceil(w.estimate(now, size)))
		if left <= 0 {
			return verdict{limit: b.max, resetAt: w.start.Add(size)}
		}
		if left-1 < v.remaining {
			v.remaining = left - 1
			v.limit = b.max
			v.resetAt = w.start.Add(size)
		}
	}

	for _, w := range windows {
		w.curr++
	}
	return v
}

// sweep drops windows idle for two full periods.
func (rl *rateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, w := range rl.windows {
		if now.Sub(w.start) >= 2*rl.cfg.Window {
			delete(rl.windows, key)
		}
	}
}

func (rl *rateLimiter) sweepEvery(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.sweep(now)
			}
		}
	}()
}

// RateLimit limits requests per client (see ClientKey). Checkout
// submissions also draw from a per-client submission budget when SubmitMax
// is set. Rejected requests get 429 with Retry-After. Every response carries
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset for the
// tightest applicable budget.
func RateLimit(cfg RateLimitConfig) Middleware {
	return newRateLimiter(cfg).middleware()
}

// RateLimitWithCleanup is RateLimit with idle windows evicted every two
// periods until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	rl := newRateLimiter(cfg)
	rl.sweepEvery(ctx, 2*cfg.Window)
	return rl.middleware()
}

func (rl *rateLimiter) middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			v := rl.admit(now, rl.budgets(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(v.limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(v.remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(v.resetAt.Unix(), 10))

			if !v.allowed {
				wait := max(v.resetAt.Sub(now), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
