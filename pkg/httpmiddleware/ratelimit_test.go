package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

type limitedRequest struct {
	method string
	path   string
	remote string
	till   string
	xff    string
}

func (lr limitedRequest) build() *http.Request {
	method, path := lr.method, lr.path
	if method == "" {
		method = http.MethodGet
	}
	if path == "" {
		path = "/api/product"
	}
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if lr.remote != "" {
		req.RemoteAddr = lr.remote
	}
	if lr.till != "" {
		req.Header.Set(HeaderTillID, lr.till)
	}
	if lr.xff != "" {
		req.Header.Set("X-Forwarded-For", lr.xff)
	}
	return req
}

func TestRateLimit(t *testing.T) {
	submit := func(till string) limitedRequest {
		return limitedRequest{method: http.MethodPost, path: "/api/checkout", till: till}
	}

	tests := []struct {
		name     string
		cfg      RateLimitConfig
		requests []limitedRequest
		want     []int
	}{
		{
			name:     "under limit",
			cfg:      RateLimitConfig{Max: 3, Window: time.Minute},
			requests: []limitedRequest{{}, {}, {}},
			want:     []int{200, 200, 200},
		},
		{
			name:     "over limit",
			cfg:      RateLimitConfig{Max: 2, Window: time.Minute},
			requests: []limitedRequest{{}, {}, {}},
			want:     []int{200, 200, 429},
		},
		{
			name: "separate ips",
			cfg:  RateLimitConfig{Max: 1, Window: time.Minute},
			requests: []limitedRequest{
				{remote: "10.0.0.1:1"}, {remote: "10.0.0.2:1"}, {remote: "10.0.0.1:2"},
			},
			want: []int{200, 200, 429},
		},
		{
			name: "tills behind one address are limited separately",
			cfg:  RateLimitConfig{Max: 1, Window: time.Minute},
			requests: []limitedRequest{
				{till: "till-1"}, {till: "till-2"}, {till: "till-1"}, {},
			},
			want: []int{200, 200, 429, 200},
		},
		{
			name: "till follows the terminal across addresses",
			cfg:  RateLimitConfig{Max: 1, Window: time.Minute},
			requests: []limitedRequest{
				{till: "till-1", remote: "10.0.0.1:1"}, {till: "till-1", remote: "10.0.0.9:1"},
			},
			want: []int{200, 429},
		},
		{
			name: "forwarded client ip",
			cfg:  RateLimitConfig{Max: 1, Window: time.Minute},
			requests: []limitedRequest{
				{xff: "203.0.113.50, 70.41.3.18", remote: "192.168.1.1:1"},
				{xff: "203.0.113.50", remote: "192.168.1.2:1"},
			},
			want: []int{200, 429},
		},
		{
			name: "submission budget per till",
			cfg:  RateLimitConfig{Max: 10, Window: time.Minute, SubmitMax: 2},
			requests: []limitedRequest{
				submit("till-1"), submit("till-1"), submit("till-1"),
				submit("till-2"),
				{till: "till-1"},
				{method: http.MethodGet, path: "/api/checkout/a-1", till: "till-1"},
			},
			want: []int{200, 200, 429, 200, 200, 200},
		},
		{
			name: "rejected submission does not consume the general budget",
			cfg:  RateLimitConfig{Max: 3, Window: time.Minute, SubmitMax: 1},
			requests: []limitedRequest{
				submit("till-1"), submit("till-1"), submit("till-1"),
				{till: "till-1"}, {till: "till-1"}, {till: "till-1"},
			},
			want: []int{200, 429, 429, 200, 200, 429},
		},
		{
			name: "submission budget off",
			cfg:  RateLimitConfig{Max: 3, Window: time.Minute},
			requests: []limitedRequest{
				submit("till-1"), submit("till-1"), submit("till-1"),
			},
			want: []int{200, 200, 200},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Len(t, tt.want, len(tt.requests))
			h := RateLimit(tt.cfg)(okHandler())
			for i, lr := range tt.requests {
				w := httptest.NewRecorder()
				h.ServeHTTP(w, lr.build())
				assert.Equal(t, tt.want[i], w.Code, "request %d", i+1)
			}
		})
	}
}

func TestRateLimit_RejectionResponse(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, limitedRequest{}.build())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, limitedRequest{}.build())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var (
		code int
		msg  string
	)
	require.NoError(t, jx.DecodeBytes(w.Body.Bytes()).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			code, err = d.Int()
		case "message":
			msg, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	}))
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate limit exceeded", msg)
}

func TestRateLimit_SubmissionHeadersReportTightestBudget(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 100, Window: time.Minute, SubmitMax: 5})(okHandler())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, limitedRequest{method: http.MethodPost, path: "/api/checkout", till: "till-1"}.build())
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, limitedRequest{till: "till-1"}.build())
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "98", w.Header().Get("X-RateLimit-Remaining"))
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name string
		req  limitedRequest
		want string
	}{
		{name: "till", req: limitedRequest{till: "till-9"}, want: "till:till-9"},
		{name: "malformed till falls back to ip", req: limitedRequest{till: "till 9"}, want: "ip:10.0.0.1"},
		{name: "remote address", req: limitedRequest{remote: "192.0.2.7:5555"}, want: "ip:192.0.2.7"},
		{name: "forwarded", req: limitedRequest{xff: " 203.0.113.1 , 10.1.1.1"}, want: "ip:203.0.113.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClientKey(tt.req.build()))
		})
	}
}

func TestClientKey_UsesIdentifiedTill(t *testing.T) {
	var key string
	h := Identify()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		key = ClientKey(r)
	}))
	h.ServeHTTP(httptest.NewRecorder(), limitedRequest{till: "till-4"}.build())
	assert.Equal(t, "till:till-4", key)
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Max: 1, Window: time.Minute})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	v := rl.admit(now, []budget{{key: "till:a", max: 1}})
	require.True(t, v.allowed)
	v = rl.admit(now.Add(time.Second), []budget{{key: "till:a", max: 1}})
	require.False(t, v.allowed)

	rl.sweep(now.Add(time.Minute))
	assert.Len(t, rl.windows, 1)

	rl.sweep(now.Add(2 * time.Minute))
	assert.Empty(t, rl.windows)

	v = rl.admit(now.Add(2*time.Minute), []budget{{key: "till:a", max: 1}})
	assert.True(t, v.allowed)
}

func TestSlidingWindow_WeightsPreviousPeriod(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var w slidingWindow
	w.advance(start, time.Minute)
	w.curr = 10

	w.advance(start.Add(90*time.Second), time.Minute)
	assert.Equal(t, float64(10), w.prev)
	assert.Equal(t, float64(0), w.curr)
	assert.InDelta(t, 5, w.estimate(start.Add(90*time.Second), time.Minute), 0.001)

	w.advance(start.Add(5*time.Minute), time.Minute)
	assert.Equal(t, float64(0), w.prev)
}
