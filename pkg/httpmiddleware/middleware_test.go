package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/sdk/zctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWrap_Order(t *testing.T) {
	var calls []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls = append(calls, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Wrap(okHandler(), mw("outer"), mw("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "inner"}, calls)
}

func TestIdentify(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
		tillID    string
		keepReqID bool
		wantTill  string
	}{
		{name: "generated", keepReqID: false},
		{name: "incoming request id kept", requestID: "ui-submit-42", keepReqID: true},
		{name: "non printable replaced", requestID: "bad\x01id"},
		{name: "till kept", tillID: "till-07", wantTill: "till-07"},
		{name: "malformed till dropped", tillID: "till 07;drop"},
		{name: "overlong till dropped", tillID: strings.Repeat("t", 65)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seenReq, seenTill string
			h := Identify()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seenReq = RequestIDFromContext(r.Context())
				seenTill = TillIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/checkout", nil)
			if tt.requestID != "" {
				req.Header.Set(HeaderRequestID, tt.requestID)
			}
			if tt.tillID != "" {
				req.Header.Set(HeaderTillID, tt.tillID)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			got := w.Header().Get(HeaderRequestID)
			require.NotEmpty(t, got)
			assert.Equal(t, got, seenReq)
			if tt.keepReqID {
				assert.Equal(t, tt.requestID, got)
			} else {
				assert.NotEqual(t, tt.requestID, got)
			}
			assert.Equal(t, tt.wantTill, seenTill)
		})
	}
}

func TestInjectLoggerAndLogRequests(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	lg := zap.New(core)

	h := Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zctx.From(r.Context()).Info("Inside handler")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}),
		Identify(),
		InjectLogger(lg),
		LogRequests(),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	req.Header.Set(HeaderTillID, "till-3")
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, "Inside handler", entries[0].Message)
	assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	assert.Equal(t, "till-3", entries[0].ContextMap()["till_id"])

	served := entries[1].ContextMap()
	assert.Equal(t, "Request served", entries[1].Message)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "req-1", served["request_id"])
	assert.Equal(t, int64(http.StatusAccepted), served["status"])
	assert.Equal(t, "/api/checkout", served["path"])
	assert.Equal(t, int64(2), served["bytes"])
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	h := Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}),
		InjectLogger(zap.New(core)),
		Recovery(),
	)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/product", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"code":500,"message":"internal server error"}`, w.Body.String())
	assert.Equal(t, 1, logs.FilterMessage("Panic recovered").Len())
}

func TestInstrument(t *testing.T) {
	h := Instrument("pos-api", tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())(okHandler())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		cfg         CORSConfig
		method      string
		origin      string
		preflight   bool
		wantCode    int
		wantOrigin  string
		wantCreds   bool
		wantExposed bool
	}{
		{
			name:       "preflight wildcard",
			cfg:        CORSConfig{AllowOrigins: []string{"*"}, MaxAge: time.Hour},
			method:     http.MethodOptions,
			origin:     "http://till.local",
			preflight:  true,
			wantCode:   http.StatusNoContent,
			wantOrigin: "*",
		},
		{
			name:     "preflight disallowed origin",
			cfg:      CORSConfig{AllowOrigins: []string{"http://till.local"}},
			method:   http.MethodOptions,
			origin:   "http://evil.local",
			wantCode: http.StatusNoContent,
		},
		{
			name:        "simple request echoes configured case",
			cfg:         CORSConfig{AllowOrigins: []string{"http://POS.local"}},
			method:      http.MethodGet,
			origin:      "http://pos.local",
			wantCode:    http.StatusOK,
			wantOrigin:  "http://POS.local",
			wantExposed: true,
		},
		{
			name:     "disallowed origin",
			cfg:      CORSConfig{AllowOrigins: []string{"http://pos.local"}},
			method:   http.MethodGet,
			origin:   "http://evil.local",
			wantCode: http.StatusOK,
		},
		{
			name:        "credentials echo the origin instead of wildcard",
			cfg:         CORSConfig{AllowOrigins: []string{"*"}, AllowCredentials: true},
			method:      http.MethodPost,
			origin:      "http://till-7.local",
			wantCode:    http.StatusOK,
			wantOrigin:  "http://till-7.local",
			wantCreds:   true,
			wantExposed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := CORS(tt.cfg)(okHandler())
			req := httptest.NewRequest(tt.method, "/api/checkout", nil)
			req.Header.Set("Origin", tt.origin)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, w.Header().Get("Access-Control-Allow-Credentials") == "true")
			if tt.preflight && tt.wantOrigin != "" {
				assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
				assert.Equal(t, "Content-Type, X-Request-ID, X-Till-ID", w.Header().Get("Access-Control-Allow-Headers"))
				assert.Equal(t, "3600", w.Header().Get("Access-Control-Max-Age"))
			}
			exposed := w.Header().Get("Access-Control-Expose-Headers")
			if tt.wantExposed {
				assert.Contains(t, exposed, "Location")
				assert.Contains(t, exposed, "Retry-After")
			} else {
				assert.Empty(t, exposed)
			}
		})
	}
}

func TestCORS_ExtraHeaders(t *testing.T) {
	h := CORS(CORSConfig{AllowHeaders: []string{"x-operator-id", "Content-Type"}})(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/api/checkout", nil)
	req.Header.Set("Origin", "http://till.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "Content-Type, X-Request-ID, X-Till-ID, X-Operator-Id", w.Header().Get("Access-Control-Allow-Headers"))
}
