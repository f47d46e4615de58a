package httpmiddleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	// HeaderRequestID carries the correlation id of a request. The operator UI
	// may set it to match a checkout submission with the attempt it starts.
	HeaderRequestID = "X-Request-ID"
	// HeaderTillID names the POS terminal that issued the request.
	HeaderTillID = "X-Till-ID"

	maxRequestIDLen = 128
	maxTillIDLen    = 64
)

type identityKey struct{}

// identity is who issued a request.
type identity struct {
	requestID string
	tillID    string
}

func identityFrom(ctx context.Context) identity {
	id, _ := ctx.Value(identityKey{}).(identity)
	return id
}

// RequestIDFromContext returns the request id set by Identify, or "".
func RequestIDFromContext(ctx context.Context) string {
	return identityFrom(ctx).requestID
}

// TillIDFromContext returns the till set by Identify, or "" for requests
// that did not name one.
func TillIDFromContext(ctx context.Context) string {
	return identityFrom(ctx).tillID
}

// Identify resolves the request id and the issuing till. A well-formed
// incoming X-Request-ID is kept, anything else is replaced by a random UUID.
// Malformed X-Till-ID values are dropped. The request id is echoed on the
// response.
func Identify() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identity{
				requestID: r.Header.Get(HeaderRequestID),
				tillID:    tillFromHeader(r),
			}
			if !printable(id.requestID, maxRequestIDLen) {
				id.requestID = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, id.requestID)

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
		})
	}
}

func tillFromHeader(r *http.Request) string {
	till := r.Header.Get(HeaderTillID)
	if len(till) == 0 || len(till) > maxTillIDLen {
		return ""
	}
	for i := range len(till) {
		c := till[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return ""
		}
	}
	return till
}

// printable reports whether s is non-empty, at most limit bytes and visible
// ASCII only.
func printable(s string, limit int) bool {
	if len(s) == 0 || len(s) > limit {
		return false
	}
	for i := range len(s) {
		if s[i] < 0x20 || s[i] > 0x7E {
			return false
		}
	}
	return true
}
