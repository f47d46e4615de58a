// Package lease provides short-lived exclusive locks keyed by string.
//
// Checkout holds a lease on the draft id for the duration of an attempt so
// that a second submission of the same draft fails fast.
package lease

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrHeld is returned when the key is already leased by someone else.
var ErrHeld = errors.New("lease held")

// Lease is an acquired lock.
type Lease interface {
	Key() string
	// Release gives the lease up. Releasing an expired or already released
	// lease is not an error.
	Release(ctx context.Context) error
}

// Manager hands out leases.
type Manager interface {
	// Acquire takes the lease for key for at most ttl, or returns ErrHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}
