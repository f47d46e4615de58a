// Package payment describes payment settlement against an external gateway.
//
// Cash payments settle synchronously. Gateway payments open a user-facing
// surface (a payment window on the till) and are resolved by polling the
// gateway, see Settlement.
package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Method is how the customer pays.
type Method string

const (
	MethodCash    Method = "cash"
	MethodGateway Method = "gateway"
)

// Valid reports whether m is a known payment method.
func (m Method) Valid() bool {
	return m == MethodCash || m == MethodGateway
}

// Async reports whether m settles through the poll loop.
func (m Method) Async() bool {
	return m == MethodGateway
}

// Status is the state of a payment attempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s != StatusPending && s != ""
}

// GatewayStatus is a status reported by the gateway for an order.
type GatewayStatus string

const (
	GatewayPending   GatewayStatus = "pending"
	GatewayCompleted GatewayStatus = "completed"
	GatewayFailed    GatewayStatus = "failed"
	GatewayCanceled  GatewayStatus = "canceled"
)

// Failure reasons surfaced to the operator.
const (
	ReasonGatewayUnavailable = "gateway_unavailable"
	ReasonPopupBlocked       = "popup_blocked"
	ReasonUserClosed         = "user closed payment window"
	ReasonTimedOut           = "timed_out"
	ReasonAborted            = "aborted"
	ReasonDeclined           = "payment declined"
	ReasonCanceledAtGateway  = "payment canceled at gateway"
)

// ErrSurfaceBlocked is returned by a SurfaceOpener that refuses to open a
// payment surface.
var ErrSurfaceBlocked = errors.New("payment surface blocked")

// SyncResult is the answer of a synchronous settlement.
type SyncResult struct {
	// Status is StatusCompleted or StatusFailed.
	Status Status
	Reason string
}

// Session is an asynchronous payment started at the gateway.
type Session struct {
	Reference string
	URL       string
}

// Gateway is the external payment provider.
type Gateway interface {
	SettleSync(ctx context.Context, orderID string, amount decimal.Decimal, method Method) (SyncResult, error)
	InitiateAsync(ctx context.Context, orderID string, amount decimal.Decimal) (*Session, error)
	PollStatus(ctx context.Context, orderID string) (GatewayStatus, error)
}

// Surface is the user-facing payment window.
type Surface interface {
	// Closed reports whether the user closed the surface.
	Closed() bool
	// Close dismisses the surface. Calling it more than once is a no-op.
	Close()
}

// SurfaceOpener opens payment surfaces.
type SurfaceOpener interface {
	Open(ctx context.Context, orderID, url string) (Surface, error)
}

// Attempt is the persisted record of one settlement.
type Attempt struct {
	ID        string
	OrderID   string
	Method    Method
	Amount    decimal.Decimal
	Status    Status
	Reference string
	Reason    string
	Polls     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repository persists payment attempts.
type Repository interface {
	// CreateAttempt stores a pending attempt and assigns its ID.
	CreateAttempt(ctx context.Context, a *Attempt) error
	// UpdateAttempt stores the status, reference, reason and poll count of a.
	UpdateAttempt(ctx context.Context, a *Attempt) error
}
