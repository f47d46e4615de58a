package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a persisted order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known order status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Open reports whether an order in status s may still be finalized.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusPaid
}

var (
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrDuplicateDraft is returned when a live order already exists for the
	// draft being persisted.
	ErrDuplicateDraft = errors.New("draft already submitted")
	// ErrInvalidTransition is returned when Finalize targets an order that is
	// no longer open.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrPaymentNotSettled is returned when an order is finalized as
	// completed without a completed payment attempt.
	ErrPaymentNotSettled = errors.New("order has no completed payment")
)

// Order is the durable record created by the first checkout step.
type Order struct {
	ID            string
	DraftID       string
	CustomerID    string
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	Total         decimal.Decimal
	PromotionCode string
	PaymentMethod string
	Status        Status
	Items         []LineItem
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LineItem is one persisted order line.
type LineItem struct {
	OrderID   string
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
}

// Store persists orders and their items and transitions their status.
type Store interface {
	// Create persists a pending order for the draft and assigns its ID.
	Create(ctx context.Context, d Draft) (*Order, error)
	// AddItems persists all items of an order in one operation.
	AddItems(ctx context.Context, orderID string, items []LineItem) error
	// RemoveItems deletes every item of an order.
	RemoveItems(ctx context.Context, orderID string) error
	// Finalize moves an open order to its terminal status.
	Finalize(ctx context.Context, orderID string, status Status) error
	// Get returns an order with its items.
	Get(ctx context.Context, orderID string) (*Order, error)
}
