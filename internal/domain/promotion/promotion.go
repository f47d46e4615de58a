package promotion

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported promotion discount strategies.
type DiscountType string

const (
	// DiscountPercentage applies a percentage-based discount to the subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed applies a fixed monetary discount capped at the subtotal.
	DiscountFixed DiscountType = "fixed"
	// DiscountFreeLowest removes the cost of the cheapest unit in the order.
	DiscountFreeLowest DiscountType = "free_lowest"
)

// Valid reports whether t is a known discount type.
func (t DiscountType) Valid() bool {
	switch t {
	case DiscountPercentage, DiscountFixed, DiscountFreeLowest:
		return true
	default:
		return false
	}
}

// Soft rejections. Checkout proceeds without a discount when it sees one.
var (
	ErrBelowMinimum   = errors.New("below_minimum")
	ErrNotYetActive   = errors.New("not_yet_active")
	ErrExpired        = errors.New("expired")
	ErrUsageExhausted = errors.New("usage_exhausted")
	ErrUnknownCode    = errors.New("unknown_code")
)

var softErrors = []error{
	ErrBelowMinimum,
	ErrNotYetActive,
	ErrExpired,
	ErrUsageExhausted,
	ErrUnknownCode,
}

// Reason returns the machine reason of a soft rejection, or "" when err is
// not one.
func Reason(err error) string {
	for _, s := range softErrors {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return ""
}

// IsSoft reports whether err is a soft rejection.
func IsSoft(err error) bool {
	return Reason(err) != ""
}

// Rule defines a promotion's discount behaviour and eligibility constraints.
type Rule struct {
	ID             string
	Code           string
	DiscountType   DiscountType
	Value          decimal.Decimal
	MinOrderAmount decimal.Decimal
	// MaxDiscount caps the computed amount. Zero means no cap.
	MaxDiscount decimal.Decimal
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	// MaxUses of zero means unlimited.
	MaxUses     int
	Uses        int
	Description string
}

// Item represents an order line for discount calculation purposes.
type Item struct {
	ProductID string
	Price     decimal.Decimal
	Quantity  int
}

// Request asks for a promotion to be applied to a persisted order.
type Request struct {
	Code       string
	OrderID    string
	CustomerID string
	Items      []Item
}

// Application records a promotion applied to an order.
type Application struct {
	PromotionID    string
	Code           string
	OrderID        string
	CustomerID     string
	DiscountAmount decimal.Decimal
	Description    string
}

// Repository provides lookup of rules and persistence of applications.
type Repository interface {
	// FindByCode returns ErrUnknownCode when no rule matches.
	FindByCode(ctx context.Context, code string) (*Rule, error)
	// RecordApplication stores the application and consumes one use of the
	// rule. It returns ErrUsageExhausted when the last use was taken
	// concurrently.
	RecordApplication(ctx context.Context, app Application) error
	// ReleaseApplication deletes the application recorded for orderID and
	// returns its use to the rule. It is a no-op when none was recorded.
	ReleaseApplication(ctx context.Context, orderID string) error
}

// Validator applies promotion codes to orders.
type Validator interface {
	Apply(ctx context.Context, req Request) (*Application, error)
	// Release undoes a successful Apply for orderID.
	Release(ctx context.Context, orderID string) error
}

// NormalizeCode returns the canonical form of a promotion code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
