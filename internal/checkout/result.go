package checkout

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xenking/pos-checkout/internal/domain/order"
	"github.com/xenking/pos-checkout/internal/domain/payment"
)

// Stage is a step of the checkout sequence.
type Stage string

const (
	StagePersistOrder Stage = "persist_order"
	StagePersistItems Stage = "persist_items"
	StageInventory    Stage = "inventory"
	StagePromotion    Stage = "promotion"
	StagePayment      Stage = "payment"
	StageFinalize     Stage = "finalize"
)

// Kind is the terminal outcome of an attempt as seen by the operator.
type Kind string

const (
	KindSucceeded     Kind = "succeeded"
	KindFailed        Kind = "failed"
	KindUserCancelled Kind = "user_cancelled"
)

// Advisory is a non-fatal condition reported next to the outcome.
type Advisory struct {
	Stage  Stage
	Reason string
}

var advisoryMessages = map[string]string{
	"below_minimum":         "order total is below the promotion minimum",
	"not_yet_active":        "promotion is not active yet",
	"expired":               "promotion has expired",
	"usage_exhausted":       "promotion has no uses left",
	"unknown_code":          "promotion code is not recognised",
	"customer_required":     "promotion requires a customer on the order",
	"promotion_unavailable": "promotion could not be checked",
}

// Message returns a human-readable text for the advisory.
func (a Advisory) Message() string {
	if m, ok := advisoryMessages[a.Reason]; ok {
		return m
	}
	return a.Reason
}

// Result is the terminal outcome of one checkout attempt.
type Result struct {
	AttemptID string
	Kind      Kind
	// Stage is the stage that failed. Empty unless Kind is KindFailed.
	Stage  Stage
	Reason string
	// Order is nil when the order was never persisted.
	Order         *order.Order
	PaymentStatus payment.Status
	Discount      decimal.Decimal
	Amount        decimal.Decimal
	Advisories    []Advisory
	Journal       []JournalEntry
}

// ReceiptAvailable reports whether a receipt may be printed.
func (r *Result) ReceiptAvailable() bool {
	return r.Kind == KindSucceeded
}

// Orphaned reports whether a failed attempt left durable state behind: an
// order that is still open, stock that is still held, or an undo action
// that failed. Items of a cancelled order carry no state of their own.
func (r *Result) Orphaned() bool {
	if r.Kind == KindSucceeded {
		return false
	}
	for _, e := range r.Journal {
		if e.Status == EntryCompensationFailed {
			return true
		}
		if e.Status == EntryDone && (e.Stage == StagePersistOrder || e.Stage == StageInventory) {
			return true
		}
	}
	return false
}

// Message returns the single operator-facing sentence for the outcome.
func (r *Result) Message() string {
	switch r.Kind {
	case KindSucceeded:
		id := ""
		if r.Order != nil {
			id = r.Order.ID
		}
		return fmt.Sprintf("Payment of %s completed for order %s. Receipt available.", r.Amount.StringFixed(2), id)
	case KindUserCancelled:
		return "Payment window was closed. The order was cancelled."
	default:
		if r.Stage == StagePayment && r.PaymentStatus == payment.StatusTimedOut {
			return "Payment was not confirmed in time. The order is pending reconciliation."
		}
		return fmt.Sprintf("Checkout failed at %s: %s.", r.Stage, r.Reason)
	}
}
