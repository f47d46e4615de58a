// Package events publishes checkout outcomes for downstream consumers such
// as receipt printing and reconciliation.
package events

import (
	"context"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// Type names an event.
type Type string

const (
	// TypeCheckoutFinished is emitted once per attempt with its outcome.
	TypeCheckoutFinished Type = "checkout.finished"
)

// Event is a checkout outcome.
type Event struct {
	Type          Type
	AttemptID     string
	DraftID       string
	OrderID       string
	RequestID     string
	TillID        string
	Outcome       string
	Stage         string
	Reason        string
	PaymentStatus string
	Total         decimal.Decimal
	Discount      decimal.Decimal
	Advisories    []string
	OccurredAt    time.Time
}

// Encode writes e as JSON.
func (e Event) Encode(enc *jx.Encoder) {
	enc.Obj(func(enc *jx.Encoder) {
		enc.Field("type", func(enc *jx.Encoder) { enc.Str(string(e.Type)) })
		enc.Field("attemptId", func(enc *jx.Encoder) { enc.Str(e.AttemptID) })
		enc.Field("draftId", func(enc *jx.Encoder) { enc.Str(e.DraftID) })
		if e.OrderID != "" {
			enc.Field("orderId", func(enc *jx.Encoder) { enc.Str(e.OrderID) })
		}
		if e.RequestID != "" {
			enc.Field("requestId", func(enc *jx.Encoder) { enc.Str(e.RequestID) })
		}
		if e.TillID != "" {
			enc.Field("tillId", func(enc *jx.Encoder) { enc.Str(e.TillID) })
		}
		enc.Field("outcome", func(enc *jx.Encoder) { enc.Str(e.Outcome) })
		if e.Stage != "" {
			enc.Field("stage", func(enc *jx.Encoder) { enc.Str(e.Stage) })
		}
		if e.Reason != "" {
			enc.Field("reason", func(enc *jx.Encoder) { enc.Str(e.Reason) })
		}
		if e.PaymentStatus != "" {
			enc.Field("paymentStatus", func(enc *jx.Encoder) { enc.Str(e.PaymentStatus) })
		}
		enc.Field("total", func(enc *jx.Encoder) { enc.Num(jx.Num(e.Total.StringFixed(2))) })
		enc.Field("discount", func(enc *jx.Encoder) { enc.Num(jx.Num(e.Discount.StringFixed(2))) })
		if len(e.Advisories) > 0 {
			enc.Field("advisories", func(enc *jx.Encoder) {
				enc.ArrStart()
				for _, a := range e.Advisories {
					enc.Str(a)
				}
				enc.ArrEnd()
			})
		}
		enc.Field("occurredAt", func(enc *jx.Encoder) { enc.Str(e.OccurredAt.UTC().Format(time.RFC3339Nano)) })
	})
}

// Key returns the partitioning key of e.
func (e Event) Key() string {
	if e.OrderID != "" {
		return e.OrderID
	}
	return e.DraftID
}

// Nop discards events.
type Nop struct{}

// Publish implements checkout.Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }
