// Package inventory describes the stock ledger consumed by checkout.
//
// The ledger owns consistency: a Decrement call either applies every
// adjustment or none of them. Callers only react to the returned error.
package inventory

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
)

// ErrInsufficientStock is returned when a decrement would take a product's
// on-hand quantity below zero.
var ErrInsufficientStock = errors.New("insufficient stock")

// InsufficientStockError carries the product that could not be decremented.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// Is reports ErrInsufficientStock as the sentinel of InsufficientStockError.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Adjustment is a signed change of on-hand quantity for one product.
// Decrements carry a negative QuantityDelta.
type Adjustment struct {
	ProductID     string
	QuantityDelta int
}

// Inverse returns the adjustment that undoes a.
func (a Adjustment) Inverse() Adjustment {
	return Adjustment{ProductID: a.ProductID, QuantityDelta: -a.QuantityDelta}
}

// Decrement builds a decrement of qty units of productID.
func Decrement(productID string, qty int) Adjustment {
	return Adjustment{ProductID: productID, QuantityDelta: -qty}
}

// Ledger applies stock adjustments atomically.
type Ledger interface {
	// Decrement applies all adjustments or none. A shortage is reported as
	// *InsufficientStockError.
	Decrement(ctx context.Context, adjustments []Adjustment) error
	// Restore applies the inverse of previously decremented adjustments.
	Restore(ctx context.Context, adjustments []Adjustment) error
}

// Merge folds adjustments for the same product into one, preserving the
// order in which products first appear.
func Merge(adjustments []Adjustment) []Adjustment {
	idx := make(map[string]int, len(adjustments))
	out := make([]Adjustment, 0, len(adjustments))
	for _, a := range adjustments {
		if i, ok := idx[a.ProductID]; ok {
			out[i].QuantityDelta += a.QuantityDelta
			continue
		}
		idx[a.ProductID] = len(out)
		out = append(out, a)
	}
	return out
}
