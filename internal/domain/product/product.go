package product

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// NotFoundError identifies which product of a batch lookup is missing.
type NotFoundError struct {
	ProductID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// Is reports ErrNotFound as the sentinel of NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Product is a catalog item sold at the till.
type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Category string
	// Stock is the on-hand quantity as last read from the ledger. It is
	// informational only; checkout relies on the ledger decrement.
	Stock int
}

// Repository defines read operations for the product catalog.
type Repository interface {
	List(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
