package postgres

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pos-checkout/internal/domain/inventory"
	"github.com/xenking/pos-checkout/internal/domain/product"
)

const (
	decrementStockSQL = `UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id = $1 AND stock + $2 >= 0`

	restoreStockSQL = `UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id = $1`

	getStockSQL = `SELECT stock FROM products WHERE id = $1`
)

var _ inventory.Ledger = (*InventoryLedger)(nil)

// InventoryLedger implements inventory.Ledger on the products.stock column.
// Each call runs in one transaction and touches rows in product-id order so
// concurrent checkouts cannot deadlock.
type InventoryLedger struct {
	pool *pgxpool.Pool
}

// NewInventoryLedger returns an InventoryLedger that uses the given pool.
func NewInventoryLedger(pool *pgxpool.Pool) *InventoryLedger {
	return &InventoryLedger{pool: pool}
}

// Decrement applies all adjustments or none.
func (l *InventoryLedger) Decrement(ctx context.Context, adjustments []inventory.Adjustment) error {
	return l.apply(ctx, adjustments, func(ctx context.Context, tx pgx.Tx, a inventory.Adjustment) error {
		tag, err := tx.Exec(ctx, decrementStockSQL, a.ProductID, a.QuantityDelta)
		if err != nil {
			return fmt.Errorf("decrementing stock of %q: %w", a.ProductID, err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		var stock int32
		if err := tx.QueryRow(ctx, getStockSQL, a.ProductID).Scan(&stock); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &product.NotFoundError{ProductID: a.ProductID}
			}
			return fmt.Errorf("reading stock of %q: %w", a.ProductID, err)
		}
		return &inventory.InsufficientStockError{
			ProductID: a.ProductID,
			Requested: -a.QuantityDelta,
			Available: int(stock),
		}
	})
}

// Restore re-credits previously decremented adjustments.
func (l *InventoryLedger) Restore(ctx context.Context, adjustments []inventory.Adjustment) error {
	return l.apply(ctx, adjustments, func(ctx context.Context, tx pgx.Tx, a inventory.Adjustment) error {
		inv := a.Inverse()
		tag, err := tx.Exec(ctx, restoreStockSQL, inv.ProductID, inv.QuantityDelta)
		if err != nil {
			return fmt.Errorf("restoring stock of %q: %w", inv.ProductID, err)
		}
		if tag.RowsAffected() == 0 {
			return &product.NotFoundError{ProductID: inv.ProductID}
		}
		return nil
	})
}

func (l *InventoryLedger) apply(
	ctx context.Context,
	adjustments []inventory.Adjustment,
	fn func(context.Context, pgx.Tx, inventory.Adjustment) error,
) error {
	merged := inventory.Merge(adjustments)
	slices.SortFunc(merged, func(a, b inventory.Adjustment) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning stock transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, a := range merged {
		if a.QuantityDelta == 0 {
			continue
		}
		if err := fn(ctx, tx, a); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing stock transaction: %w", err)
	}
	return nil
}
