package postgres

import (
	"context"
	"fmt"
	"math"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/pos-checkout/internal/domain/order"
)

const (
	createOrderSQL = `INSERT INTO orders (id, draft_id, customer_id, subtotal, promotion_code, payment_method)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING status, created_at, updated_at`

	deleteOrderItemsSQL = `DELETE FROM order_items WHERE order_id = $1`

	finalizeOrderSQL = `UPDATE orders SET status = $2, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'paid')`

	completeOrderSQL = `UPDATE orders SET status = 'completed', updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'paid')
		AND EXISTS (SELECT 1 FROM payment_attempts WHERE order_id = $1 AND status = 'completed')`

	getOrderStatusSQL = `SELECT status FROM orders WHERE id = $1`

	getOrderSQL = `SELECT o.id, o.draft_id, o.customer_id, o.subtotal,
			COALESCE(pa.discount_amount, 0), o.promotion_code, o.payment_method,
			o.status, o.created_at, o.updated_at
		FROM orders o
		LEFT JOIN promotion_applications pa ON pa.order_id = o.id
		WHERE o.id = $1`

	getOrderItemsSQL = `SELECT order_id, product_id, quantity, unit_price, line_total
		FROM order_items WHERE order_id = $1 ORDER BY line_no`
)

var _ order.Store = (*OrderStore)(nil)

// OrderStore implements order.Store backed by PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore returns an OrderStore that uses the given pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create persists a pending order for the draft. A second live order for
// the same draft is rejected with order.ErrDuplicateDraft.
func (s *OrderStore) Create(ctx context.Context, d order.Draft) (*order.Order, error) {
	o := &order.Order{
		ID:            uuid.NewString(),
		DraftID:       d.ID,
		CustomerID:    d.CustomerID,
		Subtotal:      d.Subtotal(),
		PromotionCode: d.PromotionCode,
		PaymentMethod: d.PaymentMethod,
	}

	var status string
	err := s.pool.QueryRow(ctx, createOrderSQL,
		o.ID, o.DraftID, o.CustomerID, o.Subtotal, o.PromotionCode, o.PaymentMethod,
	).Scan(&status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, order.ErrDuplicateDraft
		}
		return nil, fmt.Errorf("creating order for draft %q: %w", d.ID, err)
	}
	o.Status = order.Status(status)
	o.Total = o.Subtotal
	o.Discount = decimal.Zero

	return o, nil
}

// AddItems copies all items in a single COPY statement.
func (s *OrderStore) AddItems(ctx context.Context, orderID string, items []order.LineItem) error {
	rows := make([][]any, len(items))
	for i, it := range items {
		if it.Quantity < 1 || it.Quantity > math.MaxInt32 {
			return fmt.Errorf("adding items to order %q: line %d quantity %d out of range", orderID, i+1, it.Quantity)
		}
		rows[i] = []any{orderID, int32(i + 1), it.ProductID, int32(it.Quantity), it.UnitPrice, it.LineTotal}
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"order_items"},
		[]string{"order_id", "line_no", "product_id", "quantity", "unit_price", "line_total"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("adding items to order %q: %w", orderID, err)
	}
	return nil
}

// RemoveItems deletes every item of an order.
func (s *OrderStore) RemoveItems(ctx context.Context, orderID string) error {
	if _, err := s.pool.Exec(ctx, deleteOrderItemsSQL, orderID); err != nil {
		return fmt.Errorf("removing items of order %q: %w", orderID, err)
	}
	return nil
}

// Finalize moves an open order to status. Completing requires a completed
// payment attempt. Finalizing to the status the order already has is a
// no-op.
func (s *OrderStore) Finalize(ctx context.Context, orderID string, status order.Status) error {
	if !status.Valid() || status == order.StatusPending {
		return errors.Wrapf(order.ErrInvalidTransition, "finalize to %q", status)
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	if status == order.StatusCompleted {
		tag, err = s.pool.Exec(ctx, completeOrderSQL, orderID)
	} else {
		tag, err = s.pool.Exec(ctx, finalizeOrderSQL, orderID, string(status))
	}
	if err != nil {
		return fmt.Errorf("finalizing order %q: %w", orderID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	if err := s.pool.QueryRow(ctx, getOrderStatusSQL, orderID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.ErrNotFound
		}
		return fmt.Errorf("reading status of order %q: %w", orderID, err)
	}

	switch cur := order.Status(current); {
	case cur == status:
		return nil
	case !cur.Open():
		return errors.Wrapf(order.ErrInvalidTransition, "order %s is %s", orderID, cur)
	default:
		return order.ErrPaymentNotSettled
	}
}

// Get returns an order with its items and applied discount.
func (s *OrderStore) Get(ctx context.Context, orderID string) (*order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := s.pool.QueryRow(ctx, getOrderSQL, orderID).Scan(
		&o.ID, &o.DraftID, &o.CustomerID, &o.Subtotal,
		&o.Discount, &o.PromotionCode, &o.PaymentMethod,
		&status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", orderID, err)
	}
	o.Status = order.Status(status)
	o.Total = decimal.Max(o.Subtotal.Sub(o.Discount), decimal.Zero)

	rows, err := s.pool.Query(ctx, getOrderItemsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("getting items of order %q: %w", orderID, err)
	}
	o.Items, err = pgx.CollectRows(rows, scanLineItem)
	if err != nil {
		return nil, fmt.Errorf("scanning items of order %q: %w", orderID, err)
	}

	return &o, nil
}

func scanLineItem(row pgx.CollectableRow) (order.LineItem, error) {
	var (
		it  order.LineItem
		qty int32
	)
	err := row.Scan(&it.OrderID, &it.ProductID, &qty, &it.UnitPrice, &it.LineTotal)
	it.Quantity = int(qty)
	return it, err
}
