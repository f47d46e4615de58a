package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pos-checkout/internal/domain/payment"
)

const (
	createPaymentAttemptSQL = `INSERT INTO payment_attempts (id, order_id, method, amount, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	updatePaymentAttemptSQL = `UPDATE payment_attempts
		SET status = $2, reference = $3, reason = $4, polls = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository implements payment.Repository backed by PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository returns a PaymentRepository that uses the given pool.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

// CreateAttempt stores a pending attempt and assigns its ID.
func (r *PaymentRepository) CreateAttempt(ctx context.Context, a *payment.Attempt) error {
	a.ID = uuid.NewString()
	if a.Status == "" {
		a.Status = payment.StatusPending
	}
	err := r.pool.QueryRow(ctx, createPaymentAttemptSQL,
		a.ID, a.OrderID, string(a.Method), a.Amount, string(a.Status),
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating payment attempt for order %q: %w", a.OrderID, err)
	}
	return nil
}

// UpdateAttempt stores the outcome of an attempt.
func (r *PaymentRepository) UpdateAttempt(ctx context.Context, a *payment.Attempt) error {
	err := r.pool.QueryRow(ctx, updatePaymentAttemptSQL,
		a.ID, string(a.Status), a.Reference, a.Reason, int32(a.Polls),
	).Scan(&a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating payment attempt %q: %w", a.ID, err)
	}
	return nil
}
