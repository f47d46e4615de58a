package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pos-checkout/internal/domain/promotion"
)

const (
	getPromotionByCodeSQL = `SELECT id, code, discount_type, value, min_order_amount, max_discount,
		valid_from, valid_until, max_uses, uses, description
		FROM promotions WHERE UPPER(code) = UPPER($1) AND active = TRUE`

	consumePromotionUseSQL = `UPDATE promotions SET uses = uses + 1
		WHERE id = $1 AND (max_uses = 0 OR uses < max_uses)`

	insertPromotionApplicationSQL = `INSERT INTO promotion_applications
		(order_id, promotion_id, customer_id, discount_amount)
		VALUES ($1, $2, $3, $4)`

	deletePromotionApplicationSQL = `DELETE FROM promotion_applications
		WHERE order_id = $1 RETURNING promotion_id`

	releasePromotionUseSQL = `UPDATE promotions SET uses = uses - 1
		WHERE id = $1 AND uses > 0`

	upsertPromotionSQL = `INSERT INTO promotions (id, code, discount_type, value, min_order_amount,
			max_discount, valid_from, valid_until, max_uses, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code, discount_type = EXCLUDED.discount_type,
			value = EXCLUDED.value, min_order_amount = EXCLUDED.min_order_amount,
			max_discount = EXCLUDED.max_discount, valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until, max_uses = EXCLUDED.max_uses,
			description = EXCLUDED.description`
)

var _ promotion.Repository = (*PromotionRepository)(nil)

// PromotionRepository implements promotion.Repository backed by PostgreSQL.
type PromotionRepository struct {
	pool *pgxpool.Pool
}

// NewPromotionRepository returns a PromotionRepository that uses the given pool.
func NewPromotionRepository(pool *pgxpool.Pool) *PromotionRepository {
	return &PromotionRepository{pool: pool}
}

// FindByCode looks up an active promotion by its code (case-insensitive).
// Returns promotion.ErrUnknownCode when no matching active promotion exists.
func (r *PromotionRepository) FindByCode(ctx context.Context, code string) (*promotion.Rule, error) {
	rows, err := r.pool.Query(ctx, getPromotionByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding promotion by code %q: %w", code, err)
	}

	rule, err := pgx.CollectExactlyOneRow(rows, scanPromotionRule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promotion.ErrUnknownCode
		}
		return nil, fmt.Errorf("finding promotion by code %q: %w", code, err)
	}
	return &rule, nil
}

// RecordApplication consumes one use and stores the application in a single
// transaction. The use counter never exceeds max_uses.
func (r *PromotionRepository) RecordApplication(ctx context.Context, app promotion.Application) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning promotion transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, consumePromotionUseSQL, app.PromotionID)
	if err != nil {
		return fmt.Errorf("consuming promotion %q: %w", app.Code, err)
	}
	if tag.RowsAffected() == 0 {
		return promotion.ErrUsageExhausted
	}

	if _, err := tx.Exec(ctx, insertPromotionApplicationSQL,
		app.OrderID, app.PromotionID, app.CustomerID, app.DiscountAmount,
	); err != nil {
		return fmt.Errorf("recording promotion %q on order %q: %w", app.Code, app.OrderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing promotion transaction: %w", err)
	}
	return nil
}

// ReleaseApplication deletes the application of orderID and returns its use
// to the promotion in a single transaction. Orders without an application
// are left alone.
func (r *PromotionRepository) ReleaseApplication(ctx context.Context, orderID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning promotion transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var promotionID string
	err = tx.QueryRow(ctx, deletePromotionApplicationSQL, orderID).Scan(&promotionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting promotion application of order %q: %w", orderID, err)
	}

	if _, err := tx.Exec(ctx, releasePromotionUseSQL, promotionID); err != nil {
		return fmt.Errorf("releasing use of promotion %q: %w", promotionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing promotion transaction: %w", err)
	}
	return nil
}

// Upsert inserts or replaces a promotion rule. Uses are preserved.
func (r *PromotionRepository) Upsert(ctx context.Context, rule promotion.Rule) error {
	_, err := r.pool.Exec(ctx, upsertPromotionSQL,
		rule.ID, rule.Code, string(rule.DiscountType), rule.Value, rule.MinOrderAmount,
		rule.MaxDiscount, rule.ValidFrom, rule.ValidUntil, int32(rule.MaxUses), rule.Description,
	)
	if err != nil {
		return fmt.Errorf("upserting promotion %q: %w", rule.Code, err)
	}
	return nil
}

func scanPromotionRule(row pgx.CollectableRow) (promotion.Rule, error) {
	var (
		rule         promotion.Rule
		discountType string
		validFrom    *time.Time
		validUntil   *time.Time
		maxUses      int32
		uses         int32
	)
	err := row.Scan(
		&rule.ID, &rule.Code, &discountType, &rule.Value, &rule.MinOrderAmount, &rule.MaxDiscount,
		&validFrom, &validUntil, &maxUses, &uses, &rule.Description,
	)
	rule.DiscountType = promotion.DiscountType(discountType)
	rule.ValidFrom = validFrom
	rule.ValidUntil = validUntil
	rule.MaxUses = int(maxUses)
	rule.Uses = int(uses)
	return rule, err
}
