package promotion

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// RepoValidator implements Validator by looking up rules from a Repository
// and recording applications through it.
type RepoValidator struct {
	repo Repository
	now  func() time.Time
}

var _ Validator = (*RepoValidator)(nil)

// NewRepoValidator creates a RepoValidator backed by the given Repository.
func NewRepoValidator(repo Repository) *RepoValidator {
	return &RepoValidator{repo: repo, now: time.Now}
}

// Apply looks up the rule for req.Code and checks, in order, the minimum
// order amount, the validity window and the usage limit. On success the
// application is recorded and returned.
func (v *RepoValidator) Apply(ctx context.Context, req Request) (*Application, error) {
	code := NormalizeCode(req.Code)

	rule, err := v.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrUnknownCode) {
			return nil, ErrUnknownCode
		}
		return nil, errors.Wrap(err, "lookup promotion")
	}

	if err := v.check(rule, req.Items); err != nil {
		return nil, err
	}

	amount, err := Discount(rule, req.Items)
	if err != nil {
		return nil, err
	}

	app := Application{
		PromotionID:    rule.ID,
		Code:           rule.Code,
		OrderID:        req.OrderID,
		CustomerID:     req.CustomerID,
		DiscountAmount: amount,
		Description:    rule.Description,
	}
	if err := v.repo.RecordApplication(ctx, app); err != nil {
		if errors.Is(err, ErrUsageExhausted) {
			return nil, ErrUsageExhausted
		}
		return nil, errors.Wrap(err, "record promotion application")
	}

	return &app, nil
}

// Release drops the application recorded for orderID and gives the use back
// to its rule.
func (v *RepoValidator) Release(ctx context.Context, orderID string) error {
	if err := v.repo.ReleaseApplication(ctx, orderID); err != nil {
		return errors.Wrapf(err, "release promotion of order %q", orderID)
	}
	return nil
}

func (v *RepoValidator) check(rule *Rule, items []Item) error {
	if rule.MinOrderAmount.IsPositive() && Subtotal(items).LessThan(rule.MinOrderAmount) {
		return ErrBelowMinimum
	}

	now := v.now()
	if rule.ValidFrom != nil && now.Before(*rule.ValidFrom) {
		return ErrNotYetActive
	}
	if rule.ValidUntil != nil && now.After(*rule.ValidUntil) {
		return ErrExpired
	}

	if rule.MaxUses > 0 && rule.Uses >= rule.MaxUses {
		return ErrUsageExhausted
	}
	return nil
}
