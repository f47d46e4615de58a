package checkout

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"

	"github.com/xenking/pos-checkout/internal/domain/order"
	"github.com/xenking/pos-checkout/internal/domain/payment"
)

// MaxLineQuantity bounds the quantity of a single draft line.
const MaxLineQuantity = 10_000

// ErrInvalidDraft is the sentinel of InvalidDraftError.
var ErrInvalidDraft = errors.New("invalid draft")

// InvalidDraftError lists every problem found in a draft.
type InvalidDraftError struct {
	Problems []string
}

func (e *InvalidDraftError) Error() string {
	return fmt.Sprintf("invalid draft: %s", strings.Join(e.Problems, "; "))
}

// Is reports ErrInvalidDraft as the sentinel of InvalidDraftError.
func (e *InvalidDraftError) Is(target error) bool {
	return target == ErrInvalidDraft
}

// Validate checks the preconditions of a checkout without side effects.
func Validate(d order.Draft) error {
	var problems []string
	if len(d.Lines) == 0 {
		problems = append(problems, "draft has no lines")
	}
	for i, l := range d.Lines {
		if strings.TrimSpace(l.ProductID) == "" {
			problems = append(problems, fmt.Sprintf("line %d: product id is empty", i+1))
		}
		switch {
		case l.Quantity <= 0:
			problems = append(problems, fmt.Sprintf("line %d: quantity must be positive", i+1))
		case l.Quantity > MaxLineQuantity:
			problems = append(problems, fmt.Sprintf("line %d: quantity exceeds %d", i+1, MaxLineQuantity))
		}
		switch {
		case l.UnitPrice == nil:
			problems = append(problems, fmt.Sprintf("line %d: unit price is missing", i+1))
		case l.UnitPrice.IsNegative():
			problems = append(problems, fmt.Sprintf("line %d: unit price is negative", i+1))
		}
	}
	if !payment.Method(d.PaymentMethod).Valid() {
		problems = append(problems, fmt.Sprintf("unknown payment method %q", d.PaymentMethod))
	}

	if len(problems) > 0 {
		return &InvalidDraftError{Problems: problems}
	}
	return nil
}
