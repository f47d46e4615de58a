package promotion

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// Discount calculates the amount the rule takes off the given items.
// The result never exceeds the subtotal nor the rule's MaxDiscount.
func Discount(rule *Rule, items []Item) (decimal.Decimal, error) {
	subtotal := Subtotal(items)

	var amount decimal.Decimal
	switch rule.DiscountType {
	case DiscountPercentage:
		amount = subtotal.Mul(rule.Value).Div(hundred)
	case DiscountFixed:
		amount = rule.Value
	case DiscountFreeLowest:
		amount = lowestUnitPrice(items)
	default:
		return zero, errors.Errorf("unsupported discount type: %q", rule.DiscountType)
	}

	if rule.MaxDiscount.IsPositive() {
		amount = decimal.Min(amount, rule.MaxDiscount)
	}
	amount = decimal.Min(amount, subtotal)

	return floorAtZero(amount).Round(2), nil
}

// Subtotal returns the sum of price * quantity across all items.
func Subtotal(items []Item) decimal.Decimal {
	sum := zero
	for _, item := range items {
		sum = sum.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return sum
}

// lowestUnitPrice returns the lowest unit price among items with a positive
// quantity, or zero.
func lowestUnitPrice(items []Item) decimal.Decimal {
	var (
		lowest decimal.Decimal
		found  bool
	)
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		if !found || item.Price.LessThan(lowest) {
			lowest = item.Price
			found = true
		}
	}
	return lowest
}

func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return zero
	}
	return d
}
