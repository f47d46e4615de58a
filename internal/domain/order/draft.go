package order

import (
	"github.com/shopspring/decimal"
)

// Draft is the operator's working order before submission.
type Draft struct {
	// ID identifies the operator's cart. Two checkout attempts for the same
	// ID are mutually exclusive.
	ID         string
	CustomerID string
	Lines      []DraftLine
	// PromotionCode is empty when no promotion was entered.
	PromotionCode string
	PaymentMethod string
}

// DraftLine is a product line of a draft.
type DraftLine struct {
	ProductID string
	// UnitPrice is nil when the price has not been resolved.
	UnitPrice *decimal.Decimal
	Quantity  int
}

// Price returns the resolved unit price or zero.
func (l DraftLine) Price() decimal.Decimal {
	if l.UnitPrice == nil {
		return decimal.Zero
	}
	return *l.UnitPrice
}

// Total returns UnitPrice * Quantity.
func (l DraftLine) Total() decimal.Decimal {
	return l.Price().Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// HasCustomer reports whether the draft references a customer.
func (d Draft) HasCustomer() bool {
	return d.CustomerID != ""
}

// Subtotal sums the line totals, rounded to cents.
func (d Draft) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range d.Lines {
		sum = sum.Add(l.Total())
	}
	return sum.Round(2)
}

// Clone returns a deep copy so later edits of the caller's draft cannot
// leak into a running checkout.
func (d Draft) Clone() Draft {
	out := d
	out.Lines = make([]DraftLine, len(d.Lines))
	for i, l := range d.Lines {
		if l.UnitPrice != nil {
			p := *l.UnitPrice
			l.UnitPrice = &p
		}
		out.Lines[i] = l
	}
	return out
}

// LineItems converts the draft lines to items of the given order, keeping
// one item per draft line.
func (d Draft) LineItems(orderID string) []LineItem {
	items := make([]LineItem, len(d.Lines))
	for i, l := range d.Lines {
		items[i] = LineItem{
			OrderID:   orderID,
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: l.Price(),
			LineTotal: l.Total().Round(2),
		}
	}
	return items
}
