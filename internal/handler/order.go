package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/pos-checkout/internal/domain/order"
)

// GetOrder returns a persisted order with its items.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		internalError(r.Context(), w, "Get order", err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("draftId", func(e *jx.Encoder) { e.Str(o.DraftID) })
		if o.CustomerID != "" {
			e.Field("customerId", func(e *jx.Encoder) { e.Str(o.CustomerID) })
		}
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
		e.Field("paymentMethod", func(e *jx.Encoder) { e.Str(o.PaymentMethod) })
		if o.PromotionCode != "" {
			e.Field("promotionCode", func(e *jx.Encoder) { e.Str(o.PromotionCode) })
		}
		e.Field("subtotal", func(e *jx.Encoder) { e.Num(jx.Num(o.Subtotal.StringFixed(2))) })
		e.Field("discount", func(e *jx.Encoder) { e.Num(jx.Num(o.Discount.StringFixed(2))) })
		e.Field("total", func(e *jx.Encoder) { e.Num(jx.Num(o.Total.StringFixed(2))) })
		e.Field("items", func(e *jx.Encoder) {
			e.ArrStart()
			for _, it := range o.Items {
				e.Obj(func(e *jx.Encoder) {
					e.Field("productId", func(e *jx.Encoder) { e.Str(it.ProductID) })
					e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
					e.Field("unitPrice", func(e *jx.Encoder) { e.Num(jx.Num(it.UnitPrice.StringFixed(2))) })
					e.Field("lineTotal", func(e *jx.Encoder) { e.Num(jx.Num(it.LineTotal.StringFixed(2))) })
				})
			}
			e.ArrEnd()
		})
		if !o.CreatedAt.IsZero() {
			e.Field("createdAt", func(e *jx.Encoder) { e.Str(o.CreatedAt.UTC().Format(time.RFC3339Nano)) })
		}
	})
}
