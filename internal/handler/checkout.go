package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/xenking/pos-checkout/internal/checkout"
	"github.com/xenking/pos-checkout/internal/domain/order"
	"github.com/xenking/pos-checkout/internal/domain/product"
	"github.com/xenking/pos-checkout/internal/window"
	"github.com/xenking/pos-checkout/pkg/httpmiddleware"
)

type checkoutRequest struct {
	DraftID       string         `validate:"max=128"`
	CustomerID    string         `validate:"max=128"`
	PromotionCode string         `validate:"max=64"`
	PaymentMethod string         `validate:"required,oneof=cash gateway"`
	Items         []checkoutItem `validate:"required,min=1,max=200,dive"`
}

type checkoutItem struct {
	ProductID string `validate:"required,max=128"`
	Quantity  int    `validate:"gt=0,lte=10000"`
	// UnitPrice is resolved from the catalog when omitted.
	UnitPrice *decimal.Decimal `validate:"-"`
}

func decodeCheckoutRequest(data []byte) (checkoutRequest, error) {
	var req checkoutRequest
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "draftId":
			req.DraftID, err = d.Str()
		case "customerId":
			req.CustomerID, err = optionalStr(d)
		case "promotionCode":
			req.PromotionCode, err = optionalStr(d)
		case "paymentMethod":
			req.PaymentMethod, err = d.Str()
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				item, err := decodeCheckoutItem(d)
				if err != nil {
					return err
				}
				req.Items = append(req.Items, item)
				return nil
			})
		default:
			err = d.Skip()
		}
		return errors.Wrapf(err, "decode %q", key)
	})
	return req, err
}

func decodeCheckoutItem(d *jx.Decoder) (checkoutItem, error) {
	var item checkoutItem
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId":
			item.ProductID, err = d.Str()
		case "quantity":
			item.Quantity, err = d.Int()
		case "unitPrice":
			item.UnitPrice, err = decodePrice(d)
		default:
			err = d.Skip()
		}
		return errors.Wrapf(err, "decode %q", key)
	})
	return item, err
}

// decodePrice accepts a JSON number, a numeric string or null.
func decodePrice(d *jx.Decoder) (*decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.Null:
		return nil, d.Null()
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return nil, err
		}
		raw = s
	default:
		n, err := d.Num()
		if err != nil {
			return nil, err
		}
		raw = n.String()
	}
	p, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse price")
	}
	return &p, nil
}

func optionalStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	s, err := d.Str()
	return strings.TrimSpace(s), err
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "checkoutRequest.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: must satisfy %s=%s", field, fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", field, fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// SubmitCheckout validates a draft and starts its checkout attempt. The
// attempt runs in the background; poll GetCheckout for its outcome.
func (h *Handler) SubmitCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := decodeCheckoutRequest(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	draft, err := h.draft(ctx, req)
	if err != nil {
		var missing *product.NotFoundError
		if errors.As(err, &missing) {
			writeError(w, http.StatusUnprocessableEntity, missing.Error())
			return
		}
		internalError(ctx, w, "Resolve prices", err)
		return
	}

	snap, err := h.checkouts.Submit(checkout.WithOrigin(ctx, checkout.Origin{
		RequestID: httpmiddleware.RequestIDFromContext(ctx),
		TillID:    httpmiddleware.TillIDFromContext(ctx),
	}), draft)
	if err != nil {
		var invalid *checkout.InvalidDraftError
		switch {
		case errors.As(err, &invalid):
			writeError(w, http.StatusBadRequest, invalid.Error())
		case errors.Is(err, checkout.ErrAttemptInProgress):
			writeError(w, http.StatusConflict, err.Error())
		default:
			internalError(ctx, w, "Submit checkout", err)
		}
		return
	}

	w.Header().Set("Location", "/api/checkout/"+snap.AttemptID)
	writeJSON(w, http.StatusAccepted, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("attemptId", func(e *jx.Encoder) { e.Str(snap.AttemptID) })
			e.Field("draftId", func(e *jx.Encoder) { e.Str(snap.DraftID) })
			if snap.Origin.RequestID != "" {
				e.Field("requestId", func(e *jx.Encoder) { e.Str(snap.Origin.RequestID) })
			}
			e.Field("state", func(e *jx.Encoder) { e.Str(string(snap.State)) })
		})
	})
}

// draft converts req to a draft, resolving omitted unit prices from the
// catalog.
func (h *Handler) draft(ctx context.Context, req checkoutRequest) (order.Draft, error) {
	d := order.Draft{
		ID:            strings.TrimSpace(req.DraftID),
		CustomerID:    req.CustomerID,
		PromotionCode: req.PromotionCode,
		PaymentMethod: req.PaymentMethod,
		Lines:         make([]order.DraftLine, len(req.Items)),
	}

	var unpriced []string
	for i, it := range req.Items {
		d.Lines[i] = order.DraftLine{
			ProductID: it.ProductID,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
		}
		if it.UnitPrice == nil {
			unpriced = append(unpriced, it.ProductID)
		}
	}
	if len(unpriced) == 0 {
		return d, nil
	}

	products, err := h.products.GetByIDs(ctx, unpriced)
	if err != nil {
		return order.Draft{}, errors.Wrap(err, "get products")
	}
	prices := make(map[string]decimal.Decimal, len(products))
	for _, p := range products {
		prices[p.ID] = p.Price
	}
	for i, l := range d.Lines {
		if l.UnitPrice != nil {
			continue
		}
		p, ok := prices[l.ProductID]
		if !ok {
			return order.Draft{}, &product.NotFoundError{ProductID: l.ProductID}
		}
		d.Lines[i].UnitPrice = &p
	}
	return d, nil
}

// GetCheckout returns the state of an attempt and, once finished, its
// outcome.
func (h *Handler) GetCheckout(w http.ResponseWriter, r *http.Request) {
	snap, err := h.checkouts.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, checkout.ErrAttemptNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		internalError(r.Context(), w, "Get checkout", err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeSnapshot(e, snap) })
}

// CloseWindow records that the operator closed the payment window of an
// attempt. The payment poll loop observes it on its next tick.
func (h *Handler) CloseWindow(w http.ResponseWriter, r *http.Request) {
	snap, err := h.checkouts.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, checkout.ErrAttemptNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		internalError(r.Context(), w, "Get checkout", err)
		return
	}
	if snap.OrderID == "" {
		writeError(w, http.StatusNotFound, window.ErrNotFound.Error())
		return
	}

	if err := h.windows.MarkClosed(snap.OrderID); err != nil {
		if errors.Is(err, window.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		internalError(r.Context(), w, "Close payment window", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func encodeSnapshot(e *jx.Encoder, s checkout.Snapshot) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("attemptId", func(e *jx.Encoder) { e.Str(s.AttemptID) })
		e.Field("draftId", func(e *jx.Encoder) { e.Str(s.DraftID) })
		if s.OrderID != "" {
			e.Field("orderId", func(e *jx.Encoder) { e.Str(s.OrderID) })
		}
		if s.Origin.RequestID != "" {
			e.Field("requestId", func(e *jx.Encoder) { e.Str(s.Origin.RequestID) })
		}
		if s.Origin.TillID != "" {
			e.Field("tillId", func(e *jx.Encoder) { e.Str(s.Origin.TillID) })
		}
		e.Field("state", func(e *jx.Encoder) { e.Str(string(s.State)) })
		if s.Stage != "" {
			e.Field("stage", func(e *jx.Encoder) { e.Str(string(s.Stage)) })
		}
		if s.PaymentState != "" {
			e.Field("paymentState", func(e *jx.Encoder) { e.Str(string(s.PaymentState)) })
		}
		if s.WindowURL != "" {
			e.Field("windowUrl", func(e *jx.Encoder) { e.Str(s.WindowURL) })
		}
		e.Field("startedAt", func(e *jx.Encoder) { e.Str(s.StartedAt.UTC().Format(time.RFC3339Nano)) })
		if !s.FinishedAt.IsZero() {
			e.Field("finishedAt", func(e *jx.Encoder) { e.Str(s.FinishedAt.UTC().Format(time.RFC3339Nano)) })
		}
		if s.Result != nil {
			e.Field("result", func(e *jx.Encoder) { encodeResult(e, s.Result) })
		}
	})
}

func encodeResult(e *jx.Encoder, res *checkout.Result) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("outcome", func(e *jx.Encoder) { e.Str(string(res.Kind)) })
		e.Field("message", func(e *jx.Encoder) { e.Str(res.Message()) })
		if res.Stage != "" {
			e.Field("stage", func(e *jx.Encoder) { e.Str(string(res.Stage)) })
		}
		if res.Reason != "" {
			e.Field("reason", func(e *jx.Encoder) { e.Str(res.Reason) })
		}
		if res.PaymentStatus != "" {
			e.Field("paymentStatus", func(e *jx.Encoder) { e.Str(string(res.PaymentStatus)) })
		}
		e.Field("amount", func(e *jx.Encoder) { e.Num(jx.Num(res.Amount.StringFixed(2))) })
		e.Field("discount", func(e *jx.Encoder) { e.Num(jx.Num(res.Discount.StringFixed(2))) })
		e.Field("receiptAvailable", func(e *jx.Encoder) { e.Bool(res.ReceiptAvailable()) })
		e.Field("orphaned", func(e *jx.Encoder) { e.Bool(res.Orphaned()) })
		e.Field("advisories", func(e *jx.Encoder) {
			e.ArrStart()
			for _, a := range res.Advisories {
				e.Obj(func(e *jx.Encoder) {
					e.Field("stage", func(e *jx.Encoder) { e.Str(string(a.Stage)) })
					e.Field("reason", func(e *jx.Encoder) { e.Str(a.Reason) })
					e.Field("message", func(e *jx.Encoder) { e.Str(a.Message()) })
				})
			}
			e.ArrEnd()
		})
		e.Field("journal", func(e *jx.Encoder) {
			e.ArrStart()
			for _, j := range res.Journal {
				e.Obj(func(e *jx.Encoder) {
					e.Field("stage", func(e *jx.Encoder) { e.Str(string(j.Stage)) })
					e.Field("status", func(e *jx.Encoder) { e.Str(string(j.Status)) })
					if j.Error != "" {
						e.Field("error", func(e *jx.Encoder) { e.Str(j.Error) })
					}
				})
			}
			e.ArrEnd()
		})
		if res.Order != nil {
			e.Field("order", func(e *jx.Encoder) { encodeOrder(e, res.Order) })
		}
	})
}
