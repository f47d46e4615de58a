// Package handler exposes the catalog, checkout attempts and orders over
// HTTP with JSON bodies.
package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xenking/pos-checkout/internal/checkout"
	"github.com/xenking/pos-checkout/internal/domain/order"
	"github.com/xenking/pos-checkout/internal/domain/product"
)

const maxBodySize = 1 << 20

// Checkouts starts and tracks checkout attempts. It is implemented by
// *checkout.Runner.
type Checkouts interface {
	Submit(ctx context.Context, d order.Draft) (checkout.Snapshot, error)
	Get(attemptID string) (checkout.Snapshot, error)
}

// Windows receives payment window closures reported by the operator UI. It
// is implemented by *window.Registry.
type Windows interface {
	MarkClosed(orderID string) error
}

// Orders reads persisted orders.
type Orders interface {
	Get(ctx context.Context, id string) (*order.Order, error)
}

// Handler serves the POS API.
type Handler struct {
	products  product.Repository
	orders    Orders
	checkouts Checkouts
	windows   Windows
	validate  *validator.Validate
}

// New creates a Handler.
func New(products product.Repository, orders Orders, checkouts Checkouts, windows Windows) *Handler {
	return &Handler{
		products:  products,
		orders:    orders,
		checkouts: checkouts,
		windows:   windows,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/product", h.ListProducts)
	mux.HandleFunc("GET /api/product/{id}", h.GetProduct)
	mux.HandleFunc("POST /api/checkout", h.SubmitCheckout)
	mux.HandleFunc("GET /api/checkout/{id}", h.GetCheckout)
	mux.HandleFunc("POST /api/checkout/{id}/window/close", h.CloseWindow)
	mux.HandleFunc("GET /api/order/{id}", h.GetOrder)
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if len(data) > maxBodySize {
		return nil, errors.New("request body too large")
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(status) })
			e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		})
	})
}

// internalError logs err and responds with a generic 500.
func internalError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	zctx.From(ctx).Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}
