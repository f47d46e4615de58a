// Package window tracks the payment windows shown on operator tills.
package window

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/pos-checkout/internal/domain/payment"
)

// DefaultMaxOpen bounds the number of simultaneously open windows.
const DefaultMaxOpen = 64

// ErrNotFound is returned when no window is open for an order.
var ErrNotFound = errors.New("payment window not found")

// Window is a payment window for one order.
type Window struct {
	OrderID  string
	URL      string
	OpenedAt time.Time

	mu         sync.Mutex
	userClosed bool
	forced     bool
	onClose    func()
}

var _ payment.Surface = (*Window)(nil)

// Closed reports whether the operator closed the window.
func (w *Window) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.userClosed
}

// Close dismisses the window from the till.
func (w *Window) Close() {
	w.mu.Lock()
	if w.forced || w.userClosed {
		w.mu.Unlock()
		return
	}
	w.forced = true
	w.mu.Unlock()
	w.onClose()
}

func (w *Window) markClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.forced || w.userClosed {
		return false
	}
	w.userClosed = true
	return true
}

// Registry opens payment windows, one per order.
type Registry struct {
	maxOpen int
	now     func() time.Time

	mu      sync.Mutex
	windows map[string]*Window
}

var _ payment.SurfaceOpener = (*Registry)(nil)

// NewRegistry creates a Registry allowing at most maxOpen windows.
func NewRegistry(maxOpen int) *Registry {
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpen
	}
	return &Registry{
		maxOpen: maxOpen,
		now:     time.Now,
		windows: make(map[string]*Window),
	}
}

// Open implements payment.SurfaceOpener. It refuses with
// payment.ErrSurfaceBlocked when the order already has a window or the
// registry is full.
func (r *Registry) Open(_ context.Context, orderID, url string) (payment.Surface, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.windows[orderID]; ok {
		return nil, errors.Wrapf(payment.ErrSurfaceBlocked, "window for order %s already open", orderID)
	}
	if len(r.windows) >= r.maxOpen {
		return nil, errors.Wrapf(payment.ErrSurfaceBlocked, "%d windows open", len(r.windows))
	}

	w := &Window{
		OrderID:  orderID,
		URL:      url,
		OpenedAt: r.now(),
	}
	w.onClose = func() { r.remove(orderID, w) }
	r.windows[orderID] = w
	return w, nil
}

// MarkClosed records that the operator closed the window of an order.
func (r *Registry) MarkClosed(orderID string) error {
	r.mu.Lock()
	w, ok := r.windows[orderID]
	r.mu.Unlock()
	if !ok || !w.markClosed() {
		return ErrNotFound
	}
	r.remove(orderID, w)
	return nil
}

// Get returns the open window of an order.
func (r *Registry) Get(orderID string) (*Window, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[orderID]
	return w, ok
}

// Len returns the number of open windows.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

func (r *Registry) remove(orderID string, w *Window) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.windows[orderID] == w {
		delete(r.windows, orderID)
	}
}
