package checkout

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/pos-checkout/internal/domain/inventory"
	"github.com/xenking/pos-checkout/internal/domain/order"
	"github.com/xenking/pos-checkout/internal/domain/payment"
	"github.com/xenking/pos-checkout/internal/domain/promotion"
	"github.com/xenking/pos-checkout/internal/events"
)

// --- Mock implementations ---

type finalizeCall struct {
	OrderID string
	Status  order.Status
}

type mockStore struct {
	mu sync.Mutex

	createErr   error
	addErr      error
	removeErr   error
	finalizeErr map[order.Status]error

	created   []order.Draft
	items     map[string][]order.LineItem
	removed   []string
	finalized []finalizeCall
}

func newMockStore() *mockStore {
	return &mockStore{items: make(map[string][]order.LineItem)}
}

func (m *mockStore) Create(_ context.Context, d order.Draft) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created = append(m.created, d)
	sub := d.Subtotal()
	return &order.Order{
		ID:            "order-1",
		DraftID:       d.ID,
		CustomerID:    d.CustomerID,
		Subtotal:      sub,
		Total:         sub,
		Discount:      decimal.Zero,
		PromotionCode: d.PromotionCode,
		PaymentMethod: d.PaymentMethod,
		Status:        order.StatusPending,
	}, nil
}

func (m *mockStore) AddItems(_ context.Context, orderID string, items []order.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return m.addErr
	}
	m.items[orderID] = items
	return nil
}

func (m *mockStore) RemoveItems(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	m.removed = append(m.removed, orderID)
	delete(m.items, orderID)
	return nil
}

func (m *mockStore) Finalize(_ context.Context, orderID string, status order.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.finalizeErr[status]; err != nil {
		return err
	}
	m.finalized = append(m.finalized, finalizeCall{OrderID: orderID, Status: status})
	return nil
}

func (m *mockStore) Get(context.Context, string) (*order.Order, error) {
	return nil, order.ErrNotFound
}

func (m *mockStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created) + len(m.items) + len(m.removed) + len(m.finalized)
}

type mockLedger struct {
	mu          sync.Mutex
	err         error
	restoreErr  error
	decremented [][]inventory.Adjustment
	restored    [][]inventory.Adjustment
}

func (m *mockLedger) Decrement(_ context.Context, adj []inventory.Adjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.decremented = append(m.decremented, adj)
	return nil
}

func (m *mockLedger) Restore(_ context.Context, adj []inventory.Adjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restoreErr != nil {
		return m.restoreErr
	}
	m.restored = append(m.restored, adj)
	return nil
}

type mockValidator struct {
	mu sync.Mutex

	app        *promotion.Application
	err        error
	releaseErr error
	requests   []promotion.Request
	released   []string
}

func (m *mockValidator) Apply(_ context.Context, req promotion.Request) (*promotion.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	app := *m.app
	app.OrderID = req.OrderID
	return &app, nil
}

func (m *mockValidator) Release(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.releaseErr != nil {
		return m.releaseErr
	}
	m.released = append(m.released, orderID)
	return nil
}

func (m *mockValidator) releasedOrders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.released...)
}

type syncCall struct {
	OrderID string
	Amount  decimal.Decimal
	Method  payment.Method
}

type mockGateway struct {
	mu sync.Mutex

	syncResult  payment.SyncResult
	syncErr     error
	initiateErr error
	// poll returns the status for the n-th poll, starting at 1.
	poll func(n int) payment.GatewayStatus

	syncCalls []syncCall
	initiated []decimal.Decimal
	polls     int
}

func (m *mockGateway) SettleSync(_ context.Context, orderID string, amount decimal.Decimal, method payment.Method) (payment.SyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncCalls = append(m.syncCalls, syncCall{OrderID: orderID, Amount: amount, Method: method})
	return m.syncResult, m.syncErr
}

func (m *mockGateway) InitiateAsync(_ context.Context, orderID string, amount decimal.Decimal) (*payment.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initiated = append(m.initiated, amount)
	if m.initiateErr != nil {
		return nil, m.initiateErr
	}
	return &payment.Session{Reference: "ref-1", URL: "https://pay.example/" + orderID}, nil
}

func (m *mockGateway) PollStatus(context.Context, string) (payment.GatewayStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	if m.poll == nil {
		return payment.GatewayPending, nil
	}
	return m.poll(m.polls), nil
}

func (m *mockGateway) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.syncCalls) + len(m.initiated) + m.polls
}

func (m *mockGateway) pollCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

type mockSurface struct {
	mu         sync.Mutex
	userClosed bool
	closeCalls int
}

func (m *mockSurface) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userClosed
}

func (m *mockSurface) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
}

func (m *mockSurface) userClose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userClosed = true
}

func (m *mockSurface) closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

type mockOpener struct {
	surface *mockSurface
	err     error
}

func (m *mockOpener) Open(context.Context, string, string) (payment.Surface, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.surface, nil
}

type mockPayments struct {
	mu      sync.Mutex
	err     error
	created []payment.Attempt
	updated []payment.Attempt
}

func (m *mockPayments) CreateAttempt(_ context.Context, a *payment.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	a.ID = "attempt-1"
	m.created = append(m.created, *a)
	return nil
}

func (m *mockPayments) UpdateAttempt(_ context.Context, a *payment.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated = append(m.updated, *a)
	return nil
}

type mockPublisher struct {
	mu     sync.Mutex
	err    error
	events []events.Event
}

func (m *mockPublisher) Publish(_ context.Context, e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

var errBoom = errors.New("boom")
