package gateway

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/xenking/pos-checkout/internal/domain/payment"
)

// Simulator is an in-process payment.Gateway for local runs without a
// provider. Cash always settles; gateway payments complete on the
// ApproveAfter-th poll.
type Simulator struct {
	ApproveAfter int
	BaseURL      string

	mu    sync.Mutex
	polls map[string]int
}

var _ payment.Gateway = (*Simulator)(nil)

// NewSimulator creates a Simulator.
func NewSimulator(approveAfter int) *Simulator {
	if approveAfter <= 0 {
		approveAfter = 3
	}
	return &Simulator{
		ApproveAfter: approveAfter,
		BaseURL:      "http://localhost/pay/",
		polls:        make(map[string]int),
	}
}

// SettleSync implements payment.Gateway.
func (s *Simulator) SettleSync(context.Context, string, decimal.Decimal, payment.Method) (payment.SyncResult, error) {
	return payment.SyncResult{Status: payment.StatusCompleted}, nil
}

// InitiateAsync implements payment.Gateway.
func (s *Simulator) InitiateAsync(_ context.Context, orderID string, _ decimal.Decimal) (*payment.Session, error) {
	s.mu.Lock()
	s.polls[orderID] = 0
	s.mu.Unlock()
	return &payment.Session{Reference: "sim-" + orderID, URL: s.BaseURL + orderID}, nil
}

// PollStatus implements payment.Gateway.
func (s *Simulator) PollStatus(_ context.Context, orderID string) (payment.GatewayStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls[orderID]++
	if s.polls[orderID] >= s.ApproveAfter {
		delete(s.polls, orderID)
		return payment.GatewayCompleted, nil
	}
	return payment.GatewayPending, nil
}
