package payment

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State is a step of the asynchronous settlement.
type State string

const (
	StateCreated              State = "created"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
	StateCancelled            State = "cancelled"
	StateTimedOut             State = "timed_out"
)

// SettlementConfig bounds the poll loop.
type SettlementConfig struct {
	PollInterval time.Duration
	MaxPolls     int
}

// DefaultSettlementConfig polls every 2s for up to two minutes.
func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{PollInterval: 2 * time.Second, MaxPolls: 60}
}

// SettlementResult is the terminal outcome of a settlement.
type SettlementResult struct {
	Status    Status
	Reason    string
	Reference string
	Polls     int
}

// ErrAlreadyStarted is returned when a Settlement is started twice.
var ErrAlreadyStarted = errors.New("settlement already started")

// Observer is notified of every state change. session is nil until the
// gateway accepted the payment.
type Observer func(state State, session *Session)

// Settlement drives one asynchronous gateway payment to a terminal state.
//
// A single goroutine ticks every PollInterval and resolves a one-shot
// result. Within a tick the gateway status wins over the surface state, and
// once resolved further ticks neither call the gateway nor touch the
// surface.
type Settlement struct {
	gateway Gateway
	opener  SurfaceOpener
	cfg     SettlementConfig
	observe Observer

	newTicker func(time.Duration) (<-chan time.Time, func())

	mu       sync.Mutex
	started  bool
	state    State
	orderID  string
	session  *Session
	surface  Surface
	closed   bool
	polls    int
	result   *SettlementResult
	resolved chan struct{}
}

// NewSettlement creates a settlement. A zero cfg field takes its default.
func NewSettlement(gateway Gateway, opener SurfaceOpener, cfg SettlementConfig, observe Observer) *Settlement {
	def := DefaultSettlementConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = def.MaxPolls
	}
	if observe == nil {
		observe = func(State, *Session) {}
	}
	return &Settlement{
		gateway:   gateway,
		opener:    opener,
		cfg:       cfg,
		observe:   observe,
		newTicker: realTicker,
		resolved:  make(chan struct{}),
	}
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Settle starts the settlement and blocks until it is resolved. Cancelling
// ctx resolves it as failed with ReasonAborted.
func (s *Settlement) Settle(ctx context.Context, orderID string, amount decimal.Decimal) (SettlementResult, error) {
	if err := s.Start(ctx, orderID, amount); err != nil {
		return SettlementResult{}, err
	}
	<-s.resolved
	return s.Result(), nil
}

// Start initiates the payment at the gateway, opens the surface and starts
// the poll loop. It returns once polling has begun or the settlement failed
// to get that far.
func (s *Settlement) Start(ctx context.Context, orderID string, amount decimal.Decimal) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.orderID = orderID
	notify := s.setStateLocked(StateCreated)
	s.mu.Unlock()
	notify()

	lg := zctx.From(ctx).With(zap.String("order_id", orderID))

	session, err := s.gateway.InitiateAsync(ctx, orderID, amount)
	if err != nil {
		lg.Warn("Initiate gateway payment", zap.Error(err))
		s.resolve(StatusFailed, ReasonGatewayUnavailable, false)
		return nil
	}

	s.mu.Lock()
	s.session = session
	s.mu.Unlock()

	surface, err := s.opener.Open(ctx, orderID, session.URL)
	if err != nil {
		lg.Warn("Open payment surface", zap.Error(err))
		s.resolve(StatusFailed, ReasonPopupBlocked, false)
		return nil
	}

	s.mu.Lock()
	s.surface = surface
	notify = s.setStateLocked(StateAwaitingConfirmation)
	s.mu.Unlock()
	notify()

	ticks, stop := s.newTicker(s.cfg.PollInterval)
	go s.run(ctx, ticks, stop)
	return nil
}

// Done is closed once the settlement is resolved.
func (s *Settlement) Done() <-chan struct{} {
	return s.resolved
}

// Result returns the terminal result. It is the zero value until Done is
// closed.
func (s *Settlement) Result() SettlementResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return SettlementResult{}
	}
	return *s.result
}

// State returns the current state.
func (s *Settlement) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Settlement) run(ctx context.Context, ticks <-chan time.Time, stop func()) {
	defer stop()
	for {
		select {
		case <-ctx.Done():
			s.resolve(StatusFailed, ReasonAborted, true)
			return
		case <-ticks:
			if s.tick(ctx) {
				return
			}
		}
	}
}

// tick performs one poll and reports whether the settlement is resolved.
// The gateway and the surface are queried without holding s.mu.
func (s *Settlement) tick(ctx context.Context) bool {
	s.mu.Lock()
	if s.result != nil {
		s.mu.Unlock()
		return true
	}
	s.polls++
	poll, orderID, surface := s.polls, s.orderID, s.surface
	s.mu.Unlock()

	status, err := s.gateway.PollStatus(ctx, orderID)
	if err != nil {
		zctx.From(ctx).Warn("Poll gateway status",
			zap.String("order_id", orderID),
			zap.Int("poll", poll),
			zap.Error(err),
		)
		status = GatewayPending
	}
	userClosed := status == GatewayPending && surface.Closed()

	s.mu.Lock()
	if s.result != nil {
		s.mu.Unlock()
		return true
	}
	var settled func()
	switch status {
	case GatewayCompleted:
		settled = s.resolveLocked(StatusCompleted, "", true)
	case GatewayFailed:
		settled = s.resolveLocked(StatusFailed, ReasonDeclined, true)
	case GatewayCanceled:
		settled = s.resolveLocked(StatusFailed, ReasonCanceledAtGateway, true)
	default:
		switch {
		case userClosed:
			settled = s.resolveLocked(StatusCancelled, ReasonUserClosed, false)
		case poll >= s.cfg.MaxPolls:
			settled = s.resolveLocked(StatusTimedOut, ReasonTimedOut, true)
		}
	}
	s.mu.Unlock()

	if settled == nil {
		return false
	}
	settled()
	return true
}

func (s *Settlement) resolve(status Status, reason string, closeSurface bool) {
	s.mu.Lock()
	settled := s.resolveLocked(status, reason, closeSurface)
	s.mu.Unlock()
	settled()
}

// resolveLocked records the result once. The returned func closes the
// surface, notifies the observer and releases Done; call it after unlocking.
func (s *Settlement) resolveLocked(status Status, reason string, closeSurface bool) func() {
	if s.result != nil {
		return func() {}
	}
	res := &SettlementResult{
		Status: status,
		Reason: reason,
		Polls:  s.polls,
	}
	if s.session != nil {
		res.Reference = s.session.Reference
	}
	s.result = res

	var surface Surface
	if closeSurface && s.surface != nil && !s.closed {
		s.closed = true
		surface = s.surface
	}
	notify := s.setStateLocked(stateOf(status))

	return func() {
		if surface != nil {
			surface.Close()
		}
		notify()
		close(s.resolved)
	}
}

// setStateLocked records state and returns the observer notification to run
// once s.mu is released.
func (s *Settlement) setStateLocked(state State) func() {
	s.state = state
	session := s.session
	return func() { s.observe(state, session) }
}

func stateOf(status Status) State {
	switch status {
	case StatusCompleted:
		return StateCompleted
	case StatusCancelled:
		return StateCancelled
	case StatusTimedOut:
		return StateTimedOut
	default:
		return StateFailed
	}
}
