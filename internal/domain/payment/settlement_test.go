package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockGateway struct {
	mu          sync.Mutex
	initiateErr error
	statuses    []GatewayStatus
	pollErr     error
	polls       int
	initiated   int
}

func (m *mockGateway) SettleSync(context.Context, string, decimal.Decimal, Method) (SyncResult, error) {
	return SyncResult{Status: StatusCompleted}, nil
}

func (m *mockGateway) InitiateAsync(_ context.Context, orderID string, _ decimal.Decimal) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initiated++
	if m.initiateErr != nil {
		return nil, m.initiateErr
	}
	return &Session{Reference: "ref-" + orderID, URL: "https://pay.example/" + orderID}, nil
}

func (m *mockGateway) PollStatus(context.Context, string) (GatewayStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	if m.pollErr != nil {
		return "", m.pollErr
	}
	if m.polls <= len(m.statuses) {
		return m.statuses[m.polls-1], nil
	}
	return GatewayPending, nil
}

func (m *mockGateway) pollCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

// blockingGateway holds every poll until release is closed.
type blockingGateway struct {
	*mockGateway
	entered chan struct{}
	release chan struct{}
}

func (m *blockingGateway) PollStatus(ctx context.Context, orderID string) (GatewayStatus, error) {
	m.entered <- struct{}{}
	<-m.release
	return m.mockGateway.PollStatus(ctx, orderID)
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
	opened  []string
}

func (m *mockOpener) Open(_ context.Context, _ string, url string) (Surface, error) {
	m.opened = append(m.opened, url)
	if m.err != nil {
		return nil, m.err
	}
	return m.surface, nil
}

// startManual starts a settlement whose ticker never fires; the test drives
// ticks through s.tick.
func startManual(t *testing.T, gw *mockGateway, surface *mockSurface, maxPolls int) (*Settlement, context.Context) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := NewSettlement(gw, &mockOpener{surface: surface}, SettlementConfig{
		PollInterval: time.Hour,
		MaxPolls:     maxPolls,
	}, nil)
	s.newTicker = func(time.Duration) (<-chan time.Time, func()) {
		return make(chan time.Time), func() {}
	}

	require.NoError(t, s.Start(ctx, "o1", decimal.NewFromInt(200)))
	require.Equal(t, StateAwaitingConfirmation, s.State())
	return s, ctx
}

func TestSettlement_CompletedStopsPolling(t *testing.T) {
	gw := &mockGateway{statuses: []GatewayStatus{GatewayPending, GatewayPending, GatewayCompleted}}
	surface := &mockSurface{}
	s, ctx := startManual(t, gw, surface, 60)

	assert.False(t, s.tick(ctx))
	assert.False(t, s.tick(ctx))
	assert.True(t, s.tick(ctx))

	// Ticks after resolution are no-ops.
	assert.True(t, s.tick(ctx))
	assert.True(t, s.tick(ctx))

	assert.Equal(t, 3, gw.pollCount())
	assert.Equal(t, 1, surface.closes())

	res := s.Result()
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 3, res.Polls)
	assert.Equal(t, "ref-o1", res.Reference)
	assert.Equal(t, StateCompleted, s.State())

	select {
	case <-s.Done():
	default:
		t.Fatal("settlement not resolved")
	}
}

func TestSettlement_TimesOutAfterMaxPolls(t *testing.T) {
	gw := &mockGateway{}
	surface := &mockSurface{}
	s, ctx := startManual(t, gw, surface, 60)

	for i := 1; i < 60; i++ {
		require.False(t, s.tick(ctx), "tick %d", i)
	}
	assert.Equal(t, 0, surface.closes())

	assert.True(t, s.tick(ctx))
	assert.True(t, s.tick(ctx))

	res := s.Result()
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Equal(t, ReasonTimedOut, res.Reason)
	assert.Equal(t, 60, gw.pollCount())
	assert.Equal(t, 1, surface.closes())
}

func TestSettlement_UserClosedWindow(t *testing.T) {
	gw := &mockGateway{}
	surface := &mockSurface{}
	s, ctx := startManual(t, gw, surface, 60)

	assert.False(t, s.tick(ctx))
	surface.userClose()
	assert.True(t, s.tick(ctx))

	res := s.Result()
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, ReasonUserClosed, res.Reason)
	assert.Equal(t, 0, surface.closes())
	assert.Equal(t, StateCancelled, s.State())
}

func TestSettlement_StatusWinsOverClosedSurface(t *testing.T) {
	tests := []struct {
		name       string
		status     GatewayStatus
		wantStatus Status
	}{
		{name: "completed", status: GatewayCompleted, wantStatus: StatusCompleted},
		{name: "failed", status: GatewayFailed, wantStatus: StatusFailed},
		{name: "canceled", status: GatewayCanceled, wantStatus: StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &mockGateway{statuses: []GatewayStatus{tt.status}}
			surface := &mockSurface{}
			s, ctx := startManual(t, gw, surface, 60)

			surface.userClose()
			assert.True(t, s.tick(ctx))
			assert.Equal(t, tt.wantStatus, s.Result().Status)
		})
	}
}

func TestSettlement_PollErrorsAreInconclusive(t *testing.T) {
	gw := &mockGateway{pollErr: errors.New("connection reset")}
	surface := &mockSurface{}
	s, ctx := startManual(t, gw, surface, 3)

	assert.False(t, s.tick(ctx))
	assert.False(t, s.tick(ctx))
	assert.True(t, s.tick(ctx))

	assert.Equal(t, StatusTimedOut, s.Result().Status)
	assert.Equal(t, 3, gw.pollCount())
}

func TestSettlement_StartFailures(t *testing.T) {
	t.Run("gateway unavailable", func(t *testing.T) {
		gw := &mockGateway{initiateErr: errors.New("503")}
		opener := &mockOpener{surface: &mockSurface{}}
		s := NewSettlement(gw, opener, SettlementConfig{}, nil)

		res, err := s.Settle(context.Background(), "o1", decimal.NewFromInt(10))
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Equal(t, ReasonGatewayUnavailable, res.Reason)
		assert.Empty(t, opener.opened)
		assert.Equal(t, 0, gw.pollCount())
	})

	t.Run("popup blocked", func(t *testing.T) {
		gw := &mockGateway{}
		opener := &mockOpener{err: ErrSurfaceBlocked}
		s := NewSettlement(gw, opener, SettlementConfig{}, nil)

		res, err := s.Settle(context.Background(), "o1", decimal.NewFromInt(10))
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Equal(t, ReasonPopupBlocked, res.Reason)
		assert.Equal(t, "ref-o1", res.Reference)
		assert.Equal(t, []string{"https://pay.example/o1"}, opener.opened)
		assert.Equal(t, 0, gw.pollCount())
	})
}

func TestSettlement_AlreadyStarted(t *testing.T) {
	gw := &mockGateway{initiateErr: errors.New("503")}
	s := NewSettlement(gw, &mockOpener{}, SettlementConfig{}, nil)

	require.NoError(t, s.Start(context.Background(), "o1", decimal.Zero))
	require.ErrorIs(t, s.Start(context.Background(), "o1", decimal.Zero), ErrAlreadyStarted)
	assert.Equal(t, 1, gw.initiated)
}

func TestSettlement_ContextCancelAborts(t *testing.T) {
	gw := &mockGateway{}
	surface := &mockSurface{}
	s := NewSettlement(gw, &mockOpener{surface: surface}, SettlementConfig{PollInterval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, "o1", decimal.NewFromInt(10)))
	cancel()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("settlement not resolved after cancel")
	}

	res := s.Result()
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonAborted, res.Reason)
	assert.Equal(t, 1, surface.closes())
	assert.Equal(t, 0, gw.pollCount())
}

func TestSettlement_Loop(t *testing.T) {
	gw := &mockGateway{statuses: []GatewayStatus{GatewayPending, GatewayCompleted}}
	surface := &mockSurface{}

	var (
		states   []State
		sessions []*Session
	)
	s := NewSettlement(gw, &mockOpener{surface: surface}, SettlementConfig{PollInterval: time.Hour}, func(state State, session *Session) {
		states = append(states, state)
		sessions = append(sessions, session)
	})

	ticks := make(chan time.Time)
	stopped := make(chan struct{})
	s.newTicker = func(time.Duration) (<-chan time.Time, func()) {
		return ticks, func() { close(stopped) }
	}

	go func() {
		for {
			select {
			case ticks <- time.Now():
			case <-s.Done():
				return
			}
		}
	}()

	res, err := s.Settle(context.Background(), "o1", decimal.NewFromInt(200))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Polls)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("ticker not stopped")
	}

	assert.Equal(t, []State{StateCreated, StateAwaitingConfirmation, StateCompleted}, states)
	assert.Nil(t, sessions[0])
	require.NotNil(t, sessions[1])
	assert.Equal(t, "https://pay.example/o1", sessions[1].URL)
}

func TestSettlement_SlowPollDoesNotBlockReaders(t *testing.T) {
	gw := &blockingGateway{
		mockGateway: &mockGateway{statuses: []GatewayStatus{GatewayCompleted}},
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	surface := &mockSurface{}
	s := NewSettlement(gw, &mockOpener{surface: surface}, SettlementConfig{PollInterval: time.Hour}, nil)
	s.newTicker = func(time.Duration) (<-chan time.Time, func()) {
		return make(chan time.Time), func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx, "o1", decimal.NewFromInt(10)))

	ticked := make(chan bool, 1)
	go func() { ticked <- s.tick(ctx) }()

	select {
	case <-gw.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("poll not started")
	}

	read := make(chan State, 1)
	go func() {
		_ = s.Result()
		read <- s.State()
	}()
	select {
	case state := <-read:
		assert.Equal(t, StateAwaitingConfirmation, state)
	case <-time.After(5 * time.Second):
		t.Fatal("State blocked behind the gateway poll")
	}

	close(gw.release)
	select {
	case done := <-ticked:
		assert.True(t, done)
	case <-time.After(5 * time.Second):
		t.Fatal("tick did not return")
	}
	assert.Equal(t, StatusCompleted, s.Result().Status)
	assert.Equal(t, 1, surface.closes())
}

func TestSettlement_ObserverMayReadSettlement(t *testing.T) {
	gw := &mockGateway{statuses: []GatewayStatus{GatewayFailed}}
	surface := &mockSurface{}

	type seen struct {
		state  State
		read   State
		result Status
	}
	var (
		s   *Settlement
		got []seen
	)
	s = NewSettlement(gw, &mockOpener{surface: surface}, SettlementConfig{PollInterval: time.Hour}, func(state State, _ *Session) {
		got = append(got, seen{state: state, read: s.State(), result: s.Result().Status})
	})
	s.newTicker = func(time.Duration) (<-chan time.Time, func()) {
		return make(chan time.Time), func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx, "o1", decimal.NewFromInt(10)))
	require.True(t, s.tick(ctx))

	assert.Equal(t, []seen{
		{state: StateCreated, read: StateCreated},
		{state: StateAwaitingConfirmation, read: StateAwaitingConfirmation},
		{state: StateFailed, read: StateFailed, result: StatusFailed},
	}, got)
	assert.Equal(t, 1, surface.closes())
}

func TestMethodAndStatus(t *testing.T) {
	assert.True(t, MethodCash.Valid())
	assert.False(t, MethodCash.Async())
	assert.True(t, MethodGateway.Async())
	assert.False(t, Method("card").Valid())

	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusTimedOut.Terminal())
}
