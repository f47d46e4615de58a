package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/pos-checkout/internal/domain/order"
	"github.com/xenking/pos-checkout/internal/domain/payment"
)

// ErrAttemptNotFound is returned for unknown or evicted attempt ids.
var ErrAttemptNotFound = errors.New("checkout attempt not found")

// RunState is the lifecycle of a submitted attempt.
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStateDone    RunState = "done"
)

// Snapshot is a point-in-time view of a submitted attempt.
type Snapshot struct {
	AttemptID    string
	DraftID      string
	OrderID      string
	Origin       Origin
	State        RunState
	Stage        Stage
	PaymentState payment.State
	WindowURL    string
	StartedAt    time.Time
	FinishedAt   time.Time
	// Result is nil while the attempt is running.
	Result *Result
}

// Runner executes attempts in the background and keeps their snapshots
// for a retention period after they finish.
type Runner struct {
	orch      *Orchestrator
	base      context.Context
	retention time.Duration
	now       func() time.Time

	mu       sync.Mutex
	attempts map[string]*Snapshot
	wg       sync.WaitGroup
}

// NewRunner creates a Runner. Attempts run on base; cancelling it aborts
// running payments.
func NewRunner(base context.Context, orch *Orchestrator, retention time.Duration) *Runner {
	if retention <= 0 {
		retention = 15 * time.Minute
	}
	return &Runner{
		orch:      orch,
		base:      base,
		retention: retention,
		now:       time.Now,
		attempts:  make(map[string]*Snapshot),
	}
}

// Submit validates the draft, takes its lease and starts the attempt.
// It returns the same errors as Orchestrator.Begin.
func (r *Runner) Submit(ctx context.Context, d order.Draft) (Snapshot, error) {
	a, err := r.orch.Begin(ctx, d)
	if err != nil {
		return Snapshot{}, err
	}

	snap := &Snapshot{
		AttemptID: a.ID,
		DraftID:   a.Draft.ID,
		Origin:    a.Origin,
		State:     RunStateRunning,
		StartedAt: a.StartedAt,
	}

	r.mu.Lock()
	r.evictLocked()
	r.attempts[a.ID] = snap
	out := *snap
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res := r.orch.Execute(r.base, a, WithProgress(func(p Progress) {
			r.update(a.ID, func(s *Snapshot) {
				if p.OrderID != "" {
					s.OrderID = p.OrderID
				}
				s.Stage = p.Stage
				if p.PaymentState != "" {
					s.PaymentState = p.PaymentState
				}
				if p.WindowURL != "" {
					s.WindowURL = p.WindowURL
				}
			})
		}))
		r.update(a.ID, func(s *Snapshot) {
			s.State = RunStateDone
			s.FinishedAt = r.now()
			s.Result = res
			if res.Order != nil {
				s.OrderID = res.Order.ID
			}
		})
	}()

	return out, nil
}

// Get returns the snapshot of an attempt.
func (r *Runner) Get(attemptID string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()

	s, ok := r.attempts[attemptID]
	if !ok {
		return Snapshot{}, ErrAttemptNotFound
	}
	return *s, nil
}

// Wait blocks until every running attempt finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) update(attemptID string, fn func(s *Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.attempts[attemptID]; ok {
		fn(s)
	}
}

func (r *Runner) evictLocked() {
	cutoff := r.now().Add(-r.retention)
	for id, s := range r.attempts {
		if s.State == RunStateDone && s.FinishedAt.Before(cutoff) {
			delete(r.attempts, id)
		}
	}
}
