// Package checkout turns a draft order into a paid, finalized order.
//
// An attempt runs strictly ordered stages: persist the order, persist its
// items, decrement inventory, apply a promotion and settle the payment.
// Every completed stage registers an undo action in a journal; fatal
// failures before payment run those actions in reverse order.
package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/pos-checkout/internal/domain/inventory"
	"github.com/xenking/pos-checkout/internal/domain/order"
	"github.com/xenking/pos-checkout/internal/domain/payment"
	"github.com/xenking/pos-checkout/internal/domain/product"
	"github.com/xenking/pos-checkout/internal/domain/promotion"
	"github.com/xenking/pos-checkout/internal/events"
	"github.com/xenking/pos-checkout/internal/lease"
)

// ErrAttemptInProgress is returned when another attempt holds the draft.
var ErrAttemptInProgress = errors.New("checkout attempt already in progress for draft")

// Publisher receives the outcome of every attempt.
type Publisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// Config tunes the orchestrator.
type Config struct {
	Settlement payment.SettlementConfig
	// Compensate enables undo of completed stages after a fatal failure.
	Compensate bool
	// RestockOnPaymentFailure restores inventory when the payment failed or
	// was cancelled. Timed out payments never restock.
	RestockOnPaymentFailure bool
	LeaseTTL                time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Settlement: payment.DefaultSettlementConfig(),
		Compensate: true,
		LeaseTTL:   10 * time.Minute,
	}
}

// Deps are the collaborators of the orchestrator. Payments, Leases, Events
// and the telemetry providers are optional.
type Deps struct {
	Orders     order.Store
	Inventory  inventory.Ledger
	Promotions promotion.Validator
	Gateway    payment.Gateway
	Windows    payment.SurfaceOpener
	Payments   payment.Repository
	Leases     lease.Manager
	Events     Publisher

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Progress describes a running attempt.
type Progress struct {
	AttemptID    string
	OrderID      string
	Stage        Stage
	PaymentState payment.State
	WindowURL    string
}

// Option configures a single Execute call.
type Option func(*runOptions)

type runOptions struct {
	progress func(Progress)
}

// WithProgress registers a callback invoked on every stage and payment
// state change. It must not block.
func WithProgress(fn func(Progress)) Option {
	return func(o *runOptions) {
		o.progress = fn
	}
}

// Orchestrator runs checkout attempts.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	tracer  trace.Tracer
	metrics *metrics
	now     func() time.Time
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("orders store is required")
	case deps.Inventory == nil:
		return nil, errors.New("inventory ledger is required")
	case deps.Promotions == nil:
		return nil, errors.New("promotion validator is required")
	case deps.Gateway == nil:
		return nil, errors.New("payment gateway is required")
	case deps.Windows == nil:
		return nil, errors.New("payment window opener is required")
	}
	if deps.Leases == nil {
		deps.Leases = lease.NewMemory()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.TracerProvider == nil {
		deps.TracerProvider = tracenoop.NewTracerProvider()
	}
	if deps.MeterProvider == nil {
		deps.MeterProvider = metricnoop.NewMeterProvider()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}

	m, err := newMetrics(deps.MeterProvider.Meter("pos/checkout"))
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}

	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		tracer:  deps.TracerProvider.Tracer("pos/checkout"),
		metrics: m,
		now:     time.Now,
	}, nil
}

// Origin identifies the request and till that submitted an attempt.
type Origin struct {
	RequestID string
	TillID    string
}

type originKey struct{}

// WithOrigin returns a context whose attempts are attributed to origin.
func WithOrigin(ctx context.Context, origin Origin) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFromContext returns the origin stored by WithOrigin.
func OriginFromContext(ctx context.Context) Origin {
	origin, _ := ctx.Value(originKey{}).(Origin)
	return origin
}

// Attempt is a validated draft holding the draft lease.
type Attempt struct {
	ID        string
	Draft     order.Draft
	Origin    Origin
	StartedAt time.Time

	lease lease.Lease
}

// Begin validates the draft and takes the draft lease. It has no other side
// effects. The returned attempt must be passed to Execute.
func (o *Orchestrator) Begin(ctx context.Context, d order.Draft) (*Attempt, error) {
	d = d.Clone()
	if err := Validate(d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	l, err := o.deps.Leases.Acquire(ctx, "draft:"+d.ID, o.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return nil, ErrAttemptInProgress
		}
		return nil, errors.Wrap(err, "acquire draft lease")
	}

	return &Attempt{
		ID:        uuid.NewString(),
		Draft:     d,
		Origin:    OriginFromContext(ctx),
		StartedAt: o.now(),
		lease:     l,
	}, nil
}

// Run checks out the draft and blocks until a terminal outcome. The only
// errors are *InvalidDraftError and ErrAttemptInProgress; every other
// failure is reported in the Result.
func (o *Orchestrator) Run(ctx context.Context, d order.Draft, opts ...Option) (*Result, error) {
	a, err := o.Begin(ctx, d)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, a, opts...), nil
}

// Execute runs the stages of an attempt and releases its lease.
func (o *Orchestrator) Execute(ctx context.Context, a *Attempt, opts ...Option) *Result {
	ro := runOptions{progress: func(Progress) {}}
	for _, opt := range opts {
		opt(&ro)
	}

	fields := []zap.Field{
		zap.String("attempt_id", a.ID),
		zap.String("draft_id", a.Draft.ID),
	}
	attrs := []attribute.KeyValue{
		attribute.String("pos.attempt_id", a.ID),
		attribute.String("pos.draft_id", a.Draft.ID),
	}
	if id := a.Origin.RequestID; id != "" {
		fields = append(fields, zap.String("request_id", id))
		attrs = append(attrs, attribute.String("pos.request_id", id))
	}
	if till := a.Origin.TillID; till != "" {
		fields = append(fields, zap.String("till_id", till))
		attrs = append(attrs, attribute.String("pos.till_id", till))
	}
	ctx = zctx.With(ctx, fields...)
	ctx, span := o.tracer.Start(ctx, "checkout.Execute", trace.WithAttributes(attrs...))
	defer span.End()

	cleanup := context.WithoutCancel(ctx)
	defer func() {
		if a.lease == nil {
			return
		}
		if err := a.lease.Release(cleanup); err != nil {
			zctx.From(ctx).Warn("Release draft lease", zap.Error(err))
		}
	}()

	x := &execution{
		o:        o,
		a:        a,
		j:        &journal{},
		cleanup:  cleanup,
		progress: ro.progress,
		res: &Result{
			AttemptID: a.ID,
			Discount:  decimal.Zero,
			Amount:    decimal.Zero,
		},
	}
	x.run(ctx)

	res := x.res
	res.Journal = x.j.snapshot()

	o.metrics.record(cleanup, res, o.now().Sub(a.StartedAt))
	if res.Kind != KindSucceeded {
		span.SetStatus(codes.Error, string(res.Stage)+": "+res.Reason)
	}

	lg := zctx.From(ctx)
	lg.Info("Checkout finished",
		zap.String("outcome", string(res.Kind)),
		zap.String("stage", string(res.Stage)),
		zap.String("reason", res.Reason),
		zap.Bool("orphaned", res.Orphaned()),
	)

	if err := o.deps.Events.Publish(cleanup, o.event(a, res)); err != nil {
		lg.Warn("Publish checkout event", zap.Error(err))
	}

	return res
}

func (o *Orchestrator) event(a *Attempt, res *Result) events.Event {
	e := events.Event{
		Type:          events.TypeCheckoutFinished,
		AttemptID:     a.ID,
		DraftID:       a.Draft.ID,
		RequestID:     a.Origin.RequestID,
		TillID:        a.Origin.TillID,
		Outcome:       string(res.Kind),
		Stage:         string(res.Stage),
		Reason:        res.Reason,
		PaymentStatus: string(res.PaymentStatus),
		Total:         res.Amount,
		Discount:      res.Discount,
		OccurredAt:    o.now(),
	}
	if res.Order != nil {
		e.OrderID = res.Order.ID
	}
	for _, adv := range res.Advisories {
		e.Advisories = append(e.Advisories, adv.Reason)
	}
	return e
}

// execution is the state of one running attempt.
type execution struct {
	o        *Orchestrator
	a        *Attempt
	j        *journal
	res      *Result
	cleanup  context.Context
	progress func(Progress)

	order *order.Order
}

func (x *execution) report(stage Stage, state payment.State, url string) {
	p := Progress{
		AttemptID:    x.a.ID,
		Stage:        stage,
		PaymentState: state,
		WindowURL:    url,
	}
	if x.order != nil {
		p.OrderID = x.order.ID
	}
	x.progress(p)
}

func (x *execution) run(ctx context.Context) {
	d := x.a.Draft
	deps := x.o.deps

	x.report(StagePersistOrder, "", "")
	ord, err := deps.Orders.Create(ctx, d)
	if err != nil {
		x.fatal(ctx, StagePersistOrder, err)
		return
	}
	x.order = ord
	x.res.Order = ord
	ctx = zctx.With(ctx, zap.String("order_id", ord.ID))
	x.j.done(StagePersistOrder, func(ctx context.Context) error {
		if err := deps.Orders.Finalize(ctx, ord.ID, order.StatusCancelled); err != nil {
			return err
		}
		ord.Status = order.StatusCancelled
		return nil
	})

	x.report(StagePersistItems, "", "")
	items := d.LineItems(ord.ID)
	if err := deps.Orders.AddItems(ctx, ord.ID, items); err != nil {
		x.fatal(ctx, StagePersistItems, err)
		return
	}
	ord.Items = items
	x.j.done(StagePersistItems, func(ctx context.Context) error {
		return deps.Orders.RemoveItems(ctx, ord.ID)
	})

	x.report(StageInventory, "", "")
	adjustments := make([]inventory.Adjustment, 0, len(d.Lines))
	for _, l := range d.Lines {
		adjustments = append(adjustments, inventory.Decrement(l.ProductID, l.Quantity))
	}
	if err := deps.Inventory.Decrement(ctx, adjustments); err != nil {
		x.fatal(ctx, StageInventory, err)
		return
	}
	x.j.done(StageInventory, func(ctx context.Context) error {
		return deps.Inventory.Restore(ctx, adjustments)
	})

	x.report(StagePromotion, "", "")
	x.applyPromotion(ctx, d)

	x.report(StagePayment, "", "")
	settled, ok := x.pay(ctx, d)
	if !ok {
		return
	}

	x.finalize(ctx, settled)
}

func (x *execution) applyPromotion(ctx context.Context, d order.Draft) {
	if d.PromotionCode == "" {
		x.j.skipped(StagePromotion)
		return
	}
	if !d.HasCustomer() {
		x.advise("customer_required")
		x.j.skipped(StagePromotion)
		return
	}

	items := make([]promotion.Item, len(d.Lines))
	for i, l := range d.Lines {
		items[i] = promotion.Item{ProductID: l.ProductID, Price: l.Price(), Quantity: l.Quantity}
	}

	app, err := x.o.deps.Promotions.Apply(ctx, promotion.Request{
		Code:       d.PromotionCode,
		OrderID:    x.order.ID,
		CustomerID: d.CustomerID,
		Items:      items,
	})
	if err != nil {
		reason := promotion.Reason(err)
		if reason == "" {
			zctx.From(ctx).Warn("Apply promotion", zap.Error(err))
			reason = "promotion_unavailable"
		}
		x.advise(reason)
		x.j.failed(StagePromotion, err)
		return
	}

	x.res.Discount = app.DiscountAmount
	orderID := x.order.ID
	x.j.done(StagePromotion, func(ctx context.Context) error {
		return x.o.deps.Promotions.Release(ctx, orderID)
	})
}

func (x *execution) advise(reason string) {
	x.res.Advisories = append(x.res.Advisories, Advisory{Stage: StagePromotion, Reason: reason})
}

// pay settles the payment. It reports false when the attempt already ended
// with a fatal failure.
func (x *execution) pay(ctx context.Context, d order.Draft) (payment.SettlementResult, bool) {
	deps := x.o.deps
	lg := zctx.From(ctx)

	amount := decimal.Max(x.order.Subtotal.Sub(x.res.Discount), decimal.Zero).Round(2)
	x.res.Amount = amount
	x.order.Discount = x.res.Discount
	x.order.Total = amount

	method := payment.Method(d.PaymentMethod)
	attempt := &payment.Attempt{
		OrderID: x.order.ID,
		Method:  method,
		Amount:  amount,
		Status:  payment.StatusPending,
	}
	if deps.Payments != nil {
		if err := deps.Payments.CreateAttempt(ctx, attempt); err != nil {
			x.fatal(ctx, StagePayment, err)
			return payment.SettlementResult{}, false
		}
	}
	x.res.PaymentStatus = payment.StatusPending

	var settled payment.SettlementResult
	if method.Async() {
		s := payment.NewSettlement(deps.Gateway, deps.Windows, x.o.cfg.Settlement,
			func(state payment.State, session *payment.Session) {
				url := ""
				if session != nil {
					url = session.URL
				}
				x.report(StagePayment, state, url)
			},
		)
		var err error
		settled, err = s.Settle(ctx, x.order.ID, amount)
		if err != nil {
			settled = payment.SettlementResult{Status: payment.StatusFailed, Reason: err.Error()}
		}
		x.o.metrics.polls.Add(x.cleanup, int64(settled.Polls))
	} else {
		sr, err := deps.Gateway.SettleSync(ctx, x.order.ID, amount, method)
		if err != nil {
			lg.Warn("Settle payment", zap.Error(err))
			settled = payment.SettlementResult{Status: payment.StatusFailed, Reason: payment.ReasonGatewayUnavailable}
		} else {
			settled = payment.SettlementResult{Status: sr.Status, Reason: sr.Reason}
		}
	}

	x.res.PaymentStatus = settled.Status
	lg.Info("Payment settled",
		zap.String("method", string(method)),
		zap.String("status", string(settled.Status)),
		zap.String("reason", settled.Reason),
		zap.Int("polls", settled.Polls),
	)

	if deps.Payments != nil {
		attempt.Status = settled.Status
		attempt.Reference = settled.Reference
		attempt.Reason = settled.Reason
		attempt.Polls = settled.Polls
		if err := deps.Payments.UpdateAttempt(x.cleanup, attempt); err != nil {
			lg.Error("Record payment outcome", zap.Error(err))
		}
	}

	return settled, true
}

func (x *execution) finalize(ctx context.Context, settled payment.SettlementResult) {
	deps := x.o.deps
	lg := zctx.From(ctx)

	switch {
	case settled.Status == payment.StatusCompleted:
		x.j.done(StagePayment, nil)
		x.report(StageFinalize, "", "")
		if err := deps.Orders.Finalize(x.cleanup, x.order.ID, order.StatusCompleted); err != nil {
			// The customer has paid; the order stays open for reconciliation.
			lg.Error("Finalize paid order", zap.Error(err))
			x.j.failed(StageFinalize, err)
			x.fail(StageFinalize, "order could not be finalized after payment")
			return
		}
		x.order.Status = order.StatusCompleted
		x.j.done(StageFinalize, nil)
		x.res.Kind = KindSucceeded

	case settled.Status == payment.StatusTimedOut || settled.Reason == payment.ReasonAborted:
		// The payment may still settle; leave the order pending.
		x.j.failed(StagePayment, errors.New(settled.Reason))
		x.j.skipped(StageFinalize)
		x.fail(StagePayment, settled.Reason)

	default:
		x.j.failed(StagePayment, errors.New(settled.Reason))
		x.report(StageFinalize, "", "")
		if err := deps.Orders.Finalize(x.cleanup, x.order.ID, order.StatusCancelled); err != nil {
			lg.Error("Cancel unpaid order", zap.Error(err))
			x.j.failed(StageFinalize, err)
		} else {
			x.order.Status = order.StatusCancelled
			x.j.markCompensated(StagePersistOrder)
			x.j.done(StageFinalize, nil)
		}
		if x.o.cfg.Compensate {
			undo := []Stage{StagePromotion}
			if x.o.cfg.RestockOnPaymentFailure {
				undo = append(undo, StageInventory)
			}
			x.j.compensate(x.cleanup, undo...)
		}

		if settled.Status == payment.StatusCancelled {
			x.res.Kind = KindUserCancelled
			x.res.Reason = settled.Reason
			return
		}
		x.fail(StagePayment, settled.Reason)
	}
}

func (x *execution) fail(stage Stage, reason string) {
	x.res.Kind = KindFailed
	x.res.Stage = stage
	x.res.Reason = reason
}

// fatal ends the attempt at stage and compensates completed stages.
func (x *execution) fatal(ctx context.Context, stage Stage, err error) {
	zctx.From(ctx).Error("Checkout stage failed", zap.String("stage", string(stage)), zap.Error(err))
	x.j.failed(stage, err)
	x.fail(stage, failureReason(stage, err))
	if x.o.cfg.Compensate {
		x.j.compensate(x.cleanup)
	}
}

func failureReason(stage Stage, err error) string {
	var (
		stockErr   *inventory.InsufficientStockError
		missingErr *product.NotFoundError
	)
	switch {
	case errors.As(err, &stockErr):
		return stockErr.Error()
	case errors.As(err, &missingErr):
		return missingErr.Error()
	case errors.Is(err, order.ErrDuplicateDraft):
		return "draft was already submitted"
	}

	switch stage {
	case StagePersistOrder:
		return "order could not be saved"
	case StagePersistItems:
		return "order items could not be saved"
	case StageInventory:
		return "inventory could not be updated"
	case StagePayment:
		return "payment could not be recorded"
	default:
		return "unexpected failure"
	}
}
