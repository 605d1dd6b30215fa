/*
engine.go - Engine construction and shared plumbing

PURPOSE:
  Engine is the single arbiter of legal billing transitions. It owns no
  state: every operation loads what it needs from the Store, re-checks
  its guards inside a transaction, and returns.

DEPENDENCIES (all injected):
  Store         persistence (required)
  Notifier      receipt delivery after commit (default: no-op)
  BalanceCache  read-through cache for GetBalance (default: none)
  Clock         "now" for payment stamps and status derivation
  Location      calendar used to compare due dates (default: UTC)
  Logger        zap, named "billing.engine"

EXAMPLE:
  engine := billing.NewEngine(store,
      billing.WithNotifier(notify.NewLogNotifier(logger)),
      billing.WithLogger(logger),
  )
  plan, err := engine.CreatePlan(ctx, billing.CreatePlanInput{...})

SEE ALSO:
  - plan.go, installment.go, refund.go, query.go: operations
*/
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BalanceCache caches computed balances per enrollment. Implementations
// must treat their own failures as misses.
//
// Every enrollment carries a generation that Invalidate advances. Get
// reports the generation current at read time, and Set stores b only if
// the generation is still gen, so a balance computed before an
// invalidation is never written back after it.
type BalanceCache interface {
	Get(ctx context.Context, enrollmentID string) (b *PlanBalance, gen int64, ok bool)
	Set(ctx context.Context, enrollmentID string, gen int64, b PlanBalance)
	Invalidate(ctx context.Context, enrollmentID string)
}

type noCache struct{}

func (noCache) Get(context.Context, string) (*PlanBalance, int64, bool) { return nil, 0, false }
func (noCache) Set(context.Context, string, int64, PlanBalance)          {}
func (noCache) Invalidate(context.Context, string)                       {}

type Engine struct {
	store    Store
	notifier Notifier
	cache    BalanceCache
	clock    Clock
	loc      *time.Location
	currency string
	places   int32
	log      *zap.Logger
	newID    func() string
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

func WithBalanceCache(c BalanceCache) Option {
	return func(e *Engine) {
		if c != nil {
			e.cache = c
		}
	}
}

func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLocation sets the calendar used for due-date comparisons.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithCurrency sets the receipt currency and the rounding of generated
// schedules.
func WithCurrency(code string) Option {
	return func(e *Engine) {
		if code != "" {
			e.currency = code
			e.places = CurrencyPlaces(code)
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l.Named("billing.engine")
		}
	}
}

// WithIDGenerator replaces uuid generation, for deterministic fixtures.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		notifier: noopNotifier{},
		cache:    noCache{},
		clock:    SystemClock(),
		loc:      time.UTC,
		currency: DefaultCurrency,
		places:   CurrencyPlaces(DefaultCurrency),
		log:      zap.NewNop(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the underlying store to adapters such as the outbox relay.
func (e *Engine) Store() Store { return e.store }

func (e *Engine) Currency() string { return e.currency }

func (e *Engine) Location() *time.Location { return e.loc }

// now returns the clock's time in the engine's calendar.
func (e *Engine) now() time.Time { return e.clock.Now().In(e.loc) }

// today returns midnight of the current calendar day.
func (e *Engine) today() time.Time { return calendarDay(e.now(), e.loc) }

// Today returns midnight of the current day in the engine's location.
func (e *Engine) Today() time.Time { return e.today() }

// invalidate drops cached balances after a committed mutation.
func (e *Engine) invalidate(ctx context.Context, enrollmentID string) {
	if enrollmentID != "" {
		e.cache.Invalidate(ctx, enrollmentID)
	}
}

// enrollmentForPlan resolves the enrollment id that owns planID.
func enrollmentForPlan(ctx context.Context, tx Tx, planID string) (string, error) {
	plan, err := tx.GetPlan(ctx, planID)
	if err != nil {
		return "", err
	}
	if plan == nil {
		return "", notFound("payment plan", planID)
	}
	return plan.EnrollmentID, nil
}

func zapPlan(p PaymentPlan) []zap.Field {
	return []zap.Field{
		zap.String("plan_id", p.ID),
		zap.String("enrollment_id", p.EnrollmentID),
		zap.String("final_amount", p.FinalAmount.String()),
		zap.Int("total_installments", p.TotalInstallments),
	}
}
