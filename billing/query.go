package billing

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// =============================================================================
// PLAN AND BALANCE
// =============================================================================

// GetPlanByEnrollment returns the plan, its installments with derived
// status (ordered by number), and the balance.
func (e *Engine) GetPlanByEnrollment(ctx context.Context, enrollmentID string) (*PlanView, error) {
	plan, err := e.store.GetPlanByEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	if plan == nil {
		return nil, notFound("payment plan", enrollmentID)
	}
	return e.planView(ctx, *plan)
}

// GetPlan is GetPlanByEnrollment keyed by plan id.
func (e *Engine) GetPlan(ctx context.Context, planID string) (*PlanView, error) {
	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	if plan == nil {
		return nil, notFound("payment plan", planID)
	}
	return e.planView(ctx, *plan)
}

func (e *Engine) planView(ctx context.Context, plan PaymentPlan) (*PlanView, error) {
	items, err := e.store.ListInstallments(ctx, plan.ID)
	if err != nil {
		return nil, fmt.Errorf("list installments: %w", err)
	}
	en, err := e.store.GetEnrollment(ctx, plan.EnrollmentID)
	if err != nil {
		return nil, fmt.Errorf("load enrollment: %w", err)
	}
	return &PlanView{
		Plan:         plan,
		Enrollment:   en,
		Installments: viewInstallments(items, e.now()),
		Balance:      ComputePlanBalance(plan, items),
	}, nil
}

// GetBalance returns the balance of the enrollment's plan, served from the
// balance cache when present. The cache generation is read before the
// store so a concurrent mutation's invalidation wins over this fill.
func (e *Engine) GetBalance(ctx context.Context, enrollmentID string) (*PlanBalance, error) {
	cached, gen, ok := e.cache.Get(ctx, enrollmentID)
	if ok {
		return cached, nil
	}
	plan, err := e.store.GetPlanByEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	if plan == nil {
		return nil, notFound("payment plan", enrollmentID)
	}
	items, err := e.store.ListInstallments(ctx, plan.ID)
	if err != nil {
		return nil, fmt.Errorf("list installments: %w", err)
	}
	b := ComputePlanBalance(*plan, items)
	e.cache.Set(ctx, enrollmentID, gen, b)
	return &b, nil
}

// ListPlans returns plans with their balances, newest first.
func (e *Engine) ListPlans(ctx context.Context, f PlanFilter) ([]PlanSummary, Pagination, error) {
	f.Page = f.Page.Normalize()
	plans, total, err := e.store.ListPlans(ctx, f)
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("list plans: %w", err)
	}
	enrollments := e.enrollmentLookup(ctx)
	out := make([]PlanSummary, 0, len(plans))
	for _, p := range plans {
		items, err := e.store.ListInstallments(ctx, p.ID)
		if err != nil {
			return nil, Pagination{}, fmt.Errorf("list installments: %w", err)
		}
		out = append(out, PlanSummary{
			Plan:       p,
			Enrollment: enrollments(p.EnrollmentID),
			Balance:    ComputePlanBalance(p, items),
		})
	}
	return out, NewPagination(f.Page.Page, f.Limit, total), nil
}

// =============================================================================
// DUE DATES
// =============================================================================

// ListOverdueInstallments returns unpaid installments due before today,
// oldest due date first.
func (e *Engine) ListOverdueInstallments(ctx context.Context, page Page) ([]OverdueInstallment, Pagination, error) {
	page = page.Normalize()
	now := e.now()
	rows, total, err := e.store.ListUnpaidDue(ctx, DueQuery{DueBefore: e.today(), Page: page})
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("list overdue: %w", err)
	}

	enrollments := e.enrollmentLookup(ctx)
	out := make([]OverdueInstallment, 0, len(rows))
	for _, r := range rows {
		if DeriveInstallmentStatus(r.PaymentDate, r.DueDate, now) != StatusOverdue {
			continue
		}
		row := OverdueInstallment{
			Installment:  r.Installment,
			EnrollmentID: r.EnrollmentID,
			DaysOverdue:  daysBetween(*r.DueDate, now, e.loc),
		}
		if en := enrollments(r.EnrollmentID); en != nil {
			row.StudentName, row.StudentEmail = en.StudentName, en.StudentEmail
		}
		out = append(out, row)
	}
	return out, NewPagination(page.Page, page.Limit, total), nil
}

// ListUpcomingInstallments returns unpaid installments due from today
// through today+withinDays, soonest first.
func (e *Engine) ListUpcomingInstallments(ctx context.Context, withinDays int, page Page) ([]UpcomingInstallment, Pagination, error) {
	if withinDays < 0 {
		return nil, Pagination{}, invalid("days", "must not be negative")
	}
	page = page.Normalize()
	now := e.now()
	today := e.today()
	rows, total, err := e.store.ListUnpaidDue(ctx, DueQuery{
		DueFrom:   today,
		DueBefore: today.AddDate(0, 0, withinDays+1),
		Page:      page,
	})
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("list upcoming: %w", err)
	}

	enrollments := e.enrollmentLookup(ctx)
	out := lo.Map(rows, func(r PlanInstallment, _ int) UpcomingInstallment {
		row := UpcomingInstallment{
			Installment:  r.Installment,
			EnrollmentID: r.EnrollmentID,
			DaysUntilDue: daysBetween(now, *r.DueDate, e.loc),
		}
		if en := enrollments(r.EnrollmentID); en != nil {
			row.StudentName, row.StudentEmail = en.StudentName, en.StudentEmail
		}
		return row
	})
	return out, NewPagination(page.Page, page.Limit, total), nil
}

// enrollmentLookup memoizes enrollment reads for one listing. Lookup
// errors degrade to a missing name.
func (e *Engine) enrollmentLookup(ctx context.Context) func(id string) *Enrollment {
	seen := map[string]*Enrollment{}
	return func(id string) *Enrollment {
		if en, ok := seen[id]; ok {
			return en
		}
		en, err := e.store.GetEnrollment(ctx, id)
		if err != nil {
			e.log.Warn("enrollment lookup failed", zap.String("enrollment_id", id), zap.Error(err))
		}
		seen[id] = en
		return en
	}
}

// =============================================================================
// REFUNDS
// =============================================================================

func (e *Engine) GetRefund(ctx context.Context, refundID string) (*Refund, error) {
	r, err := e.store.GetRefund(ctx, refundID)
	if err != nil {
		return nil, fmt.Errorf("load refund: %w", err)
	}
	if r == nil {
		return nil, notFound("refund", refundID)
	}
	return r, nil
}

// ListRefunds returns refunds, newest first.
func (e *Engine) ListRefunds(ctx context.Context, f RefundFilter) ([]Refund, Pagination, error) {
	f.Page = f.Page.Normalize()
	refunds, total, err := e.store.ListRefunds(ctx, f)
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("list refunds: %w", err)
	}
	return refunds, NewPagination(f.Page.Page, f.Limit, total), nil
}
