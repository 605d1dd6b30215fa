package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// =============================================================================
// INPUTS
// =============================================================================

// CreatePlanInput describes a new plan. The schedule is either explicit
// (Installments) or generated (Schedule), not both.
type CreatePlanInput struct {
	EnrollmentID      string        `json:"enrollment_id" validate:"notblank"`
	TotalAmount       Money         `json:"total_amount" validate:"positive"`
	DiscountAmount    Money         `json:"discount_amount" validate:"nonnegative"`
	DiscountReason    string        `json:"discount_reason,omitempty" validate:"max=500"`
	TotalInstallments int           `json:"total_installments" validate:"min=0,max=120"`
	Installments      []ScheduleRow `json:"installments,omitempty" validate:"omitempty,max=120,dive"`
	Schedule          *ScheduleSpec `json:"schedule,omitempty"`
}

// AmendPlanInput changes plan amounts. Nil fields keep their value.
// Installment amounts are never touched.
type AmendPlanInput struct {
	TotalAmount    *Money  `json:"total_amount,omitempty" validate:"omitempty,positive"`
	DiscountAmount *Money  `json:"discount_amount,omitempty" validate:"omitempty,nonnegative"`
	DiscountReason *string `json:"discount_reason,omitempty" validate:"omitempty,max=500"`
}

// =============================================================================
// ENROLLMENT MIRROR
// =============================================================================

// SyncEnrollment records the enrollment service's view of an enrollment.
func (e *Engine) SyncEnrollment(ctx context.Context, en Enrollment) error {
	if err := mergeValidation(
		requireField("id", en.ID),
		requireField("student_id", en.StudentID),
	); err != nil {
		return err
	}
	if en.CreatedAt.IsZero() {
		en.CreatedAt = e.now()
	}
	if err := e.store.UpsertEnrollment(ctx, en); err != nil {
		return fmt.Errorf("upsert enrollment %s: %w", en.ID, err)
	}
	e.invalidate(ctx, en.ID)
	return nil
}

func requireField(name, value string) error {
	if value == "" {
		return invalid(name, "this field is required")
	}
	return nil
}

// =============================================================================
// CREATE
// =============================================================================

// CreatePlan creates the plan and every schedule row in one transaction.
func (e *Engine) CreatePlan(ctx context.Context, in CreatePlanInput) (*PlanView, error) {
	rows, err := e.planRows(in)
	if err != nil {
		return nil, err
	}

	now := e.now()
	plan := PaymentPlan{
		ID:                e.newID(),
		EnrollmentID:      in.EnrollmentID,
		TotalAmount:       in.TotalAmount,
		DiscountAmount:    in.DiscountAmount,
		DiscountReason:    in.DiscountReason,
		FinalAmount:       in.TotalAmount.Sub(in.DiscountAmount),
		TotalInstallments: in.TotalInstallments,
		Status:            PlanActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if plan.TotalInstallments == 0 {
		plan.TotalInstallments = len(rows)
	}
	items := lo.Map(rows, func(r ScheduleRow, _ int) Installment {
		return Installment{
			ID:                e.newID(),
			PlanID:            plan.ID,
			InstallmentNumber: r.InstallmentNumber,
			Amount:            r.Amount,
			DueDate:           r.DueDate,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
	})

	var enrollment *Enrollment
	err = e.store.WithTx(ctx, func(tx Tx) error {
		en, err := tx.GetEnrollment(ctx, in.EnrollmentID)
		if err != nil {
			return fmt.Errorf("load enrollment: %w", err)
		}
		if en == nil {
			return notFound("enrollment", in.EnrollmentID)
		}
		enrollment = en

		existing, err := tx.GetPlanByEnrollment(ctx, in.EnrollmentID)
		if err != nil {
			return fmt.Errorf("load plan: %w", err)
		}
		if existing != nil {
			return conflict(ErrPlanExists, "enrollment", in.EnrollmentID)
		}

		if err := tx.InsertPlan(ctx, plan); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return conflict(ErrPlanExists, "enrollment", in.EnrollmentID)
			}
			return fmt.Errorf("insert plan: %w", err)
		}
		if err := tx.InsertInstallments(ctx, items); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return conflict(ErrDuplicateInstallment, "payment plan", plan.ID)
			}
			return fmt.Errorf("insert installments: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("payment plan created", zapPlan(plan)...)
	e.invalidate(ctx, plan.EnrollmentID)
	return &PlanView{
		Plan:         plan,
		Enrollment:   enrollment,
		Installments: viewInstallments(items, e.now()),
		Balance:      ComputePlanBalance(plan, items),
	}, nil
}

// planRows validates in and returns the schedule rows it describes.
func (e *Engine) planRows(in CreatePlanInput) ([]ScheduleRow, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if in.DiscountAmount.GreaterThan(in.TotalAmount) {
		return nil, invalid("discount_amount", "must not exceed total_amount")
	}

	rows := in.Installments
	switch {
	case len(in.Installments) > 0 && in.Schedule != nil:
		return nil, invalid("schedule", "give either installments or schedule, not both")
	case in.Schedule != nil:
		var err error
		if rows, err = in.Schedule.Rows(in.TotalAmount, in.DiscountAmount, e.places); err != nil {
			return nil, err
		}
	case len(in.Installments) == 0:
		return nil, invalid("installments", "at least one installment is required")
	}

	seen := make(map[int]bool, len(rows))
	for i, r := range rows {
		if r.Amount.IsNegative() || r.Amount.IsZero() {
			return nil, invalid("installments["+strconv.Itoa(i)+"].amount", "must be greater than zero")
		}
		if seen[r.InstallmentNumber] {
			return nil, invalid("installments["+strconv.Itoa(i)+"].installment_number", "duplicate installment number")
		}
		seen[r.InstallmentNumber] = true
	}
	return rows, nil
}

// =============================================================================
// AMEND
// =============================================================================

// AmendPlan merges in into the plan and recomputes FinalAmount.
func (e *Engine) AmendPlan(ctx context.Context, planID string, in AmendPlanInput) (*PaymentPlan, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	var plan PaymentPlan
	err := e.store.WithTx(ctx, func(tx Tx) error {
		p, err := tx.LockPlan(ctx, planID)
		if err != nil {
			return fmt.Errorf("lock plan: %w", err)
		}
		if p == nil {
			return notFound("payment plan", planID)
		}
		plan = *p

		if in.TotalAmount != nil {
			plan.TotalAmount = *in.TotalAmount
		}
		if in.DiscountAmount != nil {
			plan.DiscountAmount = *in.DiscountAmount
		}
		if in.DiscountReason != nil {
			plan.DiscountReason = *in.DiscountReason
		}
		if plan.DiscountAmount.GreaterThan(plan.TotalAmount) {
			return invalid("discount_amount", "must not exceed total_amount")
		}
		plan.FinalAmount = plan.TotalAmount.Sub(plan.DiscountAmount)
		plan.UpdatedAt = e.now()

		if err := tx.UpdatePlan(ctx, plan); err != nil {
			return fmt.Errorf("update plan: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("payment plan amended", zapPlan(plan)...)
	e.invalidate(ctx, plan.EnrollmentID)
	return &plan, nil
}

// =============================================================================
// DELETE
// =============================================================================

// DeletePlan removes an unpaid plan and all of its installments.
func (e *Engine) DeletePlan(ctx context.Context, planID string) error {
	var enrollmentID string
	err := e.store.WithTx(ctx, func(tx Tx) error {
		p, err := tx.LockPlan(ctx, planID)
		if err != nil {
			return fmt.Errorf("lock plan: %w", err)
		}
		if p == nil {
			return notFound("payment plan", planID)
		}
		enrollmentID = p.EnrollmentID

		paid, err := tx.CountPaidInstallments(ctx, planID)
		if err != nil {
			return fmt.Errorf("count paid installments: %w", err)
		}
		if paid > 0 {
			return conflict(ErrPlanHasPaidInstallments, "payment plan", planID)
		}
		if err := tx.DeletePlan(ctx, planID); err != nil {
			return fmt.Errorf("delete plan: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Info("payment plan deleted", zap.String("plan_id", planID), zap.String("enrollment_id", enrollmentID))
	e.invalidate(ctx, enrollmentID)
	return nil
}
