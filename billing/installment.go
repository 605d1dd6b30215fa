/*
installment.go - Recording payments and editing the schedule

PURPOSE:
  The payment path and the schedule edits around it.

PAYMENT (first write wins):
  RecordPayment never checks-then-writes. Inside one transaction it
  locks the plan row, then issues

    UPDATE installments SET payment_date = now, ...
     WHERE id = ? AND payment_date IS NULL

  and treats "0 rows" as ErrAlreadyPaid. Two concurrent callers on the
  same installment get exactly one success and one Conflict.

  The receipt is enqueued in the same transaction and delivered after
  commit (outbox.go).

PAID ROWS ARE HISTORY:
  Once paid, amount and due date are frozen. Only the correction fields
  (method, receipt, reference, notes) change, via UpdatePaymentDetails,
  which is legal only on paid rows.

SEE ALSO:
  - store.go: conditional update contract
  - outbox.go: post-commit delivery
*/
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// =============================================================================
// INPUTS
// =============================================================================

type RecordPaymentInput struct {
	Method          PaymentMethod `json:"payment_method" validate:"required,payment_method"`
	ReceiptNumber   string        `json:"receipt_number,omitempty" validate:"max=100"`
	ReceiptURL      string        `json:"receipt_url,omitempty" validate:"omitempty,url"`
	ReferenceNumber string        `json:"reference_number,omitempty" validate:"max=200"`
	Notes           string        `json:"notes,omitempty" validate:"max=2000"`
	ActorID         string        `json:"actor_id" validate:"notblank"`
}

type AddInstallmentInput struct {
	Amount  Money      `json:"amount" validate:"positive"`
	DueDate *time.Time `json:"due_date,omitempty"`
}

// PaymentResult is the paid installment and the plan balance after it.
type PaymentResult struct {
	Installment InstallmentView
	Balance     PlanBalance
}

// =============================================================================
// RECORD PAYMENT
// =============================================================================

// RecordPayment marks an unpaid installment as paid as of now.
func (e *Engine) RecordPayment(ctx context.Context, installmentID string, in RecordPaymentInput) (*PaymentResult, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	now := e.now()
	var (
		result PaymentResult
		msg    OutboxMessage
		plan   PaymentPlan
	)
	err := e.store.WithTx(ctx, func(tx Tx) error {
		inst, err := tx.GetInstallment(ctx, installmentID)
		if err != nil {
			return fmt.Errorf("load installment: %w", err)
		}
		if inst == nil {
			return notFound("installment", installmentID)
		}
		p, err := tx.LockPlan(ctx, inst.PlanID)
		if err != nil {
			return fmt.Errorf("lock plan: %w", err)
		}
		if p == nil {
			return notFound("payment plan", inst.PlanID)
		}
		plan = *p

		applied, err := tx.MarkInstallmentPaid(ctx, installmentID, PaymentRecord{
			PaidAt:          now,
			Method:          in.Method,
			ReceiptNumber:   in.ReceiptNumber,
			ReceiptURL:      in.ReceiptURL,
			ReferenceNumber: in.ReferenceNumber,
			Notes:           in.Notes,
			ReceiptMakerID:  in.ActorID,
		})
		if err != nil {
			return fmt.Errorf("mark installment paid: %w", err)
		}
		if !applied {
			return conflict(ErrAlreadyPaid, "installment", installmentID)
		}

		items, err := tx.ListInstallments(ctx, plan.ID)
		if err != nil {
			return fmt.Errorf("list installments: %w", err)
		}
		paid, ok := lo.Find(items, func(i Installment) bool { return i.ID == installmentID })
		if !ok {
			return notFound("installment", installmentID)
		}
		result = PaymentResult{
			Installment: InstallmentView{Installment: paid, Status: StatusPaid},
			Balance:     ComputePlanBalance(plan, items),
		}

		en, err := tx.GetEnrollment(ctx, plan.EnrollmentID)
		if err != nil {
			return fmt.Errorf("load enrollment: %w", err)
		}
		msg, err = e.receiptMessage(paid, plan, en, result.Balance, now)
		if err != nil {
			return err
		}
		if err := tx.EnqueueOutbox(ctx, msg); err != nil {
			return fmt.Errorf("enqueue receipt: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyPaid) {
			e.log.Info("duplicate payment rejected", zap.String("installment_id", installmentID))
		}
		return nil, err
	}

	e.log.Info("payment recorded",
		zap.String("installment_id", installmentID),
		zap.String("plan_id", plan.ID),
		zap.String("method", string(in.Method)),
		zap.String("amount", result.Installment.Amount.String()),
		zap.String("actor_id", in.ActorID),
	)
	e.invalidate(ctx, plan.EnrollmentID)
	e.deliverNow(context.WithoutCancel(ctx), msg)
	return &result, nil
}

func (e *Engine) receiptMessage(paid Installment, plan PaymentPlan, en *Enrollment, b PlanBalance, now time.Time) (OutboxMessage, error) {
	r := Receipt{
		InstallmentID:     paid.ID,
		InstallmentNumber: paid.InstallmentNumber,
		EnrollmentID:      plan.EnrollmentID,
		Amount:            paid.Amount,
		Currency:          e.currency,
		Method:            paid.PaymentMethod,
		ReceiptNumber:     paid.ReceiptNumber,
		PaidAt:            now,
		TotalPaid:         b.TotalPaid,
		Balance:           b.Balance,
	}
	if en != nil {
		r.RecipientName = en.StudentName
		r.RecipientEmail = en.StudentEmail
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("encode receipt: %w", err)
	}
	return OutboxMessage{
		ID:        e.newID(),
		Kind:      OutboxPaymentReceipt,
		Payload:   payload,
		Status:    OutboxPending,
		CreatedAt: now,
	}, nil
}

// =============================================================================
// CORRECTIONS ON PAID ROWS
// =============================================================================

// UpdatePaymentDetails corrects the metadata of a paid installment.
func (e *Engine) UpdatePaymentDetails(ctx context.Context, installmentID string, d PaymentDetails) (*Installment, error) {
	if err := validateInput(d); err != nil {
		return nil, err
	}

	var (
		updated      *Installment
		enrollmentID string
	)
	err := e.store.WithTx(ctx, func(tx Tx) error {
		inst, err := tx.GetInstallment(ctx, installmentID)
		if err != nil {
			return fmt.Errorf("load installment: %w", err)
		}
		if inst == nil {
			return notFound("installment", installmentID)
		}
		applied, err := tx.UpdatePaymentDetails(ctx, installmentID, d, e.now())
		if err != nil {
			return fmt.Errorf("update payment details: %w", err)
		}
		if !applied {
			return conflict(ErrNotYetPaid, "installment", installmentID)
		}
		if updated, err = tx.GetInstallment(ctx, installmentID); err != nil {
			return fmt.Errorf("reload installment: %w", err)
		}
		enrollmentID, err = enrollmentForPlan(ctx, tx, inst.PlanID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("payment details corrected", zap.String("installment_id", installmentID))
	e.invalidate(ctx, enrollmentID)
	return updated, nil
}

// =============================================================================
// SCHEDULE EDITS ON UNPAID ROWS
// =============================================================================

// AddInstallment appends an installment numbered max+1. Sibling amounts
// are not recalculated.
func (e *Engine) AddInstallment(ctx context.Context, planID string, in AddInstallmentInput) (*Installment, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	var (
		created      Installment
		enrollmentID string
	)
	err := e.store.WithTx(ctx, func(tx Tx) error {
		plan, err := tx.LockPlan(ctx, planID)
		if err != nil {
			return fmt.Errorf("lock plan: %w", err)
		}
		if plan == nil {
			return notFound("payment plan", planID)
		}
		enrollmentID = plan.EnrollmentID

		last, err := tx.MaxInstallmentNumber(ctx, planID)
		if err != nil {
			return fmt.Errorf("max installment number: %w", err)
		}
		now := e.now()
		created = Installment{
			ID:                e.newID(),
			PlanID:            planID,
			InstallmentNumber: last + 1,
			Amount:            in.Amount,
			DueDate:           in.DueDate,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.InsertInstallments(ctx, []Installment{created}); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return conflict(ErrDuplicateInstallment, "payment plan", planID)
			}
			return fmt.Errorf("insert installment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("installment added",
		zap.String("plan_id", planID),
		zap.Int("installment_number", created.InstallmentNumber))
	e.invalidate(ctx, enrollmentID)
	return &created, nil
}

// UpdateInstallment changes amount and/or due date of an unpaid installment.
func (e *Engine) UpdateInstallment(ctx context.Context, installmentID string, c ScheduleChange) (*Installment, error) {
	if err := validateInput(c); err != nil {
		return nil, err
	}

	var (
		updated      *Installment
		enrollmentID string
	)
	err := e.store.WithTx(ctx, func(tx Tx) error {
		inst, err := tx.GetInstallment(ctx, installmentID)
		if err != nil {
			return fmt.Errorf("load installment: %w", err)
		}
		if inst == nil {
			return notFound("installment", installmentID)
		}
		applied, err := tx.UpdateInstallmentSchedule(ctx, installmentID, c, e.now())
		if err != nil {
			return fmt.Errorf("update installment: %w", err)
		}
		if !applied {
			return conflict(ErrPaidInstallmentImmutable, "installment", installmentID)
		}
		if updated, err = tx.GetInstallment(ctx, installmentID); err != nil {
			return fmt.Errorf("reload installment: %w", err)
		}
		enrollmentID, err = enrollmentForPlan(ctx, tx, inst.PlanID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("installment updated", zap.String("installment_id", installmentID))
	e.invalidate(ctx, enrollmentID)
	return updated, nil
}

// DeleteInstallment removes an unpaid installment.
func (e *Engine) DeleteInstallment(ctx context.Context, installmentID string) error {
	var enrollmentID string
	err := e.store.WithTx(ctx, func(tx Tx) error {
		inst, err := tx.GetInstallment(ctx, installmentID)
		if err != nil {
			return fmt.Errorf("load installment: %w", err)
		}
		if inst == nil {
			return notFound("installment", installmentID)
		}
		if enrollmentID, err = enrollmentForPlan(ctx, tx, inst.PlanID); err != nil {
			return err
		}
		applied, err := tx.DeleteUnpaidInstallment(ctx, installmentID)
		if err != nil {
			return fmt.Errorf("delete installment: %w", err)
		}
		if !applied {
			return conflict(ErrPaidInstallmentImmutable, "installment", installmentID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Info("installment deleted", zap.String("installment_id", installmentID))
	e.invalidate(ctx, enrollmentID)
	return nil
}
