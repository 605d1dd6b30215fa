/*
refund.go - Refund approval workflow

STATE MACHINE:

    RequestRefund        ApproveRefund         ProcessRefund
  ----------------> PENDING ----------> APPROVED ----------> COMPLETED

  Forward only, no skipping. Each transition is a compare-and-swap on the
  stored status and stamps the actor and time. Any out-of-order call is a
  Conflict:

    approve when not PENDING   -> ErrRefundAlreadyProcessed
    process when not APPROVED  -> ErrRefundNotApproved

  The workflow records decisions only. Moving funds is handled elsewhere.
*/
package billing

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type RequestRefundInput struct {
	EnrollmentID  string  `json:"enrollment_id" validate:"notblank"`
	InstallmentID *string `json:"installment_id,omitempty" validate:"omitempty,notblank"`
	Amount        Money   `json:"refund_amount" validate:"positive"`
	Reason        string  `json:"refund_reason" validate:"notblank,max=2000"`
	Method        string  `json:"refund_method,omitempty" validate:"max=100"`
	Notes         string  `json:"notes,omitempty" validate:"max=2000"`
	RequestedBy   string  `json:"requested_by" validate:"notblank"`
}

type ProcessRefundInput struct {
	ProcessedBy string `json:"processed_by" validate:"notblank"`
	ReceiptURL  string `json:"receipt_url,omitempty" validate:"omitempty,url"`
}

// RequestRefund opens a PENDING refund for an enrollment, optionally tied
// to one of its installments.
func (e *Engine) RequestRefund(ctx context.Context, in RequestRefundInput) (*Refund, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	now := e.now()
	r := Refund{
		ID:            e.newID(),
		EnrollmentID:  in.EnrollmentID,
		InstallmentID: in.InstallmentID,
		Amount:        in.Amount,
		Reason:        in.Reason,
		Method:        in.Method,
		Notes:         in.Notes,
		Status:        RefundPending,
		RequestedBy:   in.RequestedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := e.store.WithTx(ctx, func(tx Tx) error {
		en, err := tx.GetEnrollment(ctx, in.EnrollmentID)
		if err != nil {
			return fmt.Errorf("load enrollment: %w", err)
		}
		if en == nil {
			return notFound("enrollment", in.EnrollmentID)
		}
		if in.InstallmentID != nil {
			if err := checkInstallmentOfEnrollment(ctx, tx, *in.InstallmentID, in.EnrollmentID); err != nil {
				return err
			}
		}
		if err := tx.InsertRefund(ctx, r); err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("refund requested",
		zap.String("refund_id", r.ID),
		zap.String("enrollment_id", r.EnrollmentID),
		zap.String("amount", r.Amount.String()),
		zap.String("requested_by", r.RequestedBy))
	return &r, nil
}

// checkInstallmentOfEnrollment fails with NotFound unless the installment
// belongs to the enrollment's plan.
func checkInstallmentOfEnrollment(ctx context.Context, tx Tx, installmentID, enrollmentID string) error {
	inst, err := tx.GetInstallment(ctx, installmentID)
	if err != nil {
		return fmt.Errorf("load installment: %w", err)
	}
	if inst == nil {
		return notFound("installment", installmentID)
	}
	owner, err := enrollmentForPlan(ctx, tx, inst.PlanID)
	if err != nil {
		return err
	}
	if owner != enrollmentID {
		return notFound("installment", installmentID)
	}
	return nil
}

// ApproveRefund moves a PENDING refund to APPROVED.
func (e *Engine) ApproveRefund(ctx context.Context, refundID, approvedBy string) (*Refund, error) {
	if err := requireField("approved_by", approvedBy); err != nil {
		return nil, err
	}
	r, err := e.transitionRefund(ctx, refundID, RefundPending, RefundTransition{
		To:    RefundApproved,
		Actor: approvedBy,
		At:    e.now(),
	}, ErrRefundAlreadyProcessed)
	if err != nil {
		return nil, err
	}
	e.log.Info("refund approved", zap.String("refund_id", refundID), zap.String("approved_by", approvedBy))
	return r, nil
}

// ProcessRefund moves an APPROVED refund to COMPLETED.
func (e *Engine) ProcessRefund(ctx context.Context, refundID string, in ProcessRefundInput) (*Refund, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	r, err := e.transitionRefund(ctx, refundID, RefundApproved, RefundTransition{
		To:         RefundCompleted,
		Actor:      in.ProcessedBy,
		At:         e.now(),
		ReceiptURL: in.ReceiptURL,
	}, ErrRefundNotApproved)
	if err != nil {
		return nil, err
	}
	e.log.Info("refund processed", zap.String("refund_id", refundID), zap.String("processed_by", in.ProcessedBy))
	return r, nil
}

// transitionRefund applies t when the refund is in state from, otherwise
// returns a Conflict carrying reason.
func (e *Engine) transitionRefund(ctx context.Context, refundID string, from RefundStatus, t RefundTransition, reason error) (*Refund, error) {
	var out *Refund
	err := e.store.WithTx(ctx, func(tx Tx) error {
		r, err := tx.GetRefund(ctx, refundID)
		if err != nil {
			return fmt.Errorf("load refund: %w", err)
		}
		if r == nil {
			return notFound("refund", refundID)
		}
		if r.Status != from {
			return conflict(reason, "refund", refundID)
		}
		applied, err := tx.TransitionRefund(ctx, refundID, from, t)
		if err != nil {
			return fmt.Errorf("transition refund: %w", err)
		}
		if !applied {
			return conflict(reason, "refund", refundID)
		}
		if out, err = tx.GetRefund(ctx, refundID); err != nil {
			return fmt.Errorf("reload refund: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
