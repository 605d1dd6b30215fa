/*
store.go - Persistence contract for plans, installments, refunds and outbox

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never keeps state of its own; every guard is re-checked against the
  store inside a transaction.

KEY INTERFACES:
  Tx:     row operations, usable inside WithTx or directly on the Store
  Store:  Tx + WithTx + list queries used by reports and the outbox relay

CONDITIONAL UPDATES:
  Writes whose legality depends on the row's current state are expressed
  as a single guarded statement and report whether they applied:

    MarkInstallmentPaid        ... WHERE id = ? AND payment_date IS NULL
    UpdatePaymentDetails       ... WHERE id = ? AND payment_date IS NOT NULL
    UpdateInstallmentSchedule  ... WHERE id = ? AND payment_date IS NULL
    DeleteUnpaidInstallment    ... WHERE id = ? AND payment_date IS NULL
    TransitionRefund           ... WHERE id = ? AND status = ?

  applied == false means another writer got there first (or the row is
  in the wrong state). The engine turns that into a ConflictError.

NOT FOUND:
  Get* methods return (nil, nil) when the row does not exist.

IMPLEMENTATIONS:
  - billing/store/memory.go: in-memory, tests and dev
  - store/sqlite/sqlite.go:  database/sql + go-sqlite3
  - store/postgres/postgres.go: gorm, SELECT ... FOR UPDATE

SEE ALSO:
  - engine.go: the only caller
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// WRITE PAYLOADS
// =============================================================================

// PaymentRecord is written once, when an installment is paid.
type PaymentRecord struct {
	PaidAt          time.Time
	Method          PaymentMethod
	ReceiptNumber   string
	ReceiptURL      string
	ReferenceNumber string
	Notes           string
	ReceiptMakerID  string
}

// PaymentDetails corrects metadata of a paid installment. Nil fields are
// left unchanged. Amount and payment date are not correctable.
type PaymentDetails struct {
	Method          *PaymentMethod `json:"payment_method,omitempty" validate:"omitempty,payment_method"`
	ReceiptNumber   *string        `json:"receipt_number,omitempty"`
	ReceiptURL      *string        `json:"receipt_url,omitempty" validate:"omitempty,url"`
	ReferenceNumber *string        `json:"reference_number,omitempty"`
	Notes           *string        `json:"notes,omitempty"`
}

// ScheduleChange edits an unpaid installment. Nil fields are left unchanged.
type ScheduleChange struct {
	Amount  *Money     `json:"amount,omitempty" validate:"omitempty,positive"`
	DueDate *time.Time `json:"due_date,omitempty"`
}

// RefundTransition moves a refund forward and stamps the actor.
type RefundTransition struct {
	To         RefundStatus
	Actor      string
	At         time.Time
	ReceiptURL string // COMPLETED only
}

// DueQuery selects unpaid installments by due date. Zero bounds are open.
// DueFrom is inclusive, DueBefore exclusive.
type DueQuery struct {
	DueFrom   time.Time
	DueBefore time.Time
	Page
}

// PlanInstallment is an installment joined with its plan's enrollment.
type PlanInstallment struct {
	Installment
	EnrollmentID string
}

// =============================================================================
// TX - Row operations
// =============================================================================

type Tx interface {
	// Enrollment mirror
	GetEnrollment(ctx context.Context, id string) (*Enrollment, error)
	UpsertEnrollment(ctx context.Context, e Enrollment) error

	// Plans. InsertPlan returns ErrDuplicate when the enrollment has a plan.
	InsertPlan(ctx context.Context, plan PaymentPlan) error
	GetPlan(ctx context.Context, id string) (*PaymentPlan, error)
	GetPlanByEnrollment(ctx context.Context, enrollmentID string) (*PaymentPlan, error)
	// LockPlan reads the plan and holds a row lock until the transaction ends.
	LockPlan(ctx context.Context, id string) (*PaymentPlan, error)
	UpdatePlan(ctx context.Context, plan PaymentPlan) error
	// DeletePlan removes the plan and cascades to its installments.
	DeletePlan(ctx context.Context, id string) error

	// Installments. InsertInstallments returns ErrDuplicate on a repeated
	// (plan, installment number).
	InsertInstallments(ctx context.Context, items []Installment) error
	GetInstallment(ctx context.Context, id string) (*Installment, error)
	ListInstallments(ctx context.Context, planID string) ([]Installment, error)
	MaxInstallmentNumber(ctx context.Context, planID string) (int, error)
	CountPaidInstallments(ctx context.Context, planID string) (int, error)
	MarkInstallmentPaid(ctx context.Context, id string, rec PaymentRecord) (bool, error)
	UpdatePaymentDetails(ctx context.Context, id string, d PaymentDetails, at time.Time) (bool, error)
	UpdateInstallmentSchedule(ctx context.Context, id string, c ScheduleChange, at time.Time) (bool, error)
	DeleteUnpaidInstallment(ctx context.Context, id string) (bool, error)

	// Refunds
	InsertRefund(ctx context.Context, r Refund) error
	GetRefund(ctx context.Context, id string) (*Refund, error)
	TransitionRefund(ctx context.Context, id string, from RefundStatus, t RefundTransition) (bool, error)

	// Outbox
	EnqueueOutbox(ctx context.Context, m OutboxMessage) error
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	Tx

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// ListPlans returns one page of plans and the total matching count,
	// newest first.
	ListPlans(ctx context.Context, f PlanFilter) ([]PaymentPlan, int64, error)

	// ListUnpaidDue returns unpaid installments ordered by due date, then
	// installment number. Installments without a due date are excluded.
	ListUnpaidDue(ctx context.Context, q DueQuery) ([]PlanInstallment, int64, error)

	// ListRefunds returns one page of refunds, newest first.
	ListRefunds(ctx context.Context, f RefundFilter) ([]Refund, int64, error)

	// PendingOutbox returns up to limit undelivered messages with fewer than
	// maxAttempts attempts, oldest first.
	PendingOutbox(ctx context.Context, limit, maxAttempts int) ([]OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id string, at time.Time) error
	// MarkOutboxFailed increments attempts and records the error. When
	// dead is true the message is parked as failed and never retried.
	MarkOutboxFailed(ctx context.Context, id string, lastErr string, dead bool) error
}
