/*
Package billing provides the payment plan and installment billing engine.

PURPOSE:
  Tracks what a student owes for an enrollment, what has been paid, and the
  refund decisions made against it. Every status and balance shown by a
  dashboard, receipt or reminder job is derived here from stored facts.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amounts (no floats, no currency conversion)
  - PaymentPlan: the obligation for one enrollment, net of discount
  - Installment: one slice of the plan, paid when PaymentDate is set
  - Refund: an approval trail PENDING -> APPROVED -> COMPLETED
  - Enrollment: read mirror of the external enrollment service

DESIGN PRINCIPLES:
  1. Derived, never stored: installment status and plan balance are
     computed on read (status.go) so they cannot drift from the facts.
  2. Precision: decimal.Decimal for every amount.
  3. First write wins: PaymentDate is set at most once (installment.go).
  4. Explicit transactions: every guarded write runs inside Store.WithTx.

SEE ALSO:
  - status.go: DeriveInstallmentStatus, ComputePlanBalance
  - engine.go: Engine construction and options
  - store.go: persistence contract
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Money is an amount in the institute currency.
type Money = decimal.Decimal

// DefaultCurrency is the currency used on receipts when none is configured.
const DefaultCurrency = "BHD"

// MoneyPlaces is the number of fractional digits kept for stored amounts.
// BHD is subdivided into 1000 fils.
const MoneyPlaces int32 = 3

// MustMoney parses s or panics. Intended for tests and fixtures.
func MustMoney(s string) Money {
	return decimal.RequireFromString(s)
}

// =============================================================================
// IDENTIFIERS AND ENUMS
// =============================================================================

type PlanStatus string

const (
	PlanActive PlanStatus = "ACTIVE"
)

type PaymentMethod string

const (
	MethodBenefitPay    PaymentMethod = "BENEFIT_PAY"
	MethodBankTransfer  PaymentMethod = "BANK_TRANSFER"
	MethodCash          PaymentMethod = "CASH"
	MethodCardMachine   PaymentMethod = "CARD_MACHINE"
	MethodOnlinePayment PaymentMethod = "ONLINE_PAYMENT"
)

// PaymentMethods lists every accepted method, in display order.
var PaymentMethods = []PaymentMethod{
	MethodBenefitPay, MethodBankTransfer, MethodCash, MethodCardMachine, MethodOnlinePayment,
}

func (m PaymentMethod) Valid() bool {
	for _, known := range PaymentMethods {
		if m == known {
			return true
		}
	}
	return false
}

type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundApproved  RefundStatus = "APPROVED"
	RefundCompleted RefundStatus = "COMPLETED"
)

// InstallmentStatus is derived on read. See DeriveInstallmentStatus.
type InstallmentStatus string

const (
	StatusPaid    InstallmentStatus = "PAID"
	StatusOverdue InstallmentStatus = "OVERDUE"
	StatusPending InstallmentStatus = "PENDING"
)

// =============================================================================
// ENTITIES
// =============================================================================

// Enrollment is the subset of the enrollment service this engine reads.
type Enrollment struct {
	ID           string
	StudentID    string
	StudentName  string
	StudentEmail string
	TermID       string
	CreatedAt    time.Time
}

// PaymentPlan is the payment obligation of one enrollment (1:1).
//
// FinalAmount == TotalAmount - DiscountAmount, recomputed on every amendment.
// TotalInstallments is the declared count and can differ from the number of
// live installment rows after AddInstallment/DeleteInstallment.
type PaymentPlan struct {
	ID                string
	EnrollmentID      string
	TotalAmount       Money
	DiscountAmount    Money
	DiscountReason    string
	FinalAmount       Money
	TotalInstallments int
	Status            PlanStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Installment belongs to exactly one plan. PaymentDate != nil means paid.
type Installment struct {
	ID                string
	PlanID            string
	InstallmentNumber int
	Amount            Money
	DueDate           *time.Time
	PaymentDate       *time.Time
	PaymentMethod     PaymentMethod
	ReceiptNumber     string
	ReceiptURL        string
	ReferenceNumber   string // external gateway / BenefitPay reference
	Notes             string
	ReceiptMakerID    string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsPaid reports whether a payment has been recorded.
func (i Installment) IsPaid() bool { return i.PaymentDate != nil }

// Refund is the decision trail for returning funds. It never moves money.
type Refund struct {
	ID            string
	EnrollmentID  string
	InstallmentID *string
	Amount        Money
	Reason        string
	Method        string
	Notes         string
	Status        RefundStatus
	RequestedBy   string
	ApprovedBy    string
	ApprovedAt    *time.Time
	ProcessedBy   string
	ProcessedAt   *time.Time
	ReceiptURL    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// =============================================================================
// READ MODELS
// =============================================================================

// PlanBalance is the computed summary of a plan. Never persisted.
type PlanBalance struct {
	PlanID                    string     `json:"plan_id"`
	EnrollmentID              string     `json:"enrollment_id"`
	TotalAmount               Money      `json:"total_amount"`
	DiscountAmount            Money      `json:"discount_amount"`
	FinalAmount               Money      `json:"final_amount"`
	TotalPaid                 Money      `json:"total_paid"`
	Balance                   Money      `json:"balance"`
	TotalInstallments         int        `json:"total_installments"`
	LiveInstallments          int        `json:"live_installments"`
	PaidInstallments          int        `json:"paid_installments"`
	RemainingInstallments     int        `json:"remaining_installments"`
	RemainingLiveInstallments int        `json:"remaining_live_installments"`
	NextDueDate               *time.Time `json:"next_due_date,omitempty"`
	NextDueAmount             Money      `json:"next_due_amount"`
}

// InstallmentView is an installment with its derived status attached.
type InstallmentView struct {
	Installment
	Status InstallmentStatus
}

// PlanView is what dashboards and portals render for an enrollment.
type PlanView struct {
	Plan         PaymentPlan
	Enrollment   *Enrollment
	Installments []InstallmentView
	Balance      PlanBalance
}

// OverdueInstallment is one row of the overdue report.
type OverdueInstallment struct {
	Installment  Installment
	EnrollmentID string
	StudentName  string
	StudentEmail string
	DaysOverdue  int
}

// UpcomingInstallment is an unpaid installment due within a window.
type UpcomingInstallment struct {
	Installment  Installment
	EnrollmentID string
	StudentName  string
	StudentEmail string
	DaysUntilDue int
}

// Pagination describes one page of a list result.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}

// NewPagination fills the derived fields from page, limit and total.
func NewPagination(page, limit int, total int64) Pagination {
	totalPages := 0
	if limit > 0 {
		totalPages = int((total + int64(limit) - 1) / int64(limit))
	}
	return Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}

// Page is the paging request shared by list queries.
type Page struct {
	Page  int
	Limit int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Normalize applies defaults and bounds.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int { return (p.Page - 1) * p.Limit }

// PlanFilter narrows ListPlans.
type PlanFilter struct {
	Status PlanStatus
	TermID string
	Page
}

// RefundFilter narrows ListRefunds.
type RefundFilter struct {
	Status       RefundStatus
	EnrollmentID string
	Page
}

// PlanSummary is a plan row with its balance, as listed to admins.
type PlanSummary struct {
	Plan       PaymentPlan
	Enrollment *Enrollment
	Balance    PlanBalance
}
