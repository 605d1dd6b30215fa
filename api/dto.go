/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract:
  - snake_case field names
  - calendar dates as "YYYY-MM-DD" strings, timestamps as RFC3339
  - amounts as decimal strings ("83.330"), never floats

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Plans:        PlanDTO, PlanViewDTO, PlanSummaryDTO, CreatePlanRequest
  Installments: InstallmentDTO, OverdueDTO, UpcomingDTO, PaymentResultDTO
  Refunds:      RefundDTO
  Scenarios:    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Field rules live on the billing input types and run inside the engine.
  Handlers only convert dates and fill the acting user.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: domain types
*/
package api

import (
	"time"

	"github.com/warp/billing-engine/billing"
)

const dateLayout = "2006-01-02"

// =============================================================================
// RESPONSES
// =============================================================================

type EnrollmentDTO struct {
	ID           string `json:"id"`
	StudentID    string `json:"student_id"`
	StudentName  string `json:"student_name"`
	StudentEmail string `json:"student_email,omitempty"`
	TermID       string `json:"term_id,omitempty"`
}

type PlanDTO struct {
	ID                string `json:"id"`
	EnrollmentID      string `json:"enrollment_id"`
	TotalAmount       string `json:"total_amount"`
	DiscountAmount    string `json:"discount_amount"`
	DiscountReason    string `json:"discount_reason,omitempty"`
	FinalAmount       string `json:"final_amount"`
	TotalInstallments int    `json:"total_installments"`
	Status            string `json:"status"`
	Currency          string `json:"currency"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

type InstallmentDTO struct {
	ID                string  `json:"id"`
	PlanID            string  `json:"plan_id"`
	InstallmentNumber int     `json:"installment_number"`
	Amount            string  `json:"amount"`
	DueDate           *string `json:"due_date"`
	Status            string  `json:"status,omitempty"`
	PaymentDate       *string `json:"payment_date"`
	PaymentMethod     string  `json:"payment_method,omitempty"`
	ReceiptNumber     string  `json:"receipt_number,omitempty"`
	ReceiptURL        string  `json:"receipt_url,omitempty"`
	ReferenceNumber   string  `json:"reference_number,omitempty"`
	Notes             string  `json:"notes,omitempty"`
	ReceiptMakerID    string  `json:"receipt_maker_id,omitempty"`
}

type BalanceDTO struct {
	PlanID                    string  `json:"plan_id"`
	EnrollmentID              string  `json:"enrollment_id"`
	Currency                  string  `json:"currency"`
	TotalAmount               string  `json:"total_amount"`
	DiscountAmount            string  `json:"discount_amount"`
	FinalAmount               string  `json:"final_amount"`
	TotalPaid                 string  `json:"total_paid"`
	Balance                   string  `json:"balance"`
	TotalInstallments         int     `json:"total_installments"`
	LiveInstallments          int     `json:"live_installments"`
	PaidInstallments          int     `json:"paid_installments"`
	RemainingInstallments     int     `json:"remaining_installments"`
	RemainingLiveInstallments int     `json:"remaining_live_installments"`
	NextDueDate               *string `json:"next_due_date"`
	NextDueAmount             string  `json:"next_due_amount"`
}

type PlanViewDTO struct {
	Plan         PlanDTO          `json:"plan"`
	Enrollment   *EnrollmentDTO   `json:"enrollment,omitempty"`
	Installments []InstallmentDTO `json:"installments"`
	Balance      BalanceDTO       `json:"balance"`
}

type PlanSummaryDTO struct {
	Plan       PlanDTO        `json:"plan"`
	Enrollment *EnrollmentDTO `json:"enrollment,omitempty"`
	Balance    BalanceDTO     `json:"balance"`
}

type PaymentResultDTO struct {
	Installment InstallmentDTO `json:"installment"`
	Balance     BalanceDTO     `json:"balance"`
}

type OverdueDTO struct {
	Installment  InstallmentDTO `json:"installment"`
	EnrollmentID string         `json:"enrollment_id"`
	StudentName  string         `json:"student_name"`
	StudentEmail string         `json:"student_email,omitempty"`
	DaysOverdue  int            `json:"days_overdue"`
}

type UpcomingDTO struct {
	Installment  InstallmentDTO `json:"installment"`
	EnrollmentID string         `json:"enrollment_id"`
	StudentName  string         `json:"student_name"`
	StudentEmail string         `json:"student_email,omitempty"`
	DaysUntilDue int            `json:"days_until_due"`
}

type RefundDTO struct {
	ID            string  `json:"id"`
	EnrollmentID  string  `json:"enrollment_id"`
	InstallmentID *string `json:"installment_id"`
	Amount        string  `json:"refund_amount"`
	Reason        string  `json:"refund_reason"`
	Method        string  `json:"refund_method,omitempty"`
	Notes         string  `json:"notes,omitempty"`
	Status        string  `json:"status"`
	RequestedBy   string  `json:"requested_by"`
	ApprovedBy    string  `json:"approved_by,omitempty"`
	ApprovedAt    *string `json:"approved_at"`
	ProcessedBy   string  `json:"processed_by,omitempty"`
	ProcessedAt   *string `json:"processed_at"`
	ReceiptURL    string  `json:"receipt_url,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// ListResponse wraps one page of results.
type ListResponse[T any] struct {
	Data       []T                `json:"data"`
	Pagination billing.Pagination `json:"pagination"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// REQUESTS
// =============================================================================

type ScheduleRowRequest struct {
	InstallmentNumber int           `json:"installment_number"`
	Amount            billing.Money `json:"amount"`
	DueDate           *string       `json:"due_date,omitempty"`
}

type ScheduleSpecRequest struct {
	Count        int      `json:"count,omitempty"`
	FirstDueDate *string  `json:"first_due_date,omitempty"`
	RRule        string   `json:"rrule,omitempty"`
	Formulas     []string `json:"formulas,omitempty"`
}

type CreatePlanRequest struct {
	EnrollmentID      string               `json:"enrollment_id"`
	TotalAmount       billing.Money        `json:"total_amount"`
	DiscountAmount    billing.Money        `json:"discount_amount"`
	DiscountReason    string               `json:"discount_reason,omitempty"`
	TotalInstallments int                  `json:"total_installments"`
	Installments      []ScheduleRowRequest `json:"installments,omitempty"`
	Schedule          *ScheduleSpecRequest `json:"schedule,omitempty"`
}

type AddInstallmentRequest struct {
	Amount  billing.Money `json:"amount"`
	DueDate *string       `json:"due_date,omitempty"`
}

type UpdateInstallmentRequest struct {
	Amount  *billing.Money `json:"amount,omitempty"`
	DueDate *string        `json:"due_date,omitempty"`
}

type RecordPaymentRequest struct {
	PaymentMethod   billing.PaymentMethod `json:"payment_method"`
	ReceiptNumber   string                `json:"receipt_number,omitempty"`
	ReceiptURL      string                `json:"receipt_url,omitempty"`
	ReferenceNumber string                `json:"reference_number,omitempty"`
	Notes           string                `json:"notes,omitempty"`
}

type RequestRefundRequest struct {
	EnrollmentID  string        `json:"enrollment_id"`
	InstallmentID *string       `json:"installment_id,omitempty"`
	Amount        billing.Money `json:"refund_amount"`
	Reason        string        `json:"refund_reason"`
	Method        string        `json:"refund_method,omitempty"`
	Notes         string        `json:"notes,omitempty"`
}

type ProcessRefundRequest struct {
	ReceiptURL string `json:"receipt_url,omitempty"`
}

type SyncEnrollmentRequest struct {
	StudentID    string `json:"student_id"`
	StudentName  string `json:"student_name"`
	StudentEmail string `json:"student_email,omitempty"`
	TermID       string `json:"term_id,omitempty"`
}

type MidtransConfirmRequest struct {
	OrderID       string `json:"order_id"`
	InstallmentID string `json:"installment_id"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// dtoMapper formats amounts with the engine currency's minor units.
type dtoMapper struct {
	currency string
	places   int32
}

func newDTOMapper(currency string) dtoMapper {
	return dtoMapper{currency: currency, places: billing.CurrencyPlaces(currency)}
}

func (m dtoMapper) money(v billing.Money) string { return v.StringFixed(m.places) }

func dateString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(dateLayout)
	return &s
}

func timeString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func toEnrollmentDTO(e *billing.Enrollment) *EnrollmentDTO {
	if e == nil {
		return nil
	}
	return &EnrollmentDTO{
		ID:           e.ID,
		StudentID:    e.StudentID,
		StudentName:  e.StudentName,
		StudentEmail: e.StudentEmail,
		TermID:       e.TermID,
	}
}

func (m dtoMapper) plan(p billing.PaymentPlan) PlanDTO {
	return PlanDTO{
		ID:                p.ID,
		EnrollmentID:      p.EnrollmentID,
		TotalAmount:       m.money(p.TotalAmount),
		DiscountAmount:    m.money(p.DiscountAmount),
		DiscountReason:    p.DiscountReason,
		FinalAmount:       m.money(p.FinalAmount),
		TotalInstallments: p.TotalInstallments,
		Status:            string(p.Status),
		Currency:          m.currency,
		CreatedAt:         p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         p.UpdatedAt.Format(time.RFC3339),
	}
}

func (m dtoMapper) installment(i billing.Installment, status billing.InstallmentStatus) InstallmentDTO {
	return InstallmentDTO{
		ID:                i.ID,
		PlanID:            i.PlanID,
		InstallmentNumber: i.InstallmentNumber,
		Amount:            m.money(i.Amount),
		DueDate:           dateString(i.DueDate),
		Status:            string(status),
		PaymentDate:       timeString(i.PaymentDate),
		PaymentMethod:     string(i.PaymentMethod),
		ReceiptNumber:     i.ReceiptNumber,
		ReceiptURL:        i.ReceiptURL,
		ReferenceNumber:   i.ReferenceNumber,
		Notes:             i.Notes,
		ReceiptMakerID:    i.ReceiptMakerID,
	}
}

func (m dtoMapper) balance(b billing.PlanBalance) BalanceDTO {
	return BalanceDTO{
		PlanID:                    b.PlanID,
		EnrollmentID:              b.EnrollmentID,
		Currency:                  m.currency,
		TotalAmount:               m.money(b.TotalAmount),
		DiscountAmount:            m.money(b.DiscountAmount),
		FinalAmount:               m.money(b.FinalAmount),
		TotalPaid:                 m.money(b.TotalPaid),
		Balance:                   m.money(b.Balance),
		TotalInstallments:         b.TotalInstallments,
		LiveInstallments:          b.LiveInstallments,
		PaidInstallments:          b.PaidInstallments,
		RemainingInstallments:     b.RemainingInstallments,
		RemainingLiveInstallments: b.RemainingLiveInstallments,
		NextDueDate:               dateString(b.NextDueDate),
		NextDueAmount:             m.money(b.NextDueAmount),
	}
}

func (m dtoMapper) planView(v *billing.PlanView) PlanViewDTO {
	items := make([]InstallmentDTO, len(v.Installments))
	for i, inst := range v.Installments {
		items[i] = m.installment(inst.Installment, inst.Status)
	}
	return PlanViewDTO{
		Plan:         m.plan(v.Plan),
		Enrollment:   toEnrollmentDTO(v.Enrollment),
		Installments: items,
		Balance:      m.balance(v.Balance),
	}
}

func (m dtoMapper) refund(r billing.Refund) RefundDTO {
	return RefundDTO{
		ID:            r.ID,
		EnrollmentID:  r.EnrollmentID,
		InstallmentID: r.InstallmentID,
		Amount:        m.money(r.Amount),
		Reason:        r.Reason,
		Method:        r.Method,
		Notes:         r.Notes,
		Status:        string(r.Status),
		RequestedBy:   r.RequestedBy,
		ApprovedBy:    r.ApprovedBy,
		ApprovedAt:    timeString(r.ApprovedAt),
		ProcessedBy:   r.ProcessedBy,
		ProcessedAt:   timeString(r.ProcessedAt),
		ReceiptURL:    r.ReceiptURL,
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
	}
}
