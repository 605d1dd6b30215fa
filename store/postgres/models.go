package postgres

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// Row types mirror the billing entities with gorm tags. Amounts use
// numeric(15,3) so three-decimal currencies keep every fils.

type enrollmentRow struct {
	ID           string `gorm:"primaryKey"`
	StudentID    string `gorm:"not null"`
	StudentName  string
	StudentEmail string
	TermID       string `gorm:"index"`
	CreatedAt    time.Time
}

func (enrollmentRow) TableName() string { return "enrollments" }

type planRow struct {
	ID                string          `gorm:"primaryKey"`
	EnrollmentID      string          `gorm:"not null;uniqueIndex"`
	TotalAmount       decimal.Decimal `gorm:"type:numeric(15,3);not null"`
	DiscountAmount    decimal.Decimal `gorm:"type:numeric(15,3);not null"`
	DiscountReason    string
	FinalAmount       decimal.Decimal `gorm:"type:numeric(15,3);not null"`
	TotalInstallments int             `gorm:"not null"`
	Status            string          `gorm:"not null;index"`
	CreatedAt         time.Time       `gorm:"index"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime:false"`

	Installments []installmentRow `gorm:"foreignKey:PlanID;constraint:OnDelete:CASCADE"`
}

func (planRow) TableName() string { return "payment_plans" }

type installmentRow struct {
	ID                string          `gorm:"primaryKey"`
	PlanID            string          `gorm:"not null;uniqueIndex:idx_installments_plan_number"`
	InstallmentNumber int             `gorm:"not null;uniqueIndex:idx_installments_plan_number"`
	Amount            decimal.Decimal `gorm:"type:numeric(15,3);not null"`
	DueDate           *time.Time      `gorm:"index"`
	PaymentDate       *time.Time
	PaymentMethod     string
	ReceiptNumber     string
	ReceiptURL        string
	ReferenceNumber   string
	Notes             string
	ReceiptMakerID    string
	CreatedAt         time.Time
	UpdatedAt         time.Time `gorm:"autoUpdateTime:false"`
}

func (installmentRow) TableName() string { return "installments" }

type refundRow struct {
	ID            string `gorm:"primaryKey"`
	EnrollmentID  string `gorm:"not null;index"`
	InstallmentID *string
	Amount        decimal.Decimal `gorm:"type:numeric(15,3);not null"`
	Reason        string          `gorm:"not null"`
	Method        string
	Notes         string
	Status        string `gorm:"not null;index"`
	RequestedBy   string `gorm:"not null"`
	ApprovedBy    string
	ApprovedAt    *time.Time
	ProcessedBy   string
	ProcessedAt   *time.Time
	ReceiptURL    string
	CreatedAt     time.Time `gorm:"index"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (refundRow) TableName() string { return "refunds" }

type outboxRow struct {
	ID        string `gorm:"primaryKey"`
	Kind      string `gorm:"not null"`
	Payload   []byte `gorm:"type:jsonb;not null"`
	Attempts  int    `gorm:"not null;default:0"`
	Status    string `gorm:"not null;index:idx_outbox_pending,priority:1"`
	LastError string
	CreatedAt time.Time `gorm:"index:idx_outbox_pending,priority:2"`
	SentAt    *time.Time
}

func (outboxRow) TableName() string { return "outbox" }

// =============================================================================
// CONVERSIONS
// =============================================================================

func fromEnrollment(e billing.Enrollment) enrollmentRow {
	return enrollmentRow{
		ID: e.ID, StudentID: e.StudentID, StudentName: e.StudentName,
		StudentEmail: e.StudentEmail, TermID: e.TermID, CreatedAt: e.CreatedAt,
	}
}

func (r enrollmentRow) toDomain() billing.Enrollment {
	return billing.Enrollment{
		ID: r.ID, StudentID: r.StudentID, StudentName: r.StudentName,
		StudentEmail: r.StudentEmail, TermID: r.TermID, CreatedAt: r.CreatedAt,
	}
}

func fromPlan(p billing.PaymentPlan) planRow {
	return planRow{
		ID:                p.ID,
		EnrollmentID:      p.EnrollmentID,
		TotalAmount:       p.TotalAmount,
		DiscountAmount:    p.DiscountAmount,
		DiscountReason:    p.DiscountReason,
		FinalAmount:       p.FinalAmount,
		TotalInstallments: p.TotalInstallments,
		Status:            string(p.Status),
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func (r planRow) toDomain() billing.PaymentPlan {
	return billing.PaymentPlan{
		ID:                r.ID,
		EnrollmentID:      r.EnrollmentID,
		TotalAmount:       r.TotalAmount,
		DiscountAmount:    r.DiscountAmount,
		DiscountReason:    r.DiscountReason,
		FinalAmount:       r.FinalAmount,
		TotalInstallments: r.TotalInstallments,
		Status:            billing.PlanStatus(r.Status),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func fromInstallment(i billing.Installment) installmentRow {
	return installmentRow{
		ID:                i.ID,
		PlanID:            i.PlanID,
		InstallmentNumber: i.InstallmentNumber,
		Amount:            i.Amount,
		DueDate:           i.DueDate,
		PaymentDate:       i.PaymentDate,
		PaymentMethod:     string(i.PaymentMethod),
		ReceiptNumber:     i.ReceiptNumber,
		ReceiptURL:        i.ReceiptURL,
		ReferenceNumber:   i.ReferenceNumber,
		Notes:             i.Notes,
		ReceiptMakerID:    i.ReceiptMakerID,
		CreatedAt:         i.CreatedAt,
		UpdatedAt:         i.UpdatedAt,
	}
}

func (r installmentRow) toDomain() billing.Installment {
	return billing.Installment{
		ID:                r.ID,
		PlanID:            r.PlanID,
		InstallmentNumber: r.InstallmentNumber,
		Amount:            r.Amount,
		DueDate:           r.DueDate,
		PaymentDate:       r.PaymentDate,
		PaymentMethod:     billing.PaymentMethod(r.PaymentMethod),
		ReceiptNumber:     r.ReceiptNumber,
		ReceiptURL:        r.ReceiptURL,
		ReferenceNumber:   r.ReferenceNumber,
		Notes:             r.Notes,
		ReceiptMakerID:    r.ReceiptMakerID,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func fromRefund(r billing.Refund) refundRow {
	return refundRow{
		ID: r.ID, EnrollmentID: r.EnrollmentID, InstallmentID: r.InstallmentID,
		Amount: r.Amount, Reason: r.Reason, Method: r.Method, Notes: r.Notes,
		Status: string(r.Status), RequestedBy: r.RequestedBy,
		ApprovedBy: r.ApprovedBy, ApprovedAt: r.ApprovedAt,
		ProcessedBy: r.ProcessedBy, ProcessedAt: r.ProcessedAt,
		ReceiptURL: r.ReceiptURL, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func (r refundRow) toDomain() billing.Refund {
	return billing.Refund{
		ID: r.ID, EnrollmentID: r.EnrollmentID, InstallmentID: r.InstallmentID,
		Amount: r.Amount, Reason: r.Reason, Method: r.Method, Notes: r.Notes,
		Status: billing.RefundStatus(r.Status), RequestedBy: r.RequestedBy,
		ApprovedBy: r.ApprovedBy, ApprovedAt: r.ApprovedAt,
		ProcessedBy: r.ProcessedBy, ProcessedAt: r.ProcessedAt,
		ReceiptURL: r.ReceiptURL, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func (r outboxRow) toDomain() billing.OutboxMessage {
	return billing.OutboxMessage{
		ID: r.ID, Kind: billing.OutboxKind(r.Kind), Payload: r.Payload,
		Attempts: r.Attempts, Status: billing.OutboxStatus(r.Status),
		LastError: r.LastError, CreatedAt: r.CreatedAt, SentAt: r.SentAt,
	}
}
