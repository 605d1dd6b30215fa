/*
Package postgres provides a gorm/PostgreSQL implementation of billing.Store.

PURPOSE:
  Production store. Unlike the SQLite store, concurrent writers are
  serialized per plan with SELECT ... FOR UPDATE rather than a database
  wide write lock.

LOCKING:
  LockPlan issues:

    SELECT * FROM payment_plans WHERE id = $1 FOR UPDATE

  Every operation that changes a plan's installments takes this lock first,
  so payment, deletion and max+1 numbering never interleave on one plan.

SCHEMA:
  Managed by gorm AutoMigrate on Open().

SEE ALSO:
  - billing/store.go: interface definitions
  - store/sqlite: default single-node store
*/
package postgres

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/warp/billing-engine/billing"
)

// Store implements billing.Store on PostgreSQL.
type Store struct {
	conn
	db  *gorm.DB
	log *zap.Logger
}

// conn implements billing.Tx against the pool or an open transaction.
type conn struct {
	db *gorm.DB
}

// Open connects, configures the pool and migrates the schema.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "getting sql.DB")
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	s := &Store{conn: conn{db: db}, db: db, log: log.Named("billing.postgres")}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	s.log.Info("running database migrations")
	err := s.db.AutoMigrate(
		&enrollmentRow{},
		&planRow{},
		&installmentRow{},
		&refundRow{},
		&outboxRow{},
	)
	return errors.Wrap(err, "migrating schema")
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// WithTx runs fn inside a gorm transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&conn{db: tx})
	})
}

// Reset truncates every billing table. Used to load demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Exec("TRUNCATE outbox, refunds, installments, payment_plans, enrollments").Error
	return errors.Wrap(err, "truncating tables")
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

func (c *conn) GetEnrollment(ctx context.Context, id string) (*billing.Enrollment, error) {
	var row enrollmentRow
	if err := c.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "getting enrollment")
	}
	e := row.toDomain()
	return &e, nil
}

func (c *conn) UpsertEnrollment(ctx context.Context, e billing.Enrollment) error {
	row := fromEnrollment(e)
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"student_id", "student_name", "student_email", "term_id"}),
	}).Create(&row).Error
	return errors.Wrap(err, "upserting enrollment")
}

// =============================================================================
// PLANS
// =============================================================================

func (c *conn) InsertPlan(ctx context.Context, p billing.PaymentPlan) error {
	row := fromPlan(p)
	if err := c.db.WithContext(ctx).Omit(clause.Associations).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return billing.ErrDuplicate
		}
		return errors.Wrap(err, "inserting plan")
	}
	return nil
}

func (c *conn) GetPlan(ctx context.Context, id string) (*billing.PaymentPlan, error) {
	return c.takePlan(c.db.WithContext(ctx).Where("id = ?", id))
}

func (c *conn) GetPlanByEnrollment(ctx context.Context, enrollmentID string) (*billing.PaymentPlan, error) {
	return c.takePlan(c.db.WithContext(ctx).Where("enrollment_id = ?", enrollmentID))
}

func (c *conn) LockPlan(ctx context.Context, id string) (*billing.PaymentPlan, error) {
	return c.takePlan(c.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (c *conn) takePlan(q *gorm.DB) (*billing.PaymentPlan, error) {
	var row planRow
	if err := q.Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "getting plan")
	}
	p := row.toDomain()
	return &p, nil
}

func (c *conn) UpdatePlan(ctx context.Context, p billing.PaymentPlan) error {
	err := c.db.WithContext(ctx).Model(&planRow{}).Where("id = ?", p.ID).Updates(map[string]any{
		"total_amount":       p.TotalAmount,
		"discount_amount":    p.DiscountAmount,
		"discount_reason":    p.DiscountReason,
		"final_amount":       p.FinalAmount,
		"total_installments": p.TotalInstallments,
		"status":             string(p.Status),
		"updated_at":         p.UpdatedAt,
	}).Error
	return errors.Wrap(err, "updating plan")
}

func (c *conn) DeletePlan(ctx context.Context, id string) error {
	err := c.db.WithContext(ctx).Where("id = ?", id).Delete(&planRow{}).Error
	return errors.Wrap(err, "deleting plan")
}

// =============================================================================
// INSTALLMENTS
// =============================================================================

func (c *conn) InsertInstallments(ctx context.Context, items []billing.Installment) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]installmentRow, len(items))
	for i, inst := range items {
		rows[i] = fromInstallment(inst)
	}
	if err := c.db.WithContext(ctx).Create(&rows).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return billing.ErrDuplicate
		}
		return errors.Wrap(err, "inserting installments")
	}
	return nil
}

func (c *conn) GetInstallment(ctx context.Context, id string) (*billing.Installment, error) {
	var row installmentRow
	if err := c.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "getting installment")
	}
	inst := row.toDomain()
	return &inst, nil
}

func (c *conn) ListInstallments(ctx context.Context, planID string) ([]billing.Installment, error) {
	var rows []installmentRow
	err := c.db.WithContext(ctx).Where("plan_id = ?", planID).Order("installment_number").Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "listing installments")
	}
	out := make([]billing.Installment, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (c *conn) MaxInstallmentNumber(ctx context.Context, planID string) (int, error) {
	var n int
	err := c.db.WithContext(ctx).Model(&installmentRow{}).
		Where("plan_id = ?", planID).
		Select("COALESCE(MAX(installment_number), 0)").
		Scan(&n).Error
	return n, errors.Wrap(err, "reading max installment number")
}

func (c *conn) CountPaidInstallments(ctx context.Context, planID string) (int, error) {
	var n int64
	err := c.db.WithContext(ctx).Model(&installmentRow{}).
		Where("plan_id = ? AND payment_date IS NOT NULL", planID).
		Count(&n).Error
	return int(n), errors.Wrap(err, "counting paid installments")
}

func (c *conn) MarkInstallmentPaid(ctx context.Context, id string, rec billing.PaymentRecord) (bool, error) {
	res := c.db.WithContext(ctx).Model(&installmentRow{}).
		Where("id = ? AND payment_date IS NULL", id).
		Updates(map[string]any{
			"payment_date":     rec.PaidAt,
			"payment_method":   string(rec.Method),
			"receipt_number":   rec.ReceiptNumber,
			"receipt_url":      rec.ReceiptURL,
			"reference_number": rec.ReferenceNumber,
			"notes":            rec.Notes,
			"receipt_maker_id": rec.ReceiptMakerID,
			"updated_at":       rec.PaidAt,
		})
	return applied(res, "marking installment paid")
}

func (c *conn) UpdatePaymentDetails(ctx context.Context, id string, d billing.PaymentDetails, at time.Time) (bool, error) {
	set := map[string]any{"updated_at": at}
	if d.Method != nil {
		set["payment_method"] = string(*d.Method)
	}
	if d.ReceiptNumber != nil {
		set["receipt_number"] = *d.ReceiptNumber
	}
	if d.ReceiptURL != nil {
		set["receipt_url"] = *d.ReceiptURL
	}
	if d.ReferenceNumber != nil {
		set["reference_number"] = *d.ReferenceNumber
	}
	if d.Notes != nil {
		set["notes"] = *d.Notes
	}
	res := c.db.WithContext(ctx).Model(&installmentRow{}).
		Where("id = ? AND payment_date IS NOT NULL", id).
		Updates(set)
	return applied(res, "updating payment details")
}

func (c *conn) UpdateInstallmentSchedule(ctx context.Context, id string, ch billing.ScheduleChange, at time.Time) (bool, error) {
	set := map[string]any{"updated_at": at}
	if ch.Amount != nil {
		set["amount"] = *ch.Amount
	}
	if ch.DueDate != nil {
		set["due_date"] = *ch.DueDate
	}
	res := c.db.WithContext(ctx).Model(&installmentRow{}).
		Where("id = ? AND payment_date IS NULL", id).
		Updates(set)
	return applied(res, "updating installment")
}

func (c *conn) DeleteUnpaidInstallment(ctx context.Context, id string) (bool, error) {
	res := c.db.WithContext(ctx).Where("id = ? AND payment_date IS NULL", id).Delete(&installmentRow{})
	return applied(res, "deleting installment")
}

// =============================================================================
// REFUNDS
// =============================================================================

func (c *conn) InsertRefund(ctx context.Context, r billing.Refund) error {
	row := fromRefund(r)
	if err := c.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return billing.ErrDuplicate
		}
		return errors.Wrap(err, "inserting refund")
	}
	return nil
}

func (c *conn) GetRefund(ctx context.Context, id string) (*billing.Refund, error) {
	var row refundRow
	if err := c.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "getting refund")
	}
	r := row.toDomain()
	return &r, nil
}

func (c *conn) TransitionRefund(ctx context.Context, id string, from billing.RefundStatus, t billing.RefundTransition) (bool, error) {
	set := map[string]any{"status": string(t.To), "updated_at": t.At}
	switch t.To {
	case billing.RefundApproved:
		set["approved_by"] = t.Actor
		set["approved_at"] = t.At
	case billing.RefundCompleted:
		set["processed_by"] = t.Actor
		set["processed_at"] = t.At
		set["receipt_url"] = t.ReceiptURL
	default:
		return false, errors.Errorf("unsupported refund transition to %q", t.To)
	}
	res := c.db.WithContext(ctx).Model(&refundRow{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(set)
	return applied(res, "transitioning refund")
}

// =============================================================================
// OUTBOX
// =============================================================================

func (c *conn) EnqueueOutbox(ctx context.Context, m billing.OutboxMessage) error {
	status := m.Status
	if status == "" {
		status = billing.OutboxPending
	}
	row := outboxRow{
		ID: m.ID, Kind: string(m.Kind), Payload: m.Payload, Attempts: m.Attempts,
		Status: string(status), LastError: m.LastError, CreatedAt: m.CreatedAt, SentAt: m.SentAt,
	}
	if err := c.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return billing.ErrDuplicate
		}
		return errors.Wrap(err, "enqueueing outbox message")
	}
	return nil
}

// PendingOutbox returns the oldest pending messages first.
func (s *Store) PendingOutbox(ctx context.Context, limit, maxAttempts int) ([]billing.OutboxMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []outboxRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND attempts < ?", string(billing.OutboxPending), maxAttempts).
		Order("created_at").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "loading outbox")
	}
	out := make([]billing.OutboxMessage, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) MarkOutboxSent(ctx context.Context, id string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&outboxRow{}).Where("id = ?", id).Updates(map[string]any{
		"status":  string(billing.OutboxSent),
		"sent_at": at,
	}).Error
	return errors.Wrap(err, "marking outbox sent")
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id string, lastErr string, dead bool) error {
	status := billing.OutboxPending
	if dead {
		status = billing.OutboxFailed
	}
	err := s.db.WithContext(ctx).Model(&outboxRow{}).
		Where("id = ? AND status = ?", id, string(billing.OutboxPending)).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": lastErr,
			"status":     string(status),
		}).Error
	return errors.Wrap(err, "marking outbox failure")
}

// =============================================================================
// LIST QUERIES
// =============================================================================

func (s *Store) ListPlans(ctx context.Context, f billing.PlanFilter) ([]billing.PaymentPlan, int64, error) {
	q := s.db.WithContext(ctx).Model(&planRow{})
	if f.Status != "" {
		q = q.Where("payment_plans.status = ?", string(f.Status))
	}
	if f.TermID != "" {
		q = q.Joins("JOIN enrollments ON enrollments.id = payment_plans.enrollment_id").
			Where("enrollments.term_id = ?", f.TermID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "counting plans")
	}

	page := f.Page.Normalize()
	var rows []planRow
	err := q.Order("payment_plans.created_at DESC, payment_plans.id DESC").
		Limit(page.Limit).Offset(page.Offset()).
		Find(&rows).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "listing plans")
	}
	out := make([]billing.PaymentPlan, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, total, nil
}

type dueRow struct {
	installmentRow
	EnrollmentID string
}

func (s *Store) ListUnpaidDue(ctx context.Context, dq billing.DueQuery) ([]billing.PlanInstallment, int64, error) {
	q := s.db.WithContext(ctx).Model(&installmentRow{}).
		Joins("JOIN payment_plans ON payment_plans.id = installments.plan_id").
		Where("installments.payment_date IS NULL AND installments.due_date IS NOT NULL")
	if !dq.DueFrom.IsZero() {
		q = q.Where("installments.due_date >= ?", dq.DueFrom)
	}
	if !dq.DueBefore.IsZero() {
		q = q.Where("installments.due_date < ?", dq.DueBefore)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "counting due installments")
	}

	page := dq.Page.Normalize()
	var rows []dueRow
	err := q.Select("installments.*, payment_plans.enrollment_id AS enrollment_id").
		Order("installments.due_date, installments.installment_number, installments.id").
		Limit(page.Limit).Offset(page.Offset()).
		Scan(&rows).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "listing due installments")
	}
	out := make([]billing.PlanInstallment, len(rows))
	for i, r := range rows {
		out[i] = billing.PlanInstallment{Installment: r.installmentRow.toDomain(), EnrollmentID: r.EnrollmentID}
	}
	return out, total, nil
}

func (s *Store) ListRefunds(ctx context.Context, f billing.RefundFilter) ([]billing.Refund, int64, error) {
	q := s.db.WithContext(ctx).Model(&refundRow{})
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.EnrollmentID != "" {
		q = q.Where("enrollment_id = ?", f.EnrollmentID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "counting refunds")
	}

	page := f.Page.Normalize()
	var rows []refundRow
	err := q.Order("created_at DESC, id DESC").Limit(page.Limit).Offset(page.Offset()).Find(&rows).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "listing refunds")
	}
	out := make([]billing.Refund, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, total, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func applied(res *gorm.DB, op string) (bool, error) {
	if res.Error != nil {
		return false, errors.Wrap(res.Error, op)
	}
	return res.RowsAffected == 1, nil
}

var _ billing.Store = (*Store)(nil)
