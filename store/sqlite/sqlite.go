/*
Package sqlite provides a SQLite-backed implementation of billing.Store.

PURPOSE:
  The default runtime store. Plans, installments, refunds, the enrollment
  mirror and the receipt outbox live in one database file.

KEY TABLES:
  enrollments:    mirror of the enrollment service
  payment_plans:  one row per enrollment (UNIQUE enrollment_id)
  installments:   ON DELETE CASCADE from payment_plans,
                  UNIQUE (plan_id, installment_number)
  refunds:        approval trail
  outbox:         receipts waiting for delivery

CONDITIONAL UPDATES:
  Guarded writes carry their guard in the WHERE clause and report
  RowsAffected() == 1 as "applied":

    UPDATE installments SET payment_date = ? ... WHERE id = ? AND payment_date IS NULL

CONCURRENCY:
  The pool is limited to one connection and transactions start with
  BEGIN IMMEDIATE (_txlock=immediate), so writers are serialized by the
  database. LockPlan is a plain read under that regime.

TIME AND MONEY:
  Times are stored as fixed-width UTC text so they sort lexicographically.
  Amounts are stored as decimal TEXT, never REAL.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - billing/store.go: interface definitions
  - billing/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// timeLayout is fixed width so stored values compare as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements billing.Store using SQLite.
type Store struct {
	conn
	db *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements billing.Tx against either the pool or an open tx.
type conn struct {
	q queryer
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Reset deletes every row. Used to load demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(tx billing.Tx) error {
		q := tx.(*conn).q
		for _, table := range []string{"outbox", "refunds", "installments", "payment_plans", "enrollments"} {
			if _, err := q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		student_name TEXT,
		student_email TEXT,
		term_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_enrollments_term
		ON enrollments(term_id);

	CREATE TABLE IF NOT EXISTS payment_plans (
		id TEXT PRIMARY KEY,
		enrollment_id TEXT NOT NULL UNIQUE REFERENCES enrollments(id),
		total_amount TEXT NOT NULL,
		discount_amount TEXT NOT NULL,
		discount_reason TEXT,
		final_amount TEXT NOT NULL,
		total_installments INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_plans_status_created
		ON payment_plans(status, created_at DESC);

	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL REFERENCES payment_plans(id) ON DELETE CASCADE,
		installment_number INTEGER NOT NULL,
		amount TEXT NOT NULL,
		due_date TEXT,
		payment_date TEXT,
		payment_method TEXT,
		receipt_number TEXT,
		receipt_url TEXT,
		reference_number TEXT,
		notes TEXT,
		receipt_maker_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (plan_id, installment_number)
	);

	-- Overdue and reminder scans only look at unpaid rows
	CREATE INDEX IF NOT EXISTS idx_installments_unpaid_due
		ON installments(due_date) WHERE payment_date IS NULL;

	CREATE TABLE IF NOT EXISTS refunds (
		id TEXT PRIMARY KEY,
		enrollment_id TEXT NOT NULL REFERENCES enrollments(id),
		installment_id TEXT,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL,
		method TEXT,
		notes TEXT,
		status TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		approved_by TEXT,
		approved_at TEXT,
		processed_by TEXT,
		processed_at TEXT,
		receipt_url TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_refunds_enrollment
		ON refunds(enrollment_id);
	CREATE INDEX IF NOT EXISTS idx_refunds_status
		ON refunds(status);

	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		last_error TEXT,
		created_at TEXT NOT NULL,
		sent_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending
		ON outbox(status, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

func (c *conn) GetEnrollment(ctx context.Context, id string) (*billing.Enrollment, error) {
	var (
		e                 billing.Enrollment
		name, email, term sql.NullString
		created           string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT id, student_id, student_name, student_email, term_id, created_at
		FROM enrollments WHERE id = ?`, id,
	).Scan(&e.ID, &e.StudentID, &name, &email, &term, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	e.StudentName, e.StudentEmail, e.TermID = name.String, email.String, term.String
	e.CreatedAt = parseTime(created)
	return &e, nil
}

func (c *conn) UpsertEnrollment(ctx context.Context, e billing.Enrollment) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO enrollments (id, student_id, student_name, student_email, term_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			student_id = excluded.student_id,
			student_name = excluded.student_name,
			student_email = excluded.student_email,
			term_id = excluded.term_id`,
		e.ID, e.StudentID, nullString(e.StudentName), nullString(e.StudentEmail),
		nullString(e.TermID), formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert enrollment: %w", err)
	}
	return nil
}

// =============================================================================
// PLANS
// =============================================================================

const planColumns = `p.id, p.enrollment_id, p.total_amount, p.discount_amount, p.discount_reason,
	p.final_amount, p.total_installments, p.status, p.created_at, p.updated_at`

func (c *conn) InsertPlan(ctx context.Context, p billing.PaymentPlan) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO payment_plans
		(id, enrollment_id, total_amount, discount_amount, discount_reason, final_amount,
		 total_installments, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.EnrollmentID, p.TotalAmount.String(), p.DiscountAmount.String(),
		nullString(p.DiscountReason), p.FinalAmount.String(), p.TotalInstallments,
		string(p.Status), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicate
		}
		return fmt.Errorf("failed to insert plan: %w", err)
	}
	return nil
}

func (c *conn) GetPlan(ctx context.Context, id string) (*billing.PaymentPlan, error) {
	return c.getPlan(ctx, `SELECT `+planColumns+` FROM payment_plans p WHERE p.id = ?`, id)
}

func (c *conn) GetPlanByEnrollment(ctx context.Context, enrollmentID string) (*billing.PaymentPlan, error) {
	return c.getPlan(ctx, `SELECT `+planColumns+` FROM payment_plans p WHERE p.enrollment_id = ?`, enrollmentID)
}

// LockPlan reads the plan. The write lock taken by BEGIN IMMEDIATE already
// covers it.
func (c *conn) LockPlan(ctx context.Context, id string) (*billing.PaymentPlan, error) {
	return c.GetPlan(ctx, id)
}

func (c *conn) getPlan(ctx context.Context, query string, arg string) (*billing.PaymentPlan, error) {
	p, err := scanPlan(c.q.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &p, nil
}

func (c *conn) UpdatePlan(ctx context.Context, p billing.PaymentPlan) error {
	_, err := c.q.ExecContext(ctx, `
		UPDATE payment_plans SET
			total_amount = ?, discount_amount = ?, discount_reason = ?, final_amount = ?,
			total_installments = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		p.TotalAmount.String(), p.DiscountAmount.String(), nullString(p.DiscountReason),
		p.FinalAmount.String(), p.TotalInstallments, string(p.Status), formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	return nil
}

func (c *conn) DeletePlan(ctx context.Context, id string) error {
	if _, err := c.q.ExecContext(ctx, `DELETE FROM payment_plans WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}
	return nil
}

// =============================================================================
// INSTALLMENTS
// =============================================================================

const installmentColumns = `i.id, i.plan_id, i.installment_number, i.amount, i.due_date, i.payment_date,
	i.payment_method, i.receipt_number, i.receipt_url, i.reference_number, i.notes,
	i.receipt_maker_id, i.created_at, i.updated_at`

func (c *conn) InsertInstallments(ctx context.Context, items []billing.Installment) error {
	for _, inst := range items {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO installments
			(id, plan_id, installment_number, amount, due_date, payment_date, payment_method,
			 receipt_number, receipt_url, reference_number, notes, receipt_maker_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID, inst.PlanID, inst.InstallmentNumber, inst.Amount.String(),
			nullTime(inst.DueDate), nullTime(inst.PaymentDate), nullString(string(inst.PaymentMethod)),
			nullString(inst.ReceiptNumber), nullString(inst.ReceiptURL), nullString(inst.ReferenceNumber),
			nullString(inst.Notes), nullString(inst.ReceiptMakerID),
			formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return billing.ErrDuplicate
			}
			return fmt.Errorf("failed to insert installment: %w", err)
		}
	}
	return nil
}

func (c *conn) GetInstallment(ctx context.Context, id string) (*billing.Installment, error) {
	inst, err := scanInstallment(c.q.QueryRowContext(ctx,
		`SELECT `+installmentColumns+` FROM installments i WHERE i.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installment: %w", err)
	}
	return &inst, nil
}

func (c *conn) ListInstallments(ctx context.Context, planID string) ([]billing.Installment, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+installmentColumns+` FROM installments i WHERE i.plan_id = ? ORDER BY i.installment_number`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list installments: %w", err)
	}
	defer rows.Close()

	var out []billing.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (c *conn) MaxInstallmentNumber(ctx context.Context, planID string) (int, error) {
	var n int
	err := c.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(installment_number), 0) FROM installments WHERE plan_id = ?`, planID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to read max installment number: %w", err)
	}
	return n, nil
}

func (c *conn) CountPaidInstallments(ctx context.Context, planID string) (int, error) {
	var n int
	err := c.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM installments WHERE plan_id = ? AND payment_date IS NOT NULL`, planID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count paid installments: %w", err)
	}
	return n, nil
}

func (c *conn) MarkInstallmentPaid(ctx context.Context, id string, rec billing.PaymentRecord) (bool, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE installments SET
			payment_date = ?, payment_method = ?, receipt_number = ?, receipt_url = ?,
			reference_number = ?, notes = ?, receipt_maker_id = ?, updated_at = ?
		WHERE id = ? AND payment_date IS NULL`,
		formatTime(rec.PaidAt), string(rec.Method), nullString(rec.ReceiptNumber), nullString(rec.ReceiptURL),
		nullString(rec.ReferenceNumber), nullString(rec.Notes), nullString(rec.ReceiptMakerID),
		formatTime(rec.PaidAt), id,
	)
	return applied(res, err, "mark installment paid")
}

func (c *conn) UpdatePaymentDetails(ctx context.Context, id string, d billing.PaymentDetails, at time.Time) (bool, error) {
	var method *string
	if d.Method != nil {
		m := string(*d.Method)
		method = &m
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE installments SET
			payment_method = COALESCE(?, payment_method),
			receipt_number = COALESCE(?, receipt_number),
			receipt_url = COALESCE(?, receipt_url),
			reference_number = COALESCE(?, reference_number),
			notes = COALESCE(?, notes),
			updated_at = ?
		WHERE id = ? AND payment_date IS NOT NULL`,
		optString(method), optString(d.ReceiptNumber), optString(d.ReceiptURL),
		optString(d.ReferenceNumber), optString(d.Notes), formatTime(at), id,
	)
	return applied(res, err, "update payment details")
}

func (c *conn) UpdateInstallmentSchedule(ctx context.Context, id string, ch billing.ScheduleChange, at time.Time) (bool, error) {
	var amount *string
	if ch.Amount != nil {
		a := ch.Amount.String()
		amount = &a
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE installments SET
			amount = COALESCE(?, amount),
			due_date = COALESCE(?, due_date),
			updated_at = ?
		WHERE id = ? AND payment_date IS NULL`,
		optString(amount), nullTime(ch.DueDate), formatTime(at), id,
	)
	return applied(res, err, "update installment")
}

func (c *conn) DeleteUnpaidInstallment(ctx context.Context, id string) (bool, error) {
	res, err := c.q.ExecContext(ctx, `DELETE FROM installments WHERE id = ? AND payment_date IS NULL`, id)
	return applied(res, err, "delete installment")
}

// =============================================================================
// REFUNDS
// =============================================================================

const refundColumns = `id, enrollment_id, installment_id, amount, reason, method, notes, status,
	requested_by, approved_by, approved_at, processed_by, processed_at, receipt_url, created_at, updated_at`

func (c *conn) InsertRefund(ctx context.Context, r billing.Refund) error {
	var installmentID sql.NullString
	if r.InstallmentID != nil {
		installmentID = sql.NullString{String: *r.InstallmentID, Valid: true}
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO refunds (`+refundColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EnrollmentID, installmentID, r.Amount.String(), r.Reason, nullString(r.Method),
		nullString(r.Notes), string(r.Status), r.RequestedBy, nullString(r.ApprovedBy),
		nullTime(r.ApprovedAt), nullString(r.ProcessedBy), nullTime(r.ProcessedAt),
		nullString(r.ReceiptURL), formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicate
		}
		return fmt.Errorf("failed to insert refund: %w", err)
	}
	return nil
}

func (c *conn) GetRefund(ctx context.Context, id string) (*billing.Refund, error) {
	r, err := scanRefund(c.q.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refund: %w", err)
	}
	return &r, nil
}

func (c *conn) TransitionRefund(ctx context.Context, id string, from billing.RefundStatus, t billing.RefundTransition) (bool, error) {
	var (
		res sql.Result
		err error
	)
	switch t.To {
	case billing.RefundApproved:
		res, err = c.q.ExecContext(ctx, `
			UPDATE refunds SET status = ?, approved_by = ?, approved_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(t.To), t.Actor, formatTime(t.At), formatTime(t.At), id, string(from))
	case billing.RefundCompleted:
		res, err = c.q.ExecContext(ctx, `
			UPDATE refunds SET status = ?, processed_by = ?, processed_at = ?, receipt_url = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(t.To), t.Actor, formatTime(t.At), nullString(t.ReceiptURL), formatTime(t.At), id, string(from))
	default:
		return false, fmt.Errorf("unsupported refund transition to %q", t.To)
	}
	return applied(res, err, "transition refund")
}

// =============================================================================
// OUTBOX
// =============================================================================

func (c *conn) EnqueueOutbox(ctx context.Context, m billing.OutboxMessage) error {
	status := m.Status
	if status == "" {
		status = billing.OutboxPending
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO outbox (id, kind, payload, attempts, status, last_error, created_at, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Kind), m.Payload, m.Attempts, string(status), nullString(m.LastError),
		formatTime(m.CreatedAt), nullTime(m.SentAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicate
		}
		return fmt.Errorf("failed to enqueue outbox message: %w", err)
	}
	return nil
}

func (s *Store) PendingOutbox(ctx context.Context, limit, maxAttempts int) ([]billing.OutboxMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, attempts, status, last_error, created_at, sent_at
		FROM outbox
		WHERE status = ? AND attempts < ?
		ORDER BY created_at, rowid
		LIMIT ?`, string(billing.OutboxPending), maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox: %w", err)
	}
	defer rows.Close()

	var out []billing.OutboxMessage
	for rows.Next() {
		var (
			m               billing.OutboxMessage
			kind, status    string
			lastErr, sentAt sql.NullString
			created         string
		)
		if err := rows.Scan(&m.ID, &kind, &m.Payload, &m.Attempts, &status, &lastErr, &created, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		m.Kind, m.Status = billing.OutboxKind(kind), billing.OutboxStatus(status)
		m.LastError = lastErr.String
		m.CreatedAt = parseTime(created)
		m.SentAt = parseNullTime(sentAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) MarkOutboxSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET status = ?, sent_at = ? WHERE id = ?`,
		string(billing.OutboxSent), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox sent: %w", err)
	}
	return nil
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id string, lastErr string, dead bool) error {
	status := billing.OutboxPending
	if dead {
		status = billing.OutboxFailed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = ?, status = ?
		WHERE id = ? AND status = ?`,
		lastErr, string(status), id, string(billing.OutboxPending))
	if err != nil {
		return fmt.Errorf("failed to mark outbox failure: %w", err)
	}
	return nil
}

// =============================================================================
// LIST QUERIES
// =============================================================================

func (s *Store) ListPlans(ctx context.Context, f billing.PlanFilter) ([]billing.PaymentPlan, int64, error) {
	where := ` FROM payment_plans p LEFT JOIN enrollments e ON e.id = p.enrollment_id WHERE 1=1`
	var args []any
	if f.Status != "" {
		where += ` AND p.status = ?`
		args = append(args, string(f.Status))
	}
	if f.TermID != "" {
		where += ` AND e.term_id = ?`
		args = append(args, f.TermID)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count plans: %w", err)
	}

	page := f.Page.Normalize()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+planColumns+where+` ORDER BY p.created_at DESC, p.rowid DESC LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var out []billing.PaymentPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func (s *Store) ListUnpaidDue(ctx context.Context, q billing.DueQuery) ([]billing.PlanInstallment, int64, error) {
	where := ` FROM installments i JOIN payment_plans p ON p.id = i.plan_id
		WHERE i.payment_date IS NULL AND i.due_date IS NOT NULL`
	var args []any
	if !q.DueFrom.IsZero() {
		where += ` AND i.due_date >= ?`
		args = append(args, formatTime(q.DueFrom))
	}
	if !q.DueBefore.IsZero() {
		where += ` AND i.due_date < ?`
		args = append(args, formatTime(q.DueBefore))
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count due installments: %w", err)
	}

	page := q.Page.Normalize()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+installmentColumns+`, p.enrollment_id`+where+
			` ORDER BY i.due_date, i.installment_number, i.id LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list due installments: %w", err)
	}
	defer rows.Close()

	var out []billing.PlanInstallment
	for rows.Next() {
		var enrollmentID string
		inst, err := scanInstallment(rows, &enrollmentID)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan installment: %w", err)
		}
		out = append(out, billing.PlanInstallment{Installment: inst, EnrollmentID: enrollmentID})
	}
	return out, total, rows.Err()
}

func (s *Store) ListRefunds(ctx context.Context, f billing.RefundFilter) ([]billing.Refund, int64, error) {
	where := ` FROM refunds WHERE 1=1`
	var args []any
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.EnrollmentID != "" {
		where += ` AND enrollment_id = ?`
		args = append(args, f.EnrollmentID)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count refunds: %w", err)
	}

	page := f.Page.Normalize()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+refundColumns+where+` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list refunds: %w", err)
	}
	defer rows.Close()

	var out []billing.Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan refund: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (billing.PaymentPlan, error) {
	var (
		p                              billing.PaymentPlan
		total, discount, final, status string
		reason                         sql.NullString
		created, updated               string
	)
	err := row.Scan(&p.ID, &p.EnrollmentID, &total, &discount, &reason, &final,
		&p.TotalInstallments, &status, &created, &updated)
	if err != nil {
		return p, err
	}
	p.TotalAmount = parseMoney(total)
	p.DiscountAmount = parseMoney(discount)
	p.FinalAmount = parseMoney(final)
	p.DiscountReason = reason.String
	p.Status = billing.PlanStatus(status)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return p, nil
}

// scanInstallment scans installmentColumns followed by any extra columns.
func scanInstallment(row scanner, extra ...any) (billing.Installment, error) {
	var (
		inst                                       billing.Installment
		amount, created, updated                   string
		due, paid, method, receipt, url, ref, note sql.NullString
		maker                                      sql.NullString
	)
	dest := append([]any{&inst.ID, &inst.PlanID, &inst.InstallmentNumber, &amount, &due, &paid,
		&method, &receipt, &url, &ref, &note, &maker, &created, &updated}, extra...)
	if err := row.Scan(dest...); err != nil {
		return inst, err
	}
	inst.Amount = parseMoney(amount)
	inst.DueDate = parseNullTime(due)
	inst.PaymentDate = parseNullTime(paid)
	inst.PaymentMethod = billing.PaymentMethod(method.String)
	inst.ReceiptNumber = receipt.String
	inst.ReceiptURL = url.String
	inst.ReferenceNumber = ref.String
	inst.Notes = note.String
	inst.ReceiptMakerID = maker.String
	inst.CreatedAt = parseTime(created)
	inst.UpdatedAt = parseTime(updated)
	return inst, nil
}

func scanRefund(row scanner) (billing.Refund, error) {
	var (
		r                                          billing.Refund
		installmentID, method, notes, approvedBy   sql.NullString
		approvedAt, processedBy, processedAt, rcpt sql.NullString
		amount, status, created, updated           string
	)
	err := row.Scan(&r.ID, &r.EnrollmentID, &installmentID, &amount, &r.Reason, &method, &notes,
		&status, &r.RequestedBy, &approvedBy, &approvedAt, &processedBy, &processedAt, &rcpt,
		&created, &updated)
	if err != nil {
		return r, err
	}
	if installmentID.Valid {
		id := installmentID.String
		r.InstallmentID = &id
	}
	r.Amount = parseMoney(amount)
	r.Method = method.String
	r.Notes = notes.String
	r.Status = billing.RefundStatus(status)
	r.ApprovedBy = approvedBy.String
	r.ApprovedAt = parseNullTime(approvedAt)
	r.ProcessedBy = processedBy.String
	r.ProcessedAt = parseNullTime(processedAt)
	r.ReceiptURL = rcpt.String
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func applied(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	return n == 1, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// optString maps a nil pointer to SQL NULL so COALESCE keeps the old value.
func optString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseMoney(s string) billing.Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var _ billing.Store = (*Store)(nil)
