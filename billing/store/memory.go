// Package store provides billing.Store implementations.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serializes every call behind one mutex. WithTx holds the mutex
// for the whole callback and restores a snapshot if the callback fails.
type Memory struct {
	mu sync.Mutex
	s  *state
}

type state struct {
	enrollments  map[string]billing.Enrollment
	plans        map[string]billing.PaymentPlan
	installments map[string]billing.Installment
	refunds      map[string]billing.Refund
	outbox       map[string]billing.OutboxMessage
	seq          int64 // insertion order for stable listing
	order        map[string]int64
}

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

func newState() *state {
	return &state{
		enrollments:  make(map[string]billing.Enrollment),
		plans:        make(map[string]billing.PaymentPlan),
		installments: make(map[string]billing.Installment),
		refunds:      make(map[string]billing.Refund),
		outbox:       make(map[string]billing.OutboxMessage),
		order:        make(map[string]int64),
	}
}

func (s *state) clone() *state {
	c := &state{
		enrollments:  make(map[string]billing.Enrollment, len(s.enrollments)),
		plans:        make(map[string]billing.PaymentPlan, len(s.plans)),
		installments: make(map[string]billing.Installment, len(s.installments)),
		refunds:      make(map[string]billing.Refund, len(s.refunds)),
		outbox:       make(map[string]billing.OutboxMessage, len(s.outbox)),
		order:        make(map[string]int64, len(s.order)),
		seq:          s.seq,
	}
	for k, v := range s.enrollments {
		c.enrollments[k] = v
	}
	for k, v := range s.plans {
		c.plans[k] = v
	}
	for k, v := range s.installments {
		c.installments[k] = v
	}
	for k, v := range s.refunds {
		c.refunds[k] = v
	}
	for k, v := range s.outbox {
		c.outbox[k] = v
	}
	for k, v := range s.order {
		c.order[k] = v
	}
	return c
}

func (s *state) touch(id string) {
	if _, ok := s.order[id]; !ok {
		s.seq++
		s.order[id] = s.seq
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against a private copy and publishes it on success.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.s.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.s = work
	return nil
}

func (m *Memory) locked(fn func(t *memTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{s: m.s})
}

// memTx implements billing.Tx over a state without locking.
type memTx struct {
	s *state
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

func (t *memTx) GetEnrollment(_ context.Context, id string) (*billing.Enrollment, error) {
	e, ok := t.s.enrollments[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (t *memTx) UpsertEnrollment(_ context.Context, e billing.Enrollment) error {
	if existing, ok := t.s.enrollments[e.ID]; ok {
		e.CreatedAt = existing.CreatedAt
	}
	t.s.enrollments[e.ID] = e
	return nil
}

// =============================================================================
// PLANS
// =============================================================================

func (t *memTx) InsertPlan(_ context.Context, p billing.PaymentPlan) error {
	if _, ok := t.s.plans[p.ID]; ok {
		return billing.ErrDuplicate
	}
	for _, existing := range t.s.plans {
		if existing.EnrollmentID == p.EnrollmentID {
			return billing.ErrDuplicate
		}
	}
	t.s.plans[p.ID] = p
	t.s.touch(p.ID)
	return nil
}

func (t *memTx) GetPlan(_ context.Context, id string) (*billing.PaymentPlan, error) {
	p, ok := t.s.plans[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *memTx) GetPlanByEnrollment(_ context.Context, enrollmentID string) (*billing.PaymentPlan, error) {
	for _, p := range t.s.plans {
		if p.EnrollmentID == enrollmentID {
			return &p, nil
		}
	}
	return nil, nil
}

// LockPlan is GetPlan; the store mutex already serializes transactions.
func (t *memTx) LockPlan(ctx context.Context, id string) (*billing.PaymentPlan, error) {
	return t.GetPlan(ctx, id)
}

func (t *memTx) UpdatePlan(_ context.Context, p billing.PaymentPlan) error {
	if _, ok := t.s.plans[p.ID]; !ok {
		return nil
	}
	t.s.plans[p.ID] = p
	return nil
}

func (t *memTx) DeletePlan(_ context.Context, id string) error {
	delete(t.s.plans, id)
	for iid, inst := range t.s.installments {
		if inst.PlanID == id {
			delete(t.s.installments, iid)
		}
	}
	return nil
}

// =============================================================================
// INSTALLMENTS
// =============================================================================

func (t *memTx) InsertInstallments(_ context.Context, items []billing.Installment) error {
	taken := map[string]map[int]bool{}
	for _, inst := range t.s.installments {
		if taken[inst.PlanID] == nil {
			taken[inst.PlanID] = map[int]bool{}
		}
		taken[inst.PlanID][inst.InstallmentNumber] = true
	}
	for _, inst := range items {
		if _, ok := t.s.plans[inst.PlanID]; !ok {
			return billing.ErrNotFound
		}
		if _, ok := t.s.installments[inst.ID]; ok || taken[inst.PlanID][inst.InstallmentNumber] {
			return billing.ErrDuplicate
		}
		if taken[inst.PlanID] == nil {
			taken[inst.PlanID] = map[int]bool{}
		}
		taken[inst.PlanID][inst.InstallmentNumber] = true
	}
	for _, inst := range items {
		t.s.installments[inst.ID] = inst
		t.s.touch(inst.ID)
	}
	return nil
}

func (t *memTx) GetInstallment(_ context.Context, id string) (*billing.Installment, error) {
	inst, ok := t.s.installments[id]
	if !ok {
		return nil, nil
	}
	return &inst, nil
}

func (t *memTx) ListInstallments(_ context.Context, planID string) ([]billing.Installment, error) {
	var out []billing.Installment
	for _, inst := range t.s.installments {
		if inst.PlanID == planID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstallmentNumber < out[j].InstallmentNumber })
	return out, nil
}

func (t *memTx) MaxInstallmentNumber(_ context.Context, planID string) (int, error) {
	maxNum := 0
	for _, inst := range t.s.installments {
		if inst.PlanID == planID && inst.InstallmentNumber > maxNum {
			maxNum = inst.InstallmentNumber
		}
	}
	return maxNum, nil
}

func (t *memTx) CountPaidInstallments(_ context.Context, planID string) (int, error) {
	n := 0
	for _, inst := range t.s.installments {
		if inst.PlanID == planID && inst.IsPaid() {
			n++
		}
	}
	return n, nil
}

func (t *memTx) MarkInstallmentPaid(_ context.Context, id string, rec billing.PaymentRecord) (bool, error) {
	inst, ok := t.s.installments[id]
	if !ok || inst.IsPaid() {
		return false, nil
	}
	paidAt := rec.PaidAt
	inst.PaymentDate = &paidAt
	inst.PaymentMethod = rec.Method
	inst.ReceiptNumber = rec.ReceiptNumber
	inst.ReceiptURL = rec.ReceiptURL
	inst.ReferenceNumber = rec.ReferenceNumber
	inst.Notes = rec.Notes
	inst.ReceiptMakerID = rec.ReceiptMakerID
	inst.UpdatedAt = rec.PaidAt
	t.s.installments[id] = inst
	return true, nil
}

func (t *memTx) UpdatePaymentDetails(_ context.Context, id string, d billing.PaymentDetails, at time.Time) (bool, error) {
	inst, ok := t.s.installments[id]
	if !ok || !inst.IsPaid() {
		return false, nil
	}
	if d.Method != nil {
		inst.PaymentMethod = *d.Method
	}
	if d.ReceiptNumber != nil {
		inst.ReceiptNumber = *d.ReceiptNumber
	}
	if d.ReceiptURL != nil {
		inst.ReceiptURL = *d.ReceiptURL
	}
	if d.ReferenceNumber != nil {
		inst.ReferenceNumber = *d.ReferenceNumber
	}
	if d.Notes != nil {
		inst.Notes = *d.Notes
	}
	inst.UpdatedAt = at
	t.s.installments[id] = inst
	return true, nil
}

func (t *memTx) UpdateInstallmentSchedule(_ context.Context, id string, c billing.ScheduleChange, at time.Time) (bool, error) {
	inst, ok := t.s.installments[id]
	if !ok || inst.IsPaid() {
		return false, nil
	}
	if c.Amount != nil {
		inst.Amount = *c.Amount
	}
	if c.DueDate != nil {
		d := *c.DueDate
		inst.DueDate = &d
	}
	inst.UpdatedAt = at
	t.s.installments[id] = inst
	return true, nil
}

func (t *memTx) DeleteUnpaidInstallment(_ context.Context, id string) (bool, error) {
	inst, ok := t.s.installments[id]
	if !ok || inst.IsPaid() {
		return false, nil
	}
	delete(t.s.installments, id)
	return true, nil
}

// =============================================================================
// REFUNDS
// =============================================================================

func (t *memTx) InsertRefund(_ context.Context, r billing.Refund) error {
	if _, ok := t.s.refunds[r.ID]; ok {
		return billing.ErrDuplicate
	}
	t.s.refunds[r.ID] = r
	t.s.touch(r.ID)
	return nil
}

func (t *memTx) GetRefund(_ context.Context, id string) (*billing.Refund, error) {
	r, ok := t.s.refunds[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (t *memTx) TransitionRefund(_ context.Context, id string, from billing.RefundStatus, tr billing.RefundTransition) (bool, error) {
	r, ok := t.s.refunds[id]
	if !ok || r.Status != from {
		return false, nil
	}
	at := tr.At
	r.Status = tr.To
	r.UpdatedAt = at
	switch tr.To {
	case billing.RefundApproved:
		r.ApprovedBy = tr.Actor
		r.ApprovedAt = &at
	case billing.RefundCompleted:
		r.ProcessedBy = tr.Actor
		r.ProcessedAt = &at
		r.ReceiptURL = tr.ReceiptURL
	}
	t.s.refunds[id] = r
	return true, nil
}

// =============================================================================
// OUTBOX
// =============================================================================

func (t *memTx) EnqueueOutbox(_ context.Context, msg billing.OutboxMessage) error {
	if _, ok := t.s.outbox[msg.ID]; ok {
		return billing.ErrDuplicate
	}
	if msg.Status == "" {
		msg.Status = billing.OutboxPending
	}
	t.s.outbox[msg.ID] = msg
	t.s.touch(msg.ID)
	return nil
}

// =============================================================================
// STORE METHODS - Locked wrappers and list queries
// =============================================================================

func (m *Memory) GetEnrollment(ctx context.Context, id string) (e *billing.Enrollment, err error) {
	err = m.locked(func(t *memTx) error { e, err = t.GetEnrollment(ctx, id); return err })
	return
}

func (m *Memory) UpsertEnrollment(ctx context.Context, e billing.Enrollment) error {
	return m.locked(func(t *memTx) error { return t.UpsertEnrollment(ctx, e) })
}

func (m *Memory) InsertPlan(ctx context.Context, p billing.PaymentPlan) error {
	return m.locked(func(t *memTx) error { return t.InsertPlan(ctx, p) })
}

func (m *Memory) GetPlan(ctx context.Context, id string) (p *billing.PaymentPlan, err error) {
	err = m.locked(func(t *memTx) error { p, err = t.GetPlan(ctx, id); return err })
	return
}

func (m *Memory) GetPlanByEnrollment(ctx context.Context, enrollmentID string) (p *billing.PaymentPlan, err error) {
	err = m.locked(func(t *memTx) error { p, err = t.GetPlanByEnrollment(ctx, enrollmentID); return err })
	return
}

func (m *Memory) LockPlan(ctx context.Context, id string) (*billing.PaymentPlan, error) {
	return m.GetPlan(ctx, id)
}

func (m *Memory) UpdatePlan(ctx context.Context, p billing.PaymentPlan) error {
	return m.locked(func(t *memTx) error { return t.UpdatePlan(ctx, p) })
}

func (m *Memory) DeletePlan(ctx context.Context, id string) error {
	return m.locked(func(t *memTx) error { return t.DeletePlan(ctx, id) })
}

func (m *Memory) InsertInstallments(ctx context.Context, items []billing.Installment) error {
	return m.locked(func(t *memTx) error { return t.InsertInstallments(ctx, items) })
}

func (m *Memory) GetInstallment(ctx context.Context, id string) (i *billing.Installment, err error) {
	err = m.locked(func(t *memTx) error { i, err = t.GetInstallment(ctx, id); return err })
	return
}

func (m *Memory) ListInstallments(ctx context.Context, planID string) (out []billing.Installment, err error) {
	err = m.locked(func(t *memTx) error { out, err = t.ListInstallments(ctx, planID); return err })
	return
}

func (m *Memory) MaxInstallmentNumber(ctx context.Context, planID string) (n int, err error) {
	err = m.locked(func(t *memTx) error { n, err = t.MaxInstallmentNumber(ctx, planID); return err })
	return
}

func (m *Memory) CountPaidInstallments(ctx context.Context, planID string) (n int, err error) {
	err = m.locked(func(t *memTx) error { n, err = t.CountPaidInstallments(ctx, planID); return err })
	return
}

func (m *Memory) MarkInstallmentPaid(ctx context.Context, id string, rec billing.PaymentRecord) (ok bool, err error) {
	err = m.locked(func(t *memTx) error { ok, err = t.MarkInstallmentPaid(ctx, id, rec); return err })
	return
}

func (m *Memory) UpdatePaymentDetails(ctx context.Context, id string, d billing.PaymentDetails, at time.Time) (ok bool, err error) {
	err = m.locked(func(t *memTx) error { ok, err = t.UpdatePaymentDetails(ctx, id, d, at); return err })
	return
}

func (m *Memory) UpdateInstallmentSchedule(ctx context.Context, id string, c billing.ScheduleChange, at time.Time) (ok bool, err error) {
	err = m.locked(func(t *memTx) error { ok, err = t.UpdateInstallmentSchedule(ctx, id, c, at); return err })
	return
}

func (m *Memory) DeleteUnpaidInstallment(ctx context.Context, id string) (ok bool, err error) {
	err = m.locked(func(t *memTx) error { ok, err = t.DeleteUnpaidInstallment(ctx, id); return err })
	return
}

func (m *Memory) InsertRefund(ctx context.Context, r billing.Refund) error {
	return m.locked(func(t *memTx) error { return t.InsertRefund(ctx, r) })
}

func (m *Memory) GetRefund(ctx context.Context, id string) (r *billing.Refund, err error) {
	err = m.locked(func(t *memTx) error { r, err = t.GetRefund(ctx, id); return err })
	return
}

func (m *Memory) TransitionRefund(ctx context.Context, id string, from billing.RefundStatus, tr billing.RefundTransition) (ok bool, err error) {
	err = m.locked(func(t *memTx) error { ok, err = t.TransitionRefund(ctx, id, from, tr); return err })
	return
}

func (m *Memory) EnqueueOutbox(ctx context.Context, msg billing.OutboxMessage) error {
	return m.locked(func(t *memTx) error { return t.EnqueueOutbox(ctx, msg) })
}

// ListPlans returns plans newest first.
func (m *Memory) ListPlans(_ context.Context, f billing.PlanFilter) ([]billing.PaymentPlan, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []billing.PaymentPlan
	for _, p := range m.s.plans {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.TermID != "" && m.s.enrollments[p.EnrollmentID].TermID != f.TermID {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return m.s.order[matched[i].ID] > m.s.order[matched[j].ID]
	})
	return paginate(matched, f.Page), int64(len(matched)), nil
}

// ListUnpaidDue returns unpaid installments by due date, then number.
func (m *Memory) ListUnpaidDue(_ context.Context, q billing.DueQuery) ([]billing.PlanInstallment, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []billing.PlanInstallment
	for _, inst := range m.s.installments {
		if inst.IsPaid() || inst.DueDate == nil {
			continue
		}
		if !q.DueFrom.IsZero() && inst.DueDate.Before(q.DueFrom) {
			continue
		}
		if !q.DueBefore.IsZero() && !inst.DueDate.Before(q.DueBefore) {
			continue
		}
		plan, ok := m.s.plans[inst.PlanID]
		if !ok {
			continue
		}
		matched = append(matched, billing.PlanInstallment{Installment: inst, EnrollmentID: plan.EnrollmentID})
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.DueDate.Equal(*b.DueDate) {
			return a.DueDate.Before(*b.DueDate)
		}
		if a.InstallmentNumber != b.InstallmentNumber {
			return a.InstallmentNumber < b.InstallmentNumber
		}
		return strings.Compare(a.ID, b.ID) < 0
	})
	return paginate(matched, q.Page), int64(len(matched)), nil
}

// ListRefunds returns refunds newest first.
func (m *Memory) ListRefunds(_ context.Context, f billing.RefundFilter) ([]billing.Refund, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []billing.Refund
	for _, r := range m.s.refunds {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.EnrollmentID != "" && r.EnrollmentID != f.EnrollmentID {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool {
		return m.s.order[matched[i].ID] > m.s.order[matched[j].ID]
	})
	return paginate(matched, f.Page), int64(len(matched)), nil
}

func (m *Memory) PendingOutbox(_ context.Context, limit, maxAttempts int) ([]billing.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []billing.OutboxMessage
	for _, msg := range m.s.outbox {
		if msg.Status == billing.OutboxPending && msg.Attempts < maxAttempts {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.s.order[out[i].ID] < m.s.order[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkOutboxSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.s.outbox[id]
	if !ok {
		return nil
	}
	msg.Status = billing.OutboxSent
	msg.SentAt = &at
	m.s.outbox[id] = msg
	return nil
}

func (m *Memory) MarkOutboxFailed(_ context.Context, id string, lastErr string, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.s.outbox[id]
	if !ok || msg.Status != billing.OutboxPending {
		return nil
	}
	msg.Attempts++
	msg.LastError = lastErr
	if dead {
		msg.Status = billing.OutboxFailed
	}
	m.s.outbox[id] = msg
	return nil
}

// Reset drops all state.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = newState()
	return nil
}

// Outbox returns every message in enqueue order. Test helper.
func (m *Memory) Outbox() []billing.OutboxMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]billing.OutboxMessage, 0, len(m.s.outbox))
	for _, msg := range m.s.outbox {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return m.s.order[out[i].ID] < m.s.order[out[j].ID] })
	return out
}

func paginate[T any](items []T, p billing.Page) []T {
	p = p.Normalize()
	start := p.Offset()
	if start >= len(items) {
		return nil
	}
	end := start + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

var _ billing.Store = (*Memory)(nil)
