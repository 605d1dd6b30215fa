package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var jan15 = time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)

func day(year int, month time.Month, d int) *time.Time {
	t := time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func money(s string) billing.Money { return billing.MustMoney(s) }

func ptr[T any](v T) *T { return &v }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// recordingNotifier captures receipts; set fail to simulate an outage.
type recordingNotifier struct {
	mu       sync.Mutex
	receipts []billing.Receipt
	fail     error
}

func (n *recordingNotifier) SendReceipt(_ context.Context, r billing.Receipt) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.receipts = append(n.receipts, r)
	return nil
}

func (n *recordingNotifier) Receipts() []billing.Receipt {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]billing.Receipt(nil), n.receipts...)
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *store.Memory
	clock    *testClock
	notifier *recordingNotifier
	engine   *billing.Engine
}

func newFixture(t *testing.T, opts ...billing.Option) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    store.NewMemory(),
		clock:    &testClock{now: jan15},
		notifier: &recordingNotifier{},
	}
	base := []billing.Option{
		billing.WithClock(f.clock),
		billing.WithNotifier(f.notifier),
		billing.WithLogger(zaptest.NewLogger(t)),
	}
	f.engine = billing.NewEngine(f.store, append(base, opts...)...)
	return f
}

func (f *fixture) enroll(id, termID string) billing.Enrollment {
	f.t.Helper()
	en := billing.Enrollment{
		ID:           id,
		StudentID:    "stu-" + id,
		StudentName:  "Student " + id,
		StudentEmail: id + "@example.com",
		TermID:       termID,
	}
	require.NoError(f.t, f.engine.SyncEnrollment(f.ctx, en))
	return en
}

// scenarioPlan creates the reference plan: 300 total, 50 discount, three
// installments of 83.33 due on the 1st of Jan, Feb and Mar 2025.
func (f *fixture) scenarioPlan(enrollmentID string) *billing.PlanView {
	f.t.Helper()
	view, err := f.engine.CreatePlan(f.ctx, billing.CreatePlanInput{
		EnrollmentID:   enrollmentID,
		TotalAmount:    money("300"),
		DiscountAmount: money("50"),
		DiscountReason: "sibling discount",
		Installments: []billing.ScheduleRow{
			{InstallmentNumber: 1, Amount: money("83.33"), DueDate: day(2025, time.January, 1)},
			{InstallmentNumber: 2, Amount: money("83.33"), DueDate: day(2025, time.February, 1)},
			{InstallmentNumber: 3, Amount: money("83.33"), DueDate: day(2025, time.March, 1)},
		},
	})
	require.NoError(f.t, err)
	return view
}

func (f *fixture) pay(installmentID string) (*billing.PaymentResult, error) {
	return f.engine.RecordPayment(f.ctx, installmentID, billing.RecordPaymentInput{
		Method:        billing.MethodCash,
		ReceiptNumber: "RCPT-" + installmentID,
		ActorID:       "admin-1",
	})
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// faultyStore fails InsertInstallments inside transactions.
type faultyStore struct {
	*store.Memory
}

type faultyTx struct {
	billing.Tx
}

var errDiskFull = errors.New("disk full")

func (faultyTx) InsertInstallments(context.Context, []billing.Installment) error {
	return errDiskFull
}

func (s faultyStore) WithTx(ctx context.Context, fn func(billing.Tx) error) error {
	return s.Memory.WithTx(ctx, func(tx billing.Tx) error {
		return fn(faultyTx{Tx: tx})
	})
}
