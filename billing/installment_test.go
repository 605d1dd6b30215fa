package billing_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// RECORD PAYMENT
// =============================================================================

func TestRecordPayment_ScenarioBalance(t *testing.T) {
	// GIVEN: 300 - 50, three installments of 83.33
	f := newFixture(t)
	f.enroll("enr-1", "term-1")
	view := f.scenarioPlan("enr-1")

	// WHEN: installment #1 is paid
	res, err := f.pay(view.Installments[0].ID)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, res.Installment.Status)
	require.NotNil(t, res.Installment.PaymentDate)
	assert.Equal(t, jan15, *res.Installment.PaymentDate)
	assert.Equal(t, billing.MethodCash, res.Installment.PaymentMethod)
	assert.Equal(t, "admin-1", res.Installment.ReceiptMakerID)

	b := res.Balance
	assert.True(t, b.TotalPaid.Equal(money("83.33")))
	assert.True(t, b.Balance.Equal(money("166.67")))
	assert.Equal(t, 2, b.RemainingInstallments)
	assert.True(t, b.NextDueAmount.Equal(money("83.33")))
	assert.Equal(t, *day(2025, time.February, 1), *b.NextDueDate)

	balance, err := f.engine.GetBalance(f.ctx, "enr-1")
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(money("166.67")))
}

func TestRecordPayment_SendsReceiptAfterCommit(t *testing.T) {
	f := newFixture(t, billing.WithCurrency("BHD"))
	f.enroll("enr-1", "term-1")
	view := f.scenarioPlan("enr-1")

	_, err := f.pay(view.Installments[0].ID)
	require.NoError(t, err)

	receipts := f.notifier.Receipts()
	require.Len(t, receipts, 1)
	r := receipts[0]
	assert.Equal(t, "enr-1@example.com", r.RecipientEmail)
	assert.Equal(t, "Student enr-1", r.RecipientName)
	assert.Equal(t, 1, r.InstallmentNumber)
	assert.Equal(t, "BHD", r.Currency)
	assert.True(t, r.Amount.Equal(money("83.33")))
	assert.True(t, r.Balance.Equal(money("166.67")))

	outbox := f.store.Outbox()
	require.Len(t, outbox, 1)
	assert.Equal(t, billing.OutboxSent, outbox[0].Status)
}

func TestRecordPayment_AlreadyPaid(t *testing.T) {
	// GIVEN: a paid installment
	f := newFixture(t)
	f.enroll("enr-1", "term-1")
	view := f.scenarioPlan("enr-1")
	id := view.Installments[0].ID
	_, err := f.pay(id)
	require.NoError(t, err)
	before, err := f.engine.GetBalance(f.ctx, "enr-1")
	require.NoError(t, err)

	// WHEN: it is paid again, later, by someone else
	f.clock.Set(jan15.Add(48 * time.Hour))
	_, err = f.engine.RecordPayment(f.ctx, id, billing.RecordPaymentInput{
		Method:  billing.MethodBenefitPay,
		ActorID: "admin-2",
	})

	// THEN: Conflict, original record and balance unchanged
	assert.True(t, billing.IsConflict(err))
	assert.ErrorIs(t, err, billing.ErrAlreadyPaid)
	assert.Equal(t, "installment already paid (installment "+id+")", err.Error())

	inst, err := f.store.GetInstallment(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jan15, *inst.PaymentDate)
	assert.Equal(t, billing.MethodCash, inst.PaymentMethod)

	after, err := f.engine.GetBalance(f.ctx, "enr-1")
	require.NoError(t, err)
	assert.True(t, before.TotalPaid.Equal(after.TotalPaid))
	assert.Len(t, f.notifier.Receipts(), 1)
}

func TestRecordPayment_ConcurrentCallsExactlyOneWins(t *testing.T) {
	// GIVEN: one unpaid installment and many concurrent payers
	f := newFixture(t)
	f.enroll("enr-1", "term-1")
	view := f.scenarioPlan("enr-1")
	id := view.Installments[1].ID

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.pay(id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, billing.ErrAlreadyPaid):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	// WHEN
	close(start)
	wg.Wait()

	// THEN: one success, everyone else Conflict, money counted once
	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, conflicts)
	b, err := f.engine.GetBalance(f.ctx, "enr-1")
	require.NoError(t, err)
	assert.True(t, b.TotalPaid.Equal(money("83.33")))
	assert.Equal(t, 1, b.PaidInstallments)
	assert.Len(t, f.store.Outbox(), 1, "one receipt enqueued")
}

func TestRecordPayment_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.pay("missing")

	assert.True(t, billing.IsNotFound(err))
}

func TestRecordPayment_Validation(t *testing.T) {
	f := newFixture(t)
	f.enroll("enr-1", "term-1")
	view := f.scenarioPlan("enr-1")
	id := view.Installments[0].ID

	_, err := f.engine.RecordPayment(f.ctx, id, billing.RecordPaymentInput{Method: "CHEQUE", ActorID: "admin-1"})
	var ve *billing.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "payment_method")

	_, err = f.engine.RecordPayment(f.ctx, id, billing.RecordPaymentInput{Method: billing.MethodCash})
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "actor_id")

	inst, _ := f.store.GetInstallment(f.ctx, id)
	assert.Nil(t, inst.PaymentDate, "validation runs before any write")
}

func TestRecordPayment_NotifierFailureKeepsPayment(t *testing.T) {
	// GIVEN: a notifier that is down, and an observed logger
	core, logs := observer.New(zapcore.WarnLevel)
	f := newFixture(t, billing.WithLogger(zap.New(core)))
	f.notifier.fail = errors.New("smtp timeout")
	f.enroll("enr-1", "term-1")
	view := f.scenarioPlan("enr-1")

	// WHEN
	res, err := f.pay(view.Installments[0].ID)

	// THEN: the payment stands, the receipt waits for the relay
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, res.Installment.Status)

	outbox := f.store.Outbox()
	require.Len(t, outbox, 1)
	assert.Equal(t, billing.OutboxPending, outbox[0].Status)
	assert.Equal(t, 1, outbox[0].Attempts)
	assert.Equal(t, "smtp timeout", outbox[0].LastError)

	warnings := logs.FilterMessage("receipt notification failed, left for relay").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "billing.engine", warnings[0].LoggerName)
}

// =============================================================================
// CORRECTIONS ON PAID ROWS
// =============================================================================

func TestUpdatePaymentDetails_OnlyWhenPaid(t *testing.T) {
	f := newFixture(t)
	f.enroll("enr-1", "term-1")
	view := f.scenarioPlan("enr-1")
	id := view.Installments[0].ID

	// unpaid: Conflict
	_, err := f.engine.UpdatePaymentDetails(f.ctx, id, billing.PaymentDetails{Notes: ptr("late")})
	assert.ErrorIs(t, err, billing.ErrNotYetPaid)

	// paid: metadata changes, amount and date of record do not
	_, err = f.pay(id)
	require.NoError(t, err)
	f.clock.Set(jan15.Add(24 * time.Hour))

	updated, err := f.engine.UpdatePaymentDetails(f.ctx, id, billing.PaymentDetails{
		Method:          ptr(billing.MethodBankTransfer),
		ReceiptNumber:   ptr("RCPT-FIXED"),
		ReferenceNumber: ptr("BNK-991"),
	})

	require.NoError(t, err)
	assert.Equal(t, billing.MethodBankTransfer, updated.PaymentMethod)
	assert.Equal(t, "RCPT-FIXED", updated.ReceiptNumber)
	assert.Equal(t, "BNK-991", updated.ReferenceNumber)
	assert.Equal(t, jan15, *updated.PaymentDate)
	assert.True(t, updated.Amount.Equal(money("83.33")))
}

func TestUpdatePaymentDetails_RejectsUnknownMethod(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.UpdatePaymentDetails(f.ctx, "any", billing.PaymentDetails{Method: ptr(billing.PaymentMethod("GOLD"))})

	assert.True(t, billing.IsValidation(err))
}

// =============================================================================
// SCHEDULE EDITS
// =============================================================================

func TestPaidInstallmentIsImmutable(t *testing.T) {
	f := newFixture(t)
	f.enroll("enr-1", "term-1")
	view := f.scenarioPlan("enr-1")
	id := view.Installments[0].ID
	_, err := f.pay(id)
	require.NoError(t, err)

	_, err = f.engine.UpdateInstallment(f.ctx, id, billing.ScheduleChange{Amount: ptr(money("1"))})
	assert.ErrorIs(t, err, billing.ErrPaidInstallmentImmutable)

	err = f.engine.DeleteInstallment(f.ctx, id)
	assert.ErrorIs(t, err, billing.ErrPaidInstallmentImmutable)

	inst, err := f.store.GetInstallment(f.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.True(t, inst.Amount.Equal(money("83.33")))
}

func TestUpdateInstallment_Unpaid(t *testing.T) {
	f := newFixture(t)
	f.enroll("enr-1", "term-1")
	view := f.scenarioPlan("enr-1")
	id := view.Installments[2].ID

	updated, err := f.engine.UpdateInstallment(f.ctx, id, billing.ScheduleChange{
		Amount:  ptr(money("90")),
		DueDate: day(2025, time.March, 15),
	})

	require.NoError(t, err)
	assert.True(t, updated.Amount.Equal(money("90")))
	assert.Equal(t, *day(2025, time.March, 15), *updated.DueDate)

	_, err = f.engine.UpdateInstallment(f.ctx, id, billing.ScheduleChange{Amount: ptr(money("0"))})
	assert.True(t, billing.IsValidation(err))

	_, err = f.engine.UpdateInstallment(f.ctx, "missing", billing.ScheduleChange{})
	assert.True(t, billing.IsNotFound(err))
}

func TestDeleteInstallment_Unpaid(t *testing.T) {
	f := newFixture(t)
	f.enroll("enr-1", "term-1")
	view := f.scenarioPlan("enr-1")

	require.NoError(t, f.engine.DeleteInstallment(f.ctx, view.Installments[2].ID))

	after, err := f.engine.GetPlanByEnrollment(f.ctx, "enr-1")
	require.NoError(t, err)
	assert.Len(t, after.Installments, 2)
	assert.Equal(t, 3, after.Balance.TotalInstallments, "declared count is not rewritten")
	assert.Equal(t, 2, after.Balance.LiveInstallments)

	assert.True(t, billing.IsNotFound(f.engine.DeleteInstallment(f.ctx, view.Installments[2].ID)))
}

func TestAddInstallment_AppendsNextNumber(t *testing.T) {
	f := newFixture(t)
	f.enroll("enr-1", "term-1")
	view := f.scenarioPlan("enr-1")

	// a gap in numbering does not confuse max+1
	require.NoError(t, f.engine.DeleteInstallment(f.ctx, view.Installments[1].ID))

	inst, err := f.engine.AddInstallment(f.ctx, view.Plan.ID, billing.AddInstallmentInput{
		Amount:  money("20"),
		DueDate: day(2025, time.April, 1),
	})

	require.NoError(t, err)
	assert.Equal(t, 4, inst.InstallmentNumber)

	after, err := f.engine.GetPlanByEnrollment(f.ctx, "enr-1")
	require.NoError(t, err)
	require.Len(t, after.Installments, 3)
	assert.Equal(t, 4, after.Installments[2].InstallmentNumber)
	assert.True(t, after.Installments[0].Amount.Equal(money("83.33")), "siblings untouched")
	assert.Equal(t, 3, after.Plan.TotalInstallments)

	_, err = f.engine.AddInstallment(f.ctx, "missing", billing.AddInstallmentInput{Amount: money("1")})
	assert.True(t, billing.IsNotFound(err))

	_, err = f.engine.AddInstallment(f.ctx, view.Plan.ID, billing.AddInstallmentInput{Amount: money("-1")})
	assert.True(t, billing.IsValidation(err))
}
