/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Plan creation, amendment and deletion
- Payment recording and error status mapping
- Schedule edits, overdue and upcoming reports
- Refund workflow
- Optional integrations (gateway, outbox relay)
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
	"github.com/warp/billing-engine/report"
	"github.com/warp/billing-engine/scheduler"
)

// =============================================================================
// FIXTURE
// =============================================================================

type apiFixture struct {
	t       *testing.T
	handler *api.Handler
	router  http.Handler
	engine  *billing.Engine
}

func newFixture(t *testing.T, now time.Time) *apiFixture {
	t.Helper()
	engine := billing.NewEngine(store.NewMemory(),
		billing.WithClock(billing.FixedClock{At: now}),
		billing.WithCurrency("BHD"),
		billing.WithLogger(zaptest.NewLogger(t)),
	)
	h := api.NewHandler(engine, zaptest.NewLogger(t))
	return &apiFixture{t: t, handler: h, router: api.NewRouter(h), engine: engine}
}

// do sends body as JSON with actor in X-Actor-ID (if set).
func (f *apiFixture) do(method, path string, body any, actor string) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(api.ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *apiFixture) enroll(id string) {
	f.t.Helper()
	rec := f.do(http.MethodPut, "/api/enrollments/"+id, map[string]string{
		"student_id":    "stu-" + id,
		"student_name":  "Student " + id,
		"student_email": id + "@example.com",
		"term_id":       "2025-T1",
	}, "")
	require.Equal(f.t, http.StatusOK, rec.Code, rec.Body.String())
}

// createPlan creates a 300.000 plan of three 100.000 installments due on
// the first of April, May and June 2025.
func (f *apiFixture) createPlan(enrollmentID string) api.PlanViewDTO {
	f.t.Helper()
	f.enroll(enrollmentID)
	rec := f.do(http.MethodPost, "/api/payments/plans", map[string]any{
		"enrollment_id": enrollmentID,
		"total_amount":  "300",
		"installments": []map[string]any{
			{"installment_number": 1, "amount": "100", "due_date": "2025-04-01"},
			{"installment_number": 2, "amount": "100", "due_date": "2025-05-01"},
			{"installment_number": 3, "amount": "100", "due_date": "2025-06-01"},
		},
	}, "")
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.PlanViewDTO](f.t, rec)
}

func (f *apiFixture) pay(installmentID string) *httptest.ResponseRecorder {
	f.t.Helper()
	return f.do(http.MethodPost, "/api/payments/installments/"+installmentID+"/pay", map[string]string{
		"payment_method": "CASH",
		"receipt_number": "R-1",
	}, "admin-1")
}

var march10 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

// =============================================================================
// PLANS
// =============================================================================

func TestCreatePlan_ExplicitRows(t *testing.T) {
	f := newFixture(t, march10)

	view := f.createPlan("enr-1")

	assert.Equal(t, "300.000", view.Plan.FinalAmount)
	assert.Equal(t, 3, view.Plan.TotalInstallments)
	assert.Equal(t, "BHD", view.Plan.Currency)
	require.Len(t, view.Installments, 3)
	assert.Equal(t, "2025-04-01", *view.Installments[0].DueDate)
	assert.Equal(t, "PENDING", view.Installments[0].Status)
	assert.Nil(t, view.Installments[0].PaymentDate)
	assert.Equal(t, "300.000", view.Balance.Balance)
	assert.Equal(t, "2025-04-01", *view.Balance.NextDueDate)
	require.NotNil(t, view.Enrollment)
	assert.Equal(t, "Student enr-1", view.Enrollment.StudentName)
}

func TestCreatePlan_GeneratedSchedule(t *testing.T) {
	f := newFixture(t, march10)
	f.enroll("enr-1")

	rec := f.do(http.MethodPost, "/api/payments/plans", map[string]any{
		"enrollment_id": "enr-1",
		"total_amount":  "100",
		"schedule":      map[string]any{"count": 3, "first_due_date": "2025-04-15"},
	}, "")

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	view := decode[api.PlanViewDTO](t, rec)
	require.Len(t, view.Installments, 3)
	dates := []string{*view.Installments[0].DueDate, *view.Installments[1].DueDate, *view.Installments[2].DueDate}
	assert.Equal(t, []string{"2025-04-15", "2025-05-15", "2025-06-15"}, dates)
	assert.Equal(t, "33.333", view.Installments[0].Amount)
	assert.Equal(t, "33.334", view.Installments[2].Amount)
}

func TestCreatePlan_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		status int
		field  string
	}{
		{
			name:   "bad due date",
			body:   map[string]any{"enrollment_id": "enr-1", "total_amount": "100", "installments": []map[string]any{{"installment_number": 1, "amount": "100", "due_date": "01/04/2025"}}},
			status: http.StatusBadRequest,
			field:  "installments[0].due_date",
		},
		{
			name:   "discount above total",
			body:   map[string]any{"enrollment_id": "enr-1", "total_amount": "100", "discount_amount": "150", "installments": []map[string]any{{"installment_number": 1, "amount": "100"}}},
			status: http.StatusBadRequest,
			field:  "discount_amount",
		},
		{
			name:   "unknown enrollment",
			body:   map[string]any{"enrollment_id": "enr-404", "total_amount": "100", "installments": []map[string]any{{"installment_number": 1, "amount": "100"}}},
			status: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, march10)
			f.enroll("enr-1")

			rec := f.do(http.MethodPost, "/api/payments/plans", tt.body, "")

			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decode[api.ErrorResponse](t, rec)
			if tt.field != "" {
				assert.Contains(t, resp.Fields, tt.field)
			}
		})
	}
}

func TestCreatePlan_MalformedBody(t *testing.T) {
	f := newFixture(t, march10)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/plans", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()

	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[api.ErrorResponse](t, rec).Fields, "body")
}

func TestCreatePlan_SecondPlanConflicts(t *testing.T) {
	f := newFixture(t, march10)
	f.createPlan("enr-1")

	rec := f.do(http.MethodPost, "/api/payments/plans", map[string]any{
		"enrollment_id": "enr-1",
		"total_amount":  "100",
		"installments":  []map[string]any{{"installment_number": 1, "amount": "100"}},
	}, "")

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAmendPlan(t *testing.T) {
	f := newFixture(t, march10)
	view := f.createPlan("enr-1")

	rec := f.do(http.MethodPatch, "/api/payments/plans/"+view.Plan.ID, map[string]any{
		"discount_amount": "30",
		"discount_reason": "Early bird",
	}, "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	plan := decode[api.PlanDTO](t, rec)
	assert.Equal(t, "270.000", plan.FinalAmount)
	assert.Equal(t, "Early bird", plan.DiscountReason)

	bal := decode[api.BalanceDTO](t, f.do(http.MethodGet, "/api/payments/balance/enrollment/enr-1", nil, ""))
	assert.Equal(t, "270.000", bal.Balance)
}

func TestDeletePlan(t *testing.T) {
	f := newFixture(t, march10)
	view := f.createPlan("enr-1")

	rec := f.do(http.MethodDelete, "/api/payments/plans/"+view.Plan.ID, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/api/payments/plans/enrollment/enr-1", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeletePlan_WithPaymentConflicts(t *testing.T) {
	f := newFixture(t, march10)
	view := f.createPlan("enr-1")
	require.Equal(t, http.StatusOK, f.pay(view.Installments[0].ID).Code)

	rec := f.do(http.MethodDelete, "/api/payments/plans/"+view.Plan.ID, nil, "")

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListPlans(t *testing.T) {
	f := newFixture(t, march10)
	f.createPlan("enr-1")
	f.createPlan("enr-2")

	rec := f.do(http.MethodGet, "/api/payments/plans?limit=1&term_id=2025-T1", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[api.ListResponse[api.PlanSummaryDTO]](t, rec)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, int64(2), resp.Pagination.Total)
	assert.True(t, resp.Pagination.HasNext)

	rec = f.do(http.MethodGet, "/api/payments/plans?page=x", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestRecordPayment(t *testing.T) {
	f := newFixture(t, march10)
	view := f.createPlan("enr-1")
	id := view.Installments[0].ID

	// WHEN: the first installment is paid
	rec := f.pay(id)

	// THEN: installment is PAID and the balance drops
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.PaymentResultDTO](t, rec)
	assert.Equal(t, "PAID", res.Installment.Status)
	assert.Equal(t, "admin-1", res.Installment.ReceiptMakerID)
	require.NotNil(t, res.Installment.PaymentDate)
	assert.Equal(t, "200.000", res.Balance.Balance)
	assert.Equal(t, 1, res.Balance.PaidInstallments)
	assert.Equal(t, "2025-05-01", *res.Balance.NextDueDate)

	// AND: paying again conflicts
	assert.Equal(t, http.StatusConflict, f.pay(id).Code)
}

func TestRecordPayment_Errors(t *testing.T) {
	f := newFixture(t, march10)
	view := f.createPlan("enr-1")
	id := view.Installments[0].ID

	noActor := f.do(http.MethodPost, "/api/payments/installments/"+id+"/pay", map[string]string{"payment_method": "CASH"}, "")
	require.Equal(t, http.StatusBadRequest, noActor.Code)
	assert.Contains(t, decode[api.ErrorResponse](t, noActor).Fields, "actor_id")

	badMethod := f.do(http.MethodPost, "/api/payments/installments/"+id+"/pay", map[string]string{"payment_method": "CHEQUE"}, "admin-1")
	require.Equal(t, http.StatusBadRequest, badMethod.Code)
	assert.Contains(t, decode[api.ErrorResponse](t, badMethod).Fields, "payment_method")

	assert.Equal(t, http.StatusNotFound, f.pay("missing").Code)
}

func TestUpdatePaymentDetails(t *testing.T) {
	f := newFixture(t, march10)
	view := f.createPlan("enr-1")
	id := view.Installments[0].ID

	// unpaid installments have no payment details to correct
	rec := f.do(http.MethodPut, "/api/payments/installments/"+id, map[string]string{"receipt_number": "R-9"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.Equal(t, http.StatusOK, f.pay(id).Code)
	rec = f.do(http.MethodPut, "/api/payments/installments/"+id, map[string]string{"receipt_number": "R-9"}, "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	inst := decode[api.InstallmentDTO](t, rec)
	assert.Equal(t, "R-9", inst.ReceiptNumber)
	assert.Equal(t, "CASH", inst.PaymentMethod)
	assert.Equal(t, "PAID", inst.Status)
}

// =============================================================================
// SCHEDULE EDITS
// =============================================================================

func TestInstallmentEdits(t *testing.T) {
	f := newFixture(t, march10)
	view := f.createPlan("enr-1")

	// add
	rec := f.do(http.MethodPost, "/api/payments/plans/"+view.Plan.ID+"/installments",
		map[string]string{"amount": "50", "due_date": "2025-07-01"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	added := decode[api.InstallmentDTO](t, rec)
	assert.Equal(t, 4, added.InstallmentNumber)
	assert.Equal(t, "50.000", added.Amount)

	// reschedule into the past makes it overdue
	rec = f.do(http.MethodPatch, "/api/payments/installments/"+added.ID,
		map[string]string{"due_date": "2025-03-01"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	edited := decode[api.InstallmentDTO](t, rec)
	assert.Equal(t, "2025-03-01", *edited.DueDate)
	assert.Equal(t, "50.000", edited.Amount)
	assert.Equal(t, "OVERDUE", edited.Status)

	// delete
	rec = f.do(http.MethodDelete, "/api/payments/installments/"+added.ID, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	plan := decode[api.PlanViewDTO](t, f.do(http.MethodGet, "/api/payments/plans/enrollment/enr-1", nil, ""))
	assert.Len(t, plan.Installments, 3)
}

func TestInstallmentEdits_PaidRejected(t *testing.T) {
	f := newFixture(t, march10)
	view := f.createPlan("enr-1")
	id := view.Installments[0].ID
	require.Equal(t, http.StatusOK, f.pay(id).Code)

	assert.Equal(t, http.StatusConflict,
		f.do(http.MethodPatch, "/api/payments/installments/"+id, map[string]string{"amount": "10"}, "").Code)
	assert.Equal(t, http.StatusConflict,
		f.do(http.MethodDelete, "/api/payments/installments/"+id, nil, "").Code)
}

// =============================================================================
// REPORTS
// =============================================================================

func TestListOverdue(t *testing.T) {
	// GIVEN: today is 2025-05-10, installments 1 and 2 are past due
	f := newFixture(t, time.Date(2025, time.May, 10, 9, 0, 0, 0, time.UTC))
	view := f.createPlan("enr-1")
	require.Equal(t, http.StatusOK, f.pay(view.Installments[1].ID).Code)

	rec := f.do(http.MethodGet, "/api/payments/installments/overdue", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[api.ListResponse[api.OverdueDTO]](t, rec)
	require.Len(t, resp.Data, 1)
	row := resp.Data[0]
	assert.Equal(t, view.Installments[0].ID, row.Installment.ID)
	assert.Equal(t, "OVERDUE", row.Installment.Status)
	assert.Equal(t, 39, row.DaysOverdue)
	assert.Equal(t, "Student enr-1", row.StudentName)
}

func TestExportOverdue(t *testing.T) {
	f := newFixture(t, time.Date(2025, time.May, 10, 9, 0, 0, 0, time.UTC))
	f.createPlan("enr-1")

	rec := f.do(http.MethodGet, "/api/payments/installments/overdue/export", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, report.ContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), report.OverdueFileName("2025-05-10"))
	assert.NotZero(t, rec.Body.Len())
}

func TestListUpcoming(t *testing.T) {
	f := newFixture(t, time.Date(2025, time.March, 28, 9, 0, 0, 0, time.UTC))
	f.createPlan("enr-1")

	resp := decode[api.ListResponse[api.UpcomingDTO]](t,
		f.do(http.MethodGet, "/api/payments/installments/upcoming", nil, ""))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, 4, resp.Data[0].DaysUntilDue)

	resp = decode[api.ListResponse[api.UpcomingDTO]](t,
		f.do(http.MethodGet, "/api/payments/installments/upcoming?days=40", nil, ""))
	assert.Len(t, resp.Data, 2)

	assert.Equal(t, http.StatusBadRequest,
		f.do(http.MethodGet, "/api/payments/installments/upcoming?days=-1", nil, "").Code)
}

// =============================================================================
// REFUNDS
// =============================================================================

func TestRefundWorkflow(t *testing.T) {
	f := newFixture(t, march10)
	view := f.createPlan("enr-1")
	inst := view.Installments[0].ID

	// request
	rec := f.do(http.MethodPost, "/api/payments/refunds", map[string]any{
		"enrollment_id":  "enr-1",
		"installment_id": inst,
		"refund_amount":  "25",
		"refund_reason":  "Course dropped",
	}, "clerk-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	refund := decode[api.RefundDTO](t, rec)
	assert.Equal(t, "PENDING", refund.Status)
	assert.Equal(t, "clerk-1", refund.RequestedBy)
	assert.Equal(t, "25.000", refund.Amount)

	// process before approval conflicts
	rec = f.do(http.MethodPatch, "/api/payments/refunds/"+refund.ID+"/process", nil, "cashier-1")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// approve
	rec = f.do(http.MethodPatch, "/api/payments/refunds/"+refund.ID+"/approve", nil, "lead-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "APPROVED", decode[api.RefundDTO](t, rec).Status)
	assert.Equal(t, http.StatusConflict,
		f.do(http.MethodPatch, "/api/payments/refunds/"+refund.ID+"/approve", nil, "lead-1").Code)

	// process
	rec = f.do(http.MethodPatch, "/api/payments/refunds/"+refund.ID+"/process",
		map[string]string{"receipt_url": "https://files.example.com/refund.pdf"}, "cashier-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[api.RefundDTO](t, rec)
	assert.Equal(t, "COMPLETED", done.Status)
	assert.Equal(t, "cashier-1", done.ProcessedBy)
	assert.NotNil(t, done.ProcessedAt)

	// list
	list := decode[api.ListResponse[api.RefundDTO]](t,
		f.do(http.MethodGet, "/api/payments/refunds?status=COMPLETED&enrollment_id=enr-1", nil, ""))
	require.Len(t, list.Data, 1)
	assert.Equal(t, refund.ID, list.Data[0].ID)

	// refunds never touch the balance
	bal := decode[api.BalanceDTO](t, f.do(http.MethodGet, "/api/payments/balance/enrollment/enr-1", nil, ""))
	assert.Equal(t, "300.000", bal.Balance)
}

func TestRequestRefund_InstallmentOfAnotherEnrollment(t *testing.T) {
	f := newFixture(t, march10)
	f.createPlan("enr-1")
	other := f.createPlan("enr-2")

	rec := f.do(http.MethodPost, "/api/payments/refunds", map[string]any{
		"enrollment_id":  "enr-1",
		"installment_id": other.Installments[0].ID,
		"refund_amount":  "25",
		"refund_reason":  "wrong",
	}, "clerk-1")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// INTEGRATIONS
// =============================================================================

type stubConfirmer struct {
	engine *billing.Engine
	err    error
}

func (s stubConfirmer) Confirm(ctx context.Context, orderID, installmentID, actor string) (*billing.PaymentResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.engine.RecordPayment(ctx, installmentID, billing.RecordPaymentInput{
		Method:        billing.MethodOnlinePayment,
		ReceiptNumber: "MIDTRANS-" + orderID,
		ActorID:       actor,
	})
}

func TestConfirmMidtrans(t *testing.T) {
	f := newFixture(t, march10)
	view := f.createPlan("enr-1")
	body := map[string]string{"order_id": "ord-1", "installment_id": view.Installments[0].ID}

	// not configured
	assert.Equal(t, http.StatusServiceUnavailable,
		f.do(http.MethodPost, "/api/payments/gateway/midtrans/confirm", body, "portal").Code)

	f.handler.Confirmer = stubConfirmer{engine: f.engine}
	rec := f.do(http.MethodPost, "/api/payments/gateway/midtrans/confirm", body, "portal")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.PaymentResultDTO](t, rec)
	assert.Equal(t, "ONLINE_PAYMENT", res.Installment.PaymentMethod)
	assert.Equal(t, "MIDTRANS-ord-1", res.Installment.ReceiptNumber)
}

func TestRunOutbox(t *testing.T) {
	f := newFixture(t, march10)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodPost, "/api/admin/outbox/run", nil, "").Code)

	f.handler.Relay = scheduler.NewOutboxRelay(f.engine.Store(), f.engine, zaptest.NewLogger(t))
	rec := f.do(http.MethodPost, "/api/admin/outbox/run", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, scheduler.RelayResult{}, decode[scheduler.RelayResult](t, rec))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, march10)

	rec := f.do(http.MethodGet, "/api/health", nil, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
