/*
handlers.go - HTTP API handlers for the installment billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to billing.Engine.

ENDPOINTS:
  Plans:
    POST   /api/payments/plans                          Create plan with schedule
    GET    /api/payments/plans                          List plans (?status, term_id, page, limit)
    GET    /api/payments/plans/enrollment/{enrollmentID} Plan, installments, balance
    PATCH  /api/payments/plans/{id}                     Amend amounts / discount
    DELETE /api/payments/plans/{id}                     Delete plan without payments
    POST   /api/payments/plans/{id}/installments        Append installment

  Installments:
    POST   /api/payments/installments/{id}/pay          Record payment
    PUT    /api/payments/installments/{id}              Correct payment details
    PATCH  /api/payments/installments/{id}              Edit unpaid amount / due date
    DELETE /api/payments/installments/{id}              Delete unpaid installment
    GET    /api/payments/installments/overdue           Overdue report
    GET    /api/payments/installments/overdue/export    Overdue report as .xlsx
    GET    /api/payments/installments/upcoming          Due within ?days (7)

  Refunds:
    POST   /api/payments/refunds                        Request refund
    GET    /api/payments/refunds                        List (?status, enrollment_id)
    GET    /api/payments/refunds/{id}                   Get refund
    PATCH  /api/payments/refunds/{id}/approve           PENDING -> APPROVED
    PATCH  /api/payments/refunds/{id}/process           APPROVED -> COMPLETED

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors (per-field messages in "fields")
  - 404: Plan, installment, refund or enrollment not found
  - 409: Already paid, plan has payments, duplicate plan, wrong refund state
  - 502: Payment gateway unreachable
  - 503: Optional integration not configured
  - 500: Internal errors (logged, message withheld)

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error category mapping
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/report"
	"github.com/warp/billing-engine/scheduler"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// PaymentConfirmer verifies an online payment with its provider and records it.
type PaymentConfirmer interface {
	Confirm(ctx context.Context, orderID, installmentID, actor string) (*billing.PaymentResult, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *billing.Engine

	// Optional integrations. Nil disables the endpoint (503).
	Confirmer PaymentConfirmer
	Relay     *scheduler.OutboxRelay

	log    *zap.Logger
	mapper dtoMapper

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler for engine.
func NewHandler(engine *billing.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Engine: engine,
		log:    log.Named("billing.api"),
		mapper: newDTOMapper(engine.Currency()),
	}
}

// =============================================================================
// PLANS
// =============================================================================

// CreatePlan handles POST /api/payments/plans
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	in, err := h.createPlanInput(req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	view, err := h.Engine.CreatePlan(r.Context(), in)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.mapper.planView(view))
}

func (h *Handler) createPlanInput(req CreatePlanRequest) (billing.CreatePlanInput, error) {
	in := billing.CreatePlanInput{
		EnrollmentID:      req.EnrollmentID,
		TotalAmount:       req.TotalAmount,
		DiscountAmount:    req.DiscountAmount,
		DiscountReason:    req.DiscountReason,
		TotalInstallments: req.TotalInstallments,
	}
	for i, row := range req.Installments {
		due, err := h.parseDate(fmt.Sprintf("installments[%d].due_date", i), row.DueDate)
		if err != nil {
			return in, err
		}
		in.Installments = append(in.Installments, billing.ScheduleRow{
			InstallmentNumber: row.InstallmentNumber,
			Amount:            row.Amount,
			DueDate:           due,
		})
	}
	if req.Schedule != nil {
		first, err := h.parseDate("schedule.first_due_date", req.Schedule.FirstDueDate)
		if err != nil {
			return in, err
		}
		in.Schedule = &billing.ScheduleSpec{
			Count:        req.Schedule.Count,
			FirstDueDate: first,
			RRule:        req.Schedule.RRule,
			Formulas:     req.Schedule.Formulas,
		}
	}
	return in, nil
}

// ListPlans handles GET /api/payments/plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	q := r.URL.Query()
	summaries, pagination, err := h.Engine.ListPlans(r.Context(), billing.PlanFilter{
		Status: billing.PlanStatus(q.Get("status")),
		TermID: q.Get("term_id"),
		Page:   page,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	resp := ListResponse[PlanSummaryDTO]{Data: make([]PlanSummaryDTO, 0, len(summaries)), Pagination: pagination}
	for _, s := range summaries {
		resp.Data = append(resp.Data, PlanSummaryDTO{
			Plan:       h.mapper.plan(s.Plan),
			Enrollment: toEnrollmentDTO(s.Enrollment),
			Balance:    h.mapper.balance(s.Balance),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPlanByEnrollment handles GET /api/payments/plans/enrollment/{enrollmentID}
func (h *Handler) GetPlanByEnrollment(w http.ResponseWriter, r *http.Request) {
	view, err := h.Engine.GetPlanByEnrollment(r.Context(), chi.URLParam(r, "enrollmentID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.mapper.planView(view))
}

// AmendPlan handles PATCH /api/payments/plans/{id}
func (h *Handler) AmendPlan(w http.ResponseWriter, r *http.Request) {
	var in billing.AmendPlanInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	plan, err := h.Engine.AmendPlan(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.mapper.plan(*plan))
}

// DeletePlan handles DELETE /api/payments/plans/{id}
func (h *Handler) DeletePlan(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeletePlan(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddInstallment handles POST /api/payments/plans/{id}/installments
func (h *Handler) AddInstallment(w http.ResponseWriter, r *http.Request) {
	var req AddInstallmentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	due, err := h.parseDate("due_date", req.DueDate)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	inst, err := h.Engine.AddInstallment(r.Context(), chi.URLParam(r, "id"), billing.AddInstallmentInput{
		Amount:  req.Amount,
		DueDate: due,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.installment(*inst))
}

// GetBalance handles GET /api/payments/balance/enrollment/{enrollmentID}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.GetBalance(r.Context(), chi.URLParam(r, "enrollmentID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.mapper.balance(*b))
}

// =============================================================================
// INSTALLMENTS
// =============================================================================

// RecordPayment handles POST /api/payments/installments/{id}/pay
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	res, err := h.Engine.RecordPayment(r.Context(), chi.URLParam(r, "id"), billing.RecordPaymentInput{
		Method:          req.PaymentMethod,
		ReceiptNumber:   req.ReceiptNumber,
		ReceiptURL:      req.ReceiptURL,
		ReferenceNumber: req.ReferenceNumber,
		Notes:           req.Notes,
		ActorID:         actor(r),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.paymentResult(res))
}

// UpdatePaymentDetails handles PUT /api/payments/installments/{id}
func (h *Handler) UpdatePaymentDetails(w http.ResponseWriter, r *http.Request) {
	var d billing.PaymentDetails
	if err := decodeJSON(r, &d); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	inst, err := h.Engine.UpdatePaymentDetails(r.Context(), chi.URLParam(r, "id"), d)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.installment(*inst))
}

// UpdateInstallment handles PATCH /api/payments/installments/{id}
func (h *Handler) UpdateInstallment(w http.ResponseWriter, r *http.Request) {
	var req UpdateInstallmentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	due, err := h.parseDate("due_date", req.DueDate)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	inst, err := h.Engine.UpdateInstallment(r.Context(), chi.URLParam(r, "id"), billing.ScheduleChange{
		Amount:  req.Amount,
		DueDate: due,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.installment(*inst))
}

// DeleteInstallment handles DELETE /api/payments/installments/{id}
func (h *Handler) DeleteInstallment(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteInstallment(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListOverdue handles GET /api/payments/installments/overdue
func (h *Handler) ListOverdue(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	rows, pagination, err := h.Engine.ListOverdueInstallments(r.Context(), page)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	resp := ListResponse[OverdueDTO]{Data: make([]OverdueDTO, 0, len(rows)), Pagination: pagination}
	for _, o := range rows {
		resp.Data = append(resp.Data, OverdueDTO{
			Installment:  h.mapper.installment(o.Installment, billing.StatusOverdue),
			EnrollmentID: o.EnrollmentID,
			StudentName:  o.StudentName,
			StudentEmail: o.StudentEmail,
			DaysOverdue:  o.DaysOverdue,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ExportOverdue handles GET /api/payments/installments/overdue/export
//
// Streams every overdue installment, not one page, as an Excel workbook.
func (h *Handler) ExportOverdue(w http.ResponseWriter, r *http.Request) {
	var all []billing.OverdueInstallment
	page := billing.Page{Page: 1, Limit: billing.MaxPageLimit}
	for {
		rows, pagination, err := h.Engine.ListOverdueInstallments(r.Context(), page)
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
		all = append(all, rows...)
		if !pagination.HasNext {
			break
		}
		page.Page++
	}

	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s"`, report.OverdueFileName(h.Engine.Today().Format(dateLayout))))
	if err := report.WriteOverdueXLSX(w, all, h.Engine.Currency()); err != nil {
		// Headers may already be sent; log only.
		h.log.Error("overdue export failed", zap.Error(err))
	}
}

// ListUpcoming handles GET /api/payments/installments/upcoming?days=7
func (h *Handler) ListUpcoming(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	days, err := intQuery(r, "days", 7)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	rows, pagination, err := h.Engine.ListUpcomingInstallments(r.Context(), days, page)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	resp := ListResponse[UpcomingDTO]{Data: make([]UpcomingDTO, 0, len(rows)), Pagination: pagination}
	for _, u := range rows {
		resp.Data = append(resp.Data, UpcomingDTO{
			Installment:  h.mapper.installment(u.Installment, billing.StatusPending),
			EnrollmentID: u.EnrollmentID,
			StudentName:  u.StudentName,
			StudentEmail: u.StudentEmail,
			DaysUntilDue: u.DaysUntilDue,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// REFUNDS
// =============================================================================

// RequestRefund handles POST /api/payments/refunds
func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	var req RequestRefundRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	refund, err := h.Engine.RequestRefund(r.Context(), billing.RequestRefundInput{
		EnrollmentID:  req.EnrollmentID,
		InstallmentID: req.InstallmentID,
		Amount:        req.Amount,
		Reason:        req.Reason,
		Method:        req.Method,
		Notes:         req.Notes,
		RequestedBy:   actor(r),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.mapper.refund(*refund))
}

// ListRefunds handles GET /api/payments/refunds
func (h *Handler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	q := r.URL.Query()
	refunds, pagination, err := h.Engine.ListRefunds(r.Context(), billing.RefundFilter{
		Status:       billing.RefundStatus(q.Get("status")),
		EnrollmentID: q.Get("enrollment_id"),
		Page:         page,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	resp := ListResponse[RefundDTO]{Data: make([]RefundDTO, 0, len(refunds)), Pagination: pagination}
	for _, rf := range refunds {
		resp.Data = append(resp.Data, h.mapper.refund(rf))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRefund handles GET /api/payments/refunds/{id}
func (h *Handler) GetRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := h.Engine.GetRefund(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.mapper.refund(*refund))
}

// ApproveRefund handles PATCH /api/payments/refunds/{id}/approve
func (h *Handler) ApproveRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := h.Engine.ApproveRefund(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.mapper.refund(*refund))
}

// ProcessRefund handles PATCH /api/payments/refunds/{id}/process
func (h *Handler) ProcessRefund(w http.ResponseWriter, r *http.Request) {
	var req ProcessRefundRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	refund, err := h.Engine.ProcessRefund(r.Context(), chi.URLParam(r, "id"), billing.ProcessRefundInput{
		ProcessedBy: actor(r),
		ReceiptURL:  req.ReceiptURL,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.mapper.refund(*refund))
}

// =============================================================================
// INTEGRATIONS
// =============================================================================

// ConfirmMidtrans handles POST /api/payments/gateway/midtrans/confirm
func (h *Handler) ConfirmMidtrans(w http.ResponseWriter, r *http.Request) {
	if h.Confirmer == nil {
		writeError(w, http.StatusServiceUnavailable, "payment gateway not configured", nil)
		return
	}
	var req MidtransConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	res, err := h.Confirmer.Confirm(r.Context(), req.OrderID, req.InstallmentID, actor(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.paymentResult(res))
}

// SyncEnrollment handles PUT /api/enrollments/{id}
func (h *Handler) SyncEnrollment(w http.ResponseWriter, r *http.Request) {
	var req SyncEnrollmentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	en := billing.Enrollment{
		ID:           chi.URLParam(r, "id"),
		StudentID:    req.StudentID,
		StudentName:  req.StudentName,
		StudentEmail: req.StudentEmail,
		TermID:       req.TermID,
	}
	if err := h.Engine.SyncEnrollment(r.Context(), en); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnrollmentDTO(&en))
}

// RunOutbox handles POST /api/admin/outbox/run
func (h *Handler) RunOutbox(w http.ResponseWriter, r *http.Request) {
	if h.Relay == nil {
		writeError(w, http.StatusServiceUnavailable, "outbox relay not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Relay.RunNow(r.Context()))
}

// Health handles GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if p, ok := h.Engine.Store().(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) installment(i billing.Installment) InstallmentDTO {
	status := billing.DeriveInstallmentStatus(i.PaymentDate, i.DueDate, h.Engine.Today())
	return h.mapper.installment(i, status)
}

func (h *Handler) paymentResult(res *billing.PaymentResult) PaymentResultDTO {
	return PaymentResultDTO{
		Installment: h.mapper.installment(res.Installment.Installment, res.Installment.Status),
		Balance:     h.mapper.balance(res.Balance),
	}
}

// parseDate converts an optional "YYYY-MM-DD" or RFC3339 value to a time
// in the engine's location.
func (h *Handler) parseDate(field string, s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := billing.ParseDate(*s, h.Engine.Location())
	if err != nil {
		return nil, fieldError(field, "must be a date (YYYY-MM-DD)")
	}
	return &t, nil
}

// actor returns the acting user from the X-Actor-ID header.
func actor(r *http.Request) string {
	return r.Header.Get(ActorHeader)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fieldError("body", "request body is required")
		}
		return fieldError("body", "invalid JSON: "+err.Error())
	}
	return nil
}

// decodeOptionalJSON is decodeJSON that accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fieldError("body", "invalid JSON: "+err.Error())
	}
	return nil
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fieldError(name, "must be an integer")
	}
	return n, nil
}

func pageFromQuery(r *http.Request) (billing.Page, error) {
	page, err := intQuery(r, "page", 1)
	if err != nil {
		return billing.Page{}, err
	}
	limit, err := intQuery(r, "limit", billing.DefaultPageLimit)
	if err != nil {
		return billing.Page{}, err
	}
	return billing.Page{Page: page, Limit: limit}.Normalize(), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
