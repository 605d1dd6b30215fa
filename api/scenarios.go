/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	billing data for demos. Each scenario syncs enrollments, creates plans
	and records payments through the engine, so every invariant holds.
	Due dates are relative to the engine's today.

AVAILABLE SCENARIOS:

	new-plan:       One student, three monthly installments, nothing paid
	mid-term:       A term cohort with paid, due-soon and overdue installments
	discount-split: Discounted plan split by formulas (50% / 30% / 20%)
	refunds:        Fully paid plan with a pending and an approved refund

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Sync enrollments
 3. Create plans (explicit rows or generated schedule)
 4. Record payments and refunds

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "mid-term"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const scenarioActor = "demo-admin"

var scenarios = []ScenarioDTO{
	{
		ID:          "new-plan",
		Name:        "New Plan",
		Description: "One student with a 3-installment monthly plan starting next month. Nothing paid yet.",
	},
	{
		ID:          "mid-term",
		Name:        "Mid-Term Cohort",
		Description: "Four students in one term: fully paid, on track, due this week, and three installments behind.",
	},
	{
		ID:          "discount-split",
		Name:        "Discount With Formula Split",
		Description: "Sibling discount applied, final amount split 50% / 30% / 20% by schedule formulas.",
	},
	{
		ID:          "refunds",
		Name:        "Refund Workflow",
		Description: "Fully paid plan after withdrawal, with one pending and one approved refund.",
	},
}

type scenarioLoader func(h *Handler, ctx context.Context) error

var scenarioLoaders = map[string]scenarioLoader{
	"new-plan":       (*Handler).loadNewPlanScenario,
	"mid-term":       (*Handler).loadMidTermScenario,
	"discount-split": (*Handler).loadDiscountSplitScenario,
	"refunds":        (*Handler).loadRefundsScenario,
}

// resetter is implemented by every bundled store.
type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios handles GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario handles GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, map[string]any{"scenario": nil})
		return
	}
	s, _ := lo.Find(scenarios, func(s ScenarioDTO) bool { return s.ID == current })
	writeJSON(w, http.StatusOK, map[string]any{"scenario": s})
}

// LoadScenario handles POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := load(h, ctx); err != nil {
		h.log.Error("scenario load failed", zap.String("scenario", req.ScenarioID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	h.log.Info("scenario loaded", zap.String("scenario", req.ScenarioID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase handles POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// reset clears the store. Caller holds h.mu.
func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.Engine.Store().(resetter)
	if !ok {
		return fmt.Errorf("store %T cannot be reset", h.Engine.Store())
	}
	if err := rs.Reset(ctx); err != nil {
		return err
	}
	h.currentScenario = ""
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadNewPlanScenario: generated monthly schedule, nothing paid.
func (h *Handler) loadNewPlanScenario(ctx context.Context) error {
	first := h.Engine.Today().AddDate(0, 1, 0)
	if err := h.enroll(ctx, "enr-alice", "stu-alice", "Alice Hassan", "alice@example.com", "2025-T1"); err != nil {
		return err
	}
	_, err := h.Engine.CreatePlan(ctx, billing.CreatePlanInput{
		EnrollmentID: "enr-alice",
		TotalAmount:  billing.MustMoney("450"),
		Schedule: &billing.ScheduleSpec{
			Count:        3,
			FirstDueDate: &first,
			RRule:        "FREQ=MONTHLY",
		},
	})
	return err
}

// loadMidTermScenario: one cohort at different points of the same schedule.
func (h *Handler) loadMidTermScenario(ctx context.Context) error {
	today := h.Engine.Today()
	students := []struct {
		enrollment, student, name, email string
		paid                             int
		firstDue                         time.Time
	}{
		{"enr-bilal", "stu-bilal", "Bilal Saeed", "bilal@example.com", 4, today.AddDate(0, -3, 0)},
		{"enr-chen", "stu-chen", "Chen Wei", "chen@example.com", 3, today.AddDate(0, -2, 0)},
		{"enr-dana", "stu-dana", "Dana Yousef", "dana@example.com", 0, today.AddDate(0, 0, 3)},
		{"enr-elias", "stu-elias", "Elias Marr", "", 1, today.AddDate(0, -3, -10)},
	}

	for _, s := range students {
		if err := h.enroll(ctx, s.enrollment, s.student, s.name, s.email, "2025-T2"); err != nil {
			return err
		}
		first := s.firstDue
		view, err := h.Engine.CreatePlan(ctx, billing.CreatePlanInput{
			EnrollmentID: s.enrollment,
			TotalAmount:  billing.MustMoney("1200"),
			Schedule:     &billing.ScheduleSpec{Count: 4, FirstDueDate: &first},
		})
		if err != nil {
			return fmt.Errorf("plan for %s: %w", s.enrollment, err)
		}
		if err := h.payFirst(ctx, view, s.paid, billing.MethodBankTransfer); err != nil {
			return err
		}
	}
	return nil
}

// loadDiscountSplitScenario: discount plus formula-driven amounts.
func (h *Handler) loadDiscountSplitScenario(ctx context.Context) error {
	first := h.Engine.Today().AddDate(0, 0, -7)
	if err := h.enroll(ctx, "enr-farah", "stu-farah", "Farah Noor", "farah@example.com", "2025-T2"); err != nil {
		return err
	}
	view, err := h.Engine.CreatePlan(ctx, billing.CreatePlanInput{
		EnrollmentID:   "enr-farah",
		TotalAmount:    billing.MustMoney("900"),
		DiscountAmount: billing.MustMoney("90"),
		DiscountReason: "Sibling discount 10%",
		Schedule: &billing.ScheduleSpec{
			FirstDueDate: &first,
			RRule:        "FREQ=MONTHLY;INTERVAL=2",
			Formulas:     []string{"final * 0.5", "final * 0.3", "final * 0.2"},
		},
	})
	if err != nil {
		return err
	}
	return h.payFirst(ctx, view, 1, billing.MethodBenefitPay)
}

// loadRefundsScenario: refunds against a fully paid plan.
func (h *Handler) loadRefundsScenario(ctx context.Context) error {
	first := h.Engine.Today().AddDate(0, -2, 0)
	if err := h.enroll(ctx, "enr-ghada", "stu-ghada", "Ghada Karim", "ghada@example.com", "2025-T1"); err != nil {
		return err
	}
	view, err := h.Engine.CreatePlan(ctx, billing.CreatePlanInput{
		EnrollmentID: "enr-ghada",
		TotalAmount:  billing.MustMoney("600"),
		Schedule:     &billing.ScheduleSpec{Count: 2, FirstDueDate: &first},
	})
	if err != nil {
		return err
	}
	if err := h.payFirst(ctx, view, 2, billing.MethodCash); err != nil {
		return err
	}

	second := view.Installments[1].ID
	if _, err := h.Engine.RequestRefund(ctx, billing.RequestRefundInput{
		EnrollmentID: "enr-ghada",
		Amount:       billing.MustMoney("150"),
		Reason:       "Withdrew after week 3",
		Method:       "BANK_TRANSFER",
		RequestedBy:  scenarioActor,
	}); err != nil {
		return err
	}
	approved, err := h.Engine.RequestRefund(ctx, billing.RequestRefundInput{
		EnrollmentID:  "enr-ghada",
		InstallmentID: &second,
		Amount:        billing.MustMoney("50"),
		Reason:        "Duplicate lab fee",
		RequestedBy:   scenarioActor,
	})
	if err != nil {
		return err
	}
	_, err = h.Engine.ApproveRefund(ctx, approved.ID, "finance-lead")
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) enroll(ctx context.Context, id, studentID, name, email, term string) error {
	return h.Engine.SyncEnrollment(ctx, billing.Enrollment{
		ID:           id,
		StudentID:    studentID,
		StudentName:  name,
		StudentEmail: email,
		TermID:       term,
	})
}

// payFirst pays the first n installments of view in number order.
func (h *Handler) payFirst(ctx context.Context, view *billing.PlanView, n int, method billing.PaymentMethod) error {
	for i, inst := range lo.Slice(view.Installments, 0, n) {
		_, err := h.Engine.RecordPayment(ctx, inst.ID, billing.RecordPaymentInput{
			Method:        method,
			ReceiptNumber: fmt.Sprintf("RCPT-%s-%d", view.Plan.EnrollmentID, i+1),
			ActorID:       scenarioActor,
		})
		if err != nil {
			return fmt.Errorf("pay %s #%d: %w", view.Plan.EnrollmentID, inst.InstallmentNumber, err)
		}
	}
	return nil
}
