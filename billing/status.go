/*
status.go - Derived installment status and plan balance

PURPOSE:
  The only place PAID / OVERDUE / PENDING and the plan balance are
  computed. Dashboards, reports, portals and the reminder job all call
  these functions instead of re-deriving status on their own.

RULES:
  Status:
    paymentDate set          -> PAID (regardless of dueDate)
    dueDate unset            -> PENDING
    dueDate day < today      -> OVERDUE
    otherwise                -> PENDING

  Balance:
    totalPaid      = sum(amount) of paid installments
    balance        = finalAmount - totalPaid
    remaining      = declared totalInstallments - paid
    nextDue        = lowest-numbered unpaid installment

  Both functions are pure. Neither depends on the order of the input slice.

SEE ALSO:
  - query.go: attaches status to installment views
*/
package billing

import (
	"sort"
	"time"

	"github.com/samber/lo"
)

// DeriveInstallmentStatus computes the status of one installment as of now.
// Dates are compared as calendar days in now's location.
func DeriveInstallmentStatus(paymentDate, dueDate *time.Time, now time.Time) InstallmentStatus {
	if paymentDate != nil {
		return StatusPaid
	}
	if dueDate == nil {
		return StatusPending
	}
	loc := now.Location()
	if calendarDay(*dueDate, loc).Before(calendarDay(now, loc)) {
		return StatusOverdue
	}
	return StatusPending
}

// ComputePlanBalance aggregates installments into a PlanBalance.
func ComputePlanBalance(plan PaymentPlan, installments []Installment) PlanBalance {
	paid := lo.Filter(installments, func(i Installment, _ int) bool { return i.IsPaid() })
	totalPaid := lo.Reduce(paid, func(sum Money, i Installment, _ int) Money {
		return sum.Add(i.Amount)
	}, Money{})

	b := PlanBalance{
		PlanID:                    plan.ID,
		EnrollmentID:              plan.EnrollmentID,
		TotalAmount:               plan.TotalAmount,
		DiscountAmount:            plan.DiscountAmount,
		FinalAmount:               plan.FinalAmount,
		TotalPaid:                 totalPaid,
		Balance:                   plan.FinalAmount.Sub(totalPaid),
		TotalInstallments:         plan.TotalInstallments,
		LiveInstallments:          len(installments),
		PaidInstallments:          len(paid),
		RemainingInstallments:     plan.TotalInstallments - len(paid),
		RemainingLiveInstallments: len(installments) - len(paid),
	}

	unpaid := lo.Reject(installments, func(i Installment, _ int) bool { return i.IsPaid() })
	if len(unpaid) > 0 {
		next := lo.MinBy(unpaid, func(a, b Installment) bool {
			return a.InstallmentNumber < b.InstallmentNumber
		})
		b.NextDueAmount = next.Amount
		if next.DueDate != nil {
			d := *next.DueDate
			b.NextDueDate = &d
		}
	}
	return b
}

// sortInstallments orders in place by installment number.
func sortInstallments(items []Installment) {
	sort.SliceStable(items, func(a, b int) bool {
		return items[a].InstallmentNumber < items[b].InstallmentNumber
	})
}

// viewInstallments attaches derived status, ordered by installment number.
func viewInstallments(items []Installment, now time.Time) []InstallmentView {
	sorted := append([]Installment(nil), items...)
	sortInstallments(sorted)
	return lo.Map(sorted, func(i Installment, _ int) InstallmentView {
		return InstallmentView{Installment: i, Status: DeriveInstallmentStatus(i.PaymentDate, i.DueDate, now)}
	})
}
