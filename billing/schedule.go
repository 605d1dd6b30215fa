/*
schedule.go - Installment schedule rows and generators

PURPOSE:
  A plan's schedule is either given row by row, or generated from a
  ScheduleSpec:

    Even      finalAmount split across Count rows, remainder on the last
    Formulas  one govaluate expression per row over total/discount/final;
              the rounded rows must sum to final

  Due dates for generated rows follow an RRULE starting at FirstDueDate
  (default FREQ=MONTHLY). Without FirstDueDate rows have no due date.

EXAMPLE:
  final 250.000 BHD, Count 3  ->  83.333, 83.333, 83.334
  Formulas ["final * 0.5", "final * 0.5"]  ->  125.000, 125.000

SEE ALSO:
  - plan.go: CreatePlan consumes the rows
*/
package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/shopspring/decimal"
	"github.com/teambition/rrule-go"
)

// ScheduleRow is one installment of a new plan.
type ScheduleRow struct {
	InstallmentNumber int        `json:"installment_number" validate:"min=1"`
	Amount            Money      `json:"amount" validate:"positive"`
	DueDate           *time.Time `json:"due_date,omitempty"`
}

// ScheduleSpec generates schedule rows.
type ScheduleSpec struct {
	Count        int        `json:"count,omitempty" validate:"omitempty,min=1,max=120"`
	FirstDueDate *time.Time `json:"first_due_date,omitempty"`
	RRule        string     `json:"rrule,omitempty"`
	Formulas     []string   `json:"formulas,omitempty" validate:"omitempty,max=120,dive,notblank"`
}

const defaultRRule = "FREQ=MONTHLY"

// CurrencyPlaces returns the minor-unit digits of an ISO 4217 code.
func CurrencyPlaces(code string) int32 {
	switch strings.ToUpper(code) {
	case "BHD", "KWD", "OMR", "JOD", "IQD", "LYD", "TND":
		return 3
	case "JPY", "KRW", "VND", "IDR":
		return 0
	default:
		return 2
	}
}

// SplitEvenly divides total into n parts rounded down to places, the
// remainder added to the last part. The parts always sum to total.
func SplitEvenly(total Money, n int, places int32) []Money {
	if n <= 0 {
		return nil
	}
	part := total.Div(decimal.NewFromInt(int64(n))).RoundFloor(places)
	parts := make([]Money, n)
	sum := decimal.Zero
	for i := 0; i < n-1; i++ {
		parts[i] = part
		sum = sum.Add(part)
	}
	parts[n-1] = total.Sub(sum)
	return parts
}

// DueDates returns n occurrences of rule starting at first.
func DueDates(first time.Time, rule string, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	if strings.TrimSpace(rule) == "" {
		rule = defaultRRule
	}
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return nil, invalid("schedule.rrule", err.Error())
	}
	opt.Dtstart = first
	opt.Count = n
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, invalid("schedule.rrule", err.Error())
	}
	dates := r.All()
	if len(dates) < n {
		return nil, invalid("schedule.rrule", fmt.Sprintf("rule yields %d of %d dates", len(dates), n))
	}
	return dates, nil
}

// EvaluateFormula computes one amount. Variables: total, discount, final.
// govaluate works in float64, so the result is only as exact as a float;
// Rows rejects formula schedules that no longer add up to final.
func EvaluateFormula(formula string, total, discount, final Money, places int32) (Money, error) {
	expr, err := govaluate.NewEvaluableExpression(formula)
	if err != nil {
		return Money{}, fmt.Errorf("parse %q: %w", formula, err)
	}
	params := map[string]interface{}{
		"total":    total.InexactFloat64(),
		"discount": discount.InexactFloat64(),
		"final":    final.InexactFloat64(),
	}
	result, err := expr.Evaluate(params)
	if err != nil {
		return Money{}, fmt.Errorf("evaluate %q: %w", formula, err)
	}
	f, ok := result.(float64)
	if !ok {
		return Money{}, fmt.Errorf("formula %q is not numeric", formula)
	}
	return decimal.NewFromFloat(f).Round(places), nil
}

// Rows expands s into schedule rows numbered from 1.
func (s ScheduleSpec) Rows(total, discount Money, places int32) ([]ScheduleRow, error) {
	final := total.Sub(discount)

	var amounts []Money
	if len(s.Formulas) > 0 {
		amounts = make([]Money, len(s.Formulas))
		for i, f := range s.Formulas {
			amt, err := EvaluateFormula(f, total, discount, final, places)
			if err != nil {
				return nil, invalid(fmt.Sprintf("schedule.formulas[%d]", i), err.Error())
			}
			amounts[i] = amt
		}
		sum := decimal.Sum(decimal.Zero, amounts...)
		if !sum.Equal(final) {
			return nil, invalid("schedule.formulas", fmt.Sprintf(
				"installments sum to %s, expected final amount %s",
				sum.StringFixed(places), final.StringFixed(places)))
		}
	} else {
		if s.Count <= 0 {
			return nil, invalid("schedule.count", "count or formulas is required")
		}
		amounts = SplitEvenly(final, s.Count, places)
	}

	var dates []time.Time
	if s.FirstDueDate != nil {
		var err error
		if dates, err = DueDates(*s.FirstDueDate, s.RRule, len(amounts)); err != nil {
			return nil, err
		}
	}

	rows := make([]ScheduleRow, len(amounts))
	for i, amt := range amounts {
		rows[i] = ScheduleRow{InstallmentNumber: i + 1, Amount: amt}
		if dates != nil {
			d := dates[i]
			rows[i].DueDate = &d
		}
	}
	return rows, nil
}
