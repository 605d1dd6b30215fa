// Package report exports billing data as spreadsheets.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/warp/billing-engine/billing"
)

const overdueSheet = "Overdue"

var overdueHeaders = []string{
	"Enrollment", "Student", "Email", "Installment #", "Due date", "Days overdue", "Amount", "Currency",
}

// ContentType is the MIME type of the files written here.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// WriteOverdueXLSX writes rows as a single-sheet workbook.
func WriteOverdueXLSX(w io.Writer, rows []billing.OverdueInstallment, currency string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", overdueSheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	places := billing.CurrencyPlaces(currency)
	numFmt := "#,##0"
	if places > 0 {
		numFmt += "." + strings.Repeat("0", int(places))
	}
	amount, err := f.NewStyle(&excelize.Style{CustomNumFmt: &numFmt})
	if err != nil {
		return err
	}

	for i, h := range overdueHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(overdueSheet, cell, h)
	}
	last, _ := excelize.CoordinatesToCellName(len(overdueHeaders), 1)
	f.SetCellStyle(overdueSheet, "A1", last, header)

	for i, r := range rows {
		row := i + 2
		f.SetCellValue(overdueSheet, fmt.Sprintf("A%d", row), r.EnrollmentID)
		f.SetCellValue(overdueSheet, fmt.Sprintf("B%d", row), r.StudentName)
		f.SetCellValue(overdueSheet, fmt.Sprintf("C%d", row), r.StudentEmail)
		f.SetCellValue(overdueSheet, fmt.Sprintf("D%d", row), r.Installment.InstallmentNumber)
		if r.Installment.DueDate != nil {
			f.SetCellValue(overdueSheet, fmt.Sprintf("E%d", row), r.Installment.DueDate.Format("2006-01-02"))
		}
		f.SetCellValue(overdueSheet, fmt.Sprintf("F%d", row), r.DaysOverdue)
		f.SetCellValue(overdueSheet, fmt.Sprintf("G%d", row), r.Installment.Amount.InexactFloat64())
		f.SetCellStyle(overdueSheet, fmt.Sprintf("G%d", row), fmt.Sprintf("G%d", row), amount)
		f.SetCellValue(overdueSheet, fmt.Sprintf("H%d", row), currency)
	}
	f.SetColWidth(overdueSheet, "A", "C", 24)
	f.SetColWidth(overdueSheet, "D", "H", 14)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// OverdueFileName names an export taken on day.
func OverdueFileName(day string) string {
	return "overdue_installments_" + day + ".xlsx"
}
