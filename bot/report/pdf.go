package report

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"
)

// renderPDF typesets the report as an A4 landscape table. Text goes through
// a cp1251 translator so Cyrillic report names and cells survive the core
// font encoding.
func renderPDF(title string, columns []string, rows [][]string, footer []string) ([]byte, error) {
	pdf := fpdf.New("L", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("cp1251")
	pdf.SetMargins(10, 10, 10)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 10, tr(title), "", 1, "C", false, 0, "")
	pdf.Ln(2)

	pageWidth, _ := pdf.GetPageSize()
	left, _, right, _ := pdf.GetMargins()
	colWidth := (pageWidth - left - right) / float64(len(columns))

	pdf.SetFont("Helvetica", "B", 9)
	for _, col := range columns {
		pdf.CellFormat(colWidth, 7, tr(col), "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, row := range rows {
		for i := range columns {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			pdf.CellFormat(colWidth, 6, tr(cell), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	pdf.SetFont("Helvetica", "B", 9)
	for i := range columns {
		cell := ""
		if i < len(footer) {
			cell = footer[i]
		}
		pdf.CellFormat(colWidth, 7, tr(cell), "1", 0, "L", false, 0, "")
	}
	pdf.Ln(-1)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("report: render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
