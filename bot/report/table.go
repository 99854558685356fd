package report

import (
	"strings"
	"unicode/utf8"
)

// renderBoxedTable draws a bordered text table with a title spanning the
// full width and a rule above the final row, which carries the totals.
func renderBoxedTable(title string, columns []string, rows [][]string) string {
	widths := make([]int, len(columns))
	for i, col := range columns {
		widths[i] = utf8.RuneCountInString(col)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && utf8.RuneCountInString(cell) > widths[i] {
				widths[i] = utf8.RuneCountInString(cell)
			}
		}
	}

	// inner width: cells padded to widths[i]+2, joined by column separators
	inner := 0
	for _, w := range widths {
		inner += w + 2
	}
	inner += len(widths) - 1

	titleWidth := utf8.RuneCountInString(title)
	if titleWidth+2 > inner {
		extra := titleWidth + 2 - inner
		for i := 0; extra > 0; i = (i + 1) % len(widths) {
			widths[i]++
			extra--
		}
		inner = titleWidth + 2
	}

	var b strings.Builder
	writeRule := func(sep string) {
		b.WriteByte('+')
		for i, w := range widths {
			if i > 0 {
				b.WriteString(sep)
			}
			b.WriteString(strings.Repeat("-", w+2))
		}
		b.WriteString("+\n")
	}
	writeCells := func(cells []string) {
		b.WriteByte('|')
		for i, w := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			b.WriteString(center(cell, w+2))
			b.WriteByte('|')
		}
		b.WriteByte('\n')
	}

	if title != "" {
		b.WriteString("+" + strings.Repeat("-", inner) + "+\n")
		b.WriteString("|" + center(title, inner) + "|\n")
	}
	writeRule("+")
	writeCells(columns)
	writeRule("+")
	for i, row := range rows {
		if i == len(rows)-1 && len(rows) > 1 {
			writeRule("+")
		}
		writeCells(row)
	}
	writeRule("+")
	return b.String()
}

func center(text string, width int) string {
	gap := width - utf8.RuneCountInString(text)
	if gap <= 0 {
		return text
	}
	left := gap / 2
	return strings.Repeat(" ", left) + text + strings.Repeat(" ", gap-left)
}
