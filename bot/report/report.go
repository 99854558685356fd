// Package report executes a stored report query and renders the result with
// one of three engines: a typeset PDF, a boxed text table, or a raw
// tab-separated dump.
package report

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/smartist/taigabot/bot/store"
	"github.com/smartist/taigabot/core/logger"
	"github.com/smartist/taigabot/core/telegram/format"
)

// Engine selects the output format, stored in bot_reports.report_engine.
type Engine string

const (
	EnginePDF Engine = "pdf"
	EngineMD  Engine = "md"
	EngineRaw Engine = "raw"
)

// ErrUnknownEngine is returned for an engine tag outside {pdf, md, raw}.
var ErrUnknownEngine = errors.New("report: unknown report engine")

// ErrNoData is returned when the report query yields zero rows.
var ErrNoData = errors.New("report: no data")

// ParseEngine validates a stored engine tag.
func ParseEngine(raw string) (Engine, error) {
	switch Engine(raw) {
	case EnginePDF, EngineMD, EngineRaw:
		return Engine(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEngine, raw)
}

// Output is one rendered report, either chat text or a document.
type Output struct {
	Text     string
	Markdown bool
	FileName string
	FileData []byte
}

// Generator runs report queries against the primary database and renders
// them.
type Generator struct {
	db *sqlx.DB
}

func NewGenerator(db *sqlx.DB) *Generator {
	return &Generator{db: db}
}

// Generate executes the report's query and renders it with the report's
// engine. The final column is totalled numerically, non-numeric cells are
// skipped.
func (g *Generator) Generate(ctx context.Context, rep *store.Report) (*Output, error) {
	engine, err := ParseEngine(rep.Engine)
	if err != nil {
		return nil, err
	}
	columns, err := g.queryColumns(ctx, rep.Query)
	if err != nil {
		return nil, err
	}
	rows, err := g.queryRows(ctx, rep.Query)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoData
	}
	logger.RPT.Debug("report data loaded",
		"report_id", rep.ID, "rows", len(rows), "engine", string(engine))

	footer := totalFooter(columns, rows)

	switch engine {
	case EnginePDF:
		// fpdf prints literal text, chat markup escaping would corrupt it
		data, err := renderPDF(rep.Name, columns, rows, footer)
		if err != nil {
			return nil, err
		}
		return &Output{FileName: rep.Slug + ".pdf", FileData: data}, nil
	case EngineMD:
		escapeCells(rows)
		table := renderBoxedTable(rep.Name, columns, append(rows, footer))
		return &Output{Text: "```\n" + table + "```", Markdown: true}, nil
	default:
		escapeCells(rows)
		var b strings.Builder
		for _, row := range rows {
			for _, cell := range row {
				b.WriteString(cell)
				b.WriteByte('\t')
			}
			b.WriteByte('\n')
		}
		return &Output{Text: b.String(), Markdown: true}, nil
	}
}

// queryColumns derives column names by wrapping the operator-editable query
// as a one-row subquery and asking the driver for the result shape.
func (g *Generator) queryColumns(ctx context.Context, reportQuery string) ([]string, error) {
	probe := fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT 1", strings.TrimRight(strings.TrimSpace(reportQuery), ";"))
	rows, err := g.db.QueryxContext(ctx, probe)
	if err != nil {
		return nil, fmt.Errorf("report: probe query columns: %w", err)
	}
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("report: read query columns: %w", err)
	}
	return columns, rows.Err()
}

func (g *Generator) queryRows(ctx context.Context, reportQuery string) ([][]string, error) {
	rows, err := g.db.QueryxContext(ctx, reportQuery)
	if err != nil {
		return nil, fmt.Errorf("report: run query: %w", err)
	}
	defer rows.Close()
	var result [][]string
	for rows.Next() {
		raw, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("report: scan row: %w", err)
		}
		cells := make([]string, len(raw))
		for i, v := range raw {
			cells[i] = formatCell(v)
		}
		result = append(result, cells)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: read rows: %w", err)
	}
	return result, nil
}

func formatCell(v any) string {
	switch cell := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(cell)
	case string:
		return cell
	default:
		return fmt.Sprintf("%v", cell)
	}
}

// totalFooter sums the final column with an explicit per-cell parse, adding
// only on success, and builds the "Total | - | ... | sum" footer row.
func totalFooter(columns []string, rows [][]string) []string {
	total := decimal.New(0, -1)
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		value, err := decimal.NewFromString(row[len(row)-1])
		if err != nil {
			continue
		}
		total = total.Add(value)
	}
	footer := make([]string, len(columns))
	for i := range footer {
		footer[i] = "-"
	}
	if len(footer) > 0 {
		footer[0] = "Total"
		footer[len(footer)-1] = total.String()
	}
	return footer
}

// escapeCells escapes MarkdownV2 reserved characters in place. Cells that
// parse as URLs are wrapped as links instead of escaped.
func escapeCells(rows [][]string) {
	for _, row := range rows {
		for i, cell := range row {
			if cell == "" {
				continue
			}
			if isURL(cell) {
				row[i] = "[link](" + cell + ")"
				continue
			}
			row[i] = format.EscapeMarkdownV2(cell)
		}
	}
}

func isURL(cell string) bool {
	u, err := url.Parse(cell)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

