package report

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEngine(t *testing.T) {
	for _, raw := range []string{"pdf", "md", "raw"} {
		engine, err := ParseEngine(raw)
		require.NoError(t, err)
		assert.Equal(t, Engine(raw), engine)
	}
	_, err := ParseEngine("html")
	assert.ErrorIs(t, err, ErrUnknownEngine)

	_, err = ParseEngine("")
	assert.ErrorIs(t, err, ErrUnknownEngine)
}

func TestTotalFooter(t *testing.T) {
	columns := []string{"name", "task", "hours"}
	rows := [][]string{
		{"alice", "fix login", "1.5"},
		{"bob", "review", "2"},
		{"carol", "meeting", "n/a"},
	}
	footer := totalFooter(columns, rows)
	assert.Equal(t, []string{"Total", "-", "3.5"}, footer)
}

func TestTotalFooterAllNonNumeric(t *testing.T) {
	footer := totalFooter([]string{"a", "b"}, [][]string{{"x", "y"}})
	assert.Equal(t, "Total", footer[0])
	assert.Equal(t, "0.0", footer[1])
}

func TestIsURL(t *testing.T) {
	assert.True(t, isURL("https://taiga.local/project/demo/task/1"))
	assert.True(t, isURL("http://example.com"))
	assert.False(t, isURL("example.com"))
	assert.False(t, isURL("hours"))
	assert.False(t, isURL("ftp://example.com/file"))
}

func TestEscapeCells(t *testing.T) {
	rows := [][]string{
		{"fix login_page", "https://taiga.local/project/demo/task/7", ""},
	}
	escapeCells(rows)
	assert.Equal(t, `fix login\_page`, rows[0][0])
	assert.Equal(t, "[link](https://taiga.local/project/demo/task/7)", rows[0][1])
	assert.Equal(t, "", rows[0][2])
}

func TestFormatCell(t *testing.T) {
	assert.Equal(t, "", formatCell(nil))
	assert.Equal(t, "bytes", formatCell([]byte("bytes")))
	assert.Equal(t, "text", formatCell("text"))
	assert.Equal(t, "42", formatCell(int64(42)))
}

func TestRenderBoxedTable(t *testing.T) {
	table := renderBoxedTable("T", []string{"a", "b"}, [][]string{
		{"1", "2"},
		{"Total", "3"},
	})
	expected := strings.Join([]string{
		"+-----------+",
		"|     T     |",
		"+-------+---+",
		"|   a   | b |",
		"+-------+---+",
		"|   1   | 2 |",
		"+-------+---+",
		"| Total | 3 |",
		"+-------+---+",
		"",
	}, "\n")
	assert.Equal(t, expected, table)
}

func TestRenderBoxedTableWideTitle(t *testing.T) {
	table := renderBoxedTable("Отчет по задачам за месяц", []string{"a"}, [][]string{{"1"}})
	lines := strings.Split(strings.TrimRight(table, "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 5)

	// every border line must be as wide as the title row
	width := len([]rune(lines[0]))
	for _, line := range lines {
		assert.Equal(t, width, len([]rune(line)), "line %q", line)
	}
	assert.Contains(t, lines[1], "Отчет по задачам за месяц")
}

func TestRenderPDFProducesDocument(t *testing.T) {
	data, err := renderPDF("Monthly", []string{"name", "hours"}, [][]string{
		{"alice", "1.5"},
		{"bob", "2"},
	}, []string{"Total", "3.5"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "%PDF"))
}
