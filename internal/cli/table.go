package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/reflow/truncate"
)

// DefaultCellWidth is the widest a text table cell gets before truncation.
const DefaultCellWidth = 40

// Table renders tabular data. Created via Output.Table().
type Table struct {
	out     *Output
	meta    Meta
	headers []string
	rows    [][]string
}

// AddRow adds a row of values. Should match header count.
func (t *Table) AddRow(values ...string) *Table {
	t.rows = append(t.rows, values)
	return t
}

// WithFilter records the filter the rows were selected by.
func (t *Table) WithFilter(expr string, total int) *Table {
	t.meta = t.meta.WithFilter(expr, total)
	return t
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Render outputs the table in the configured format.
func (t *Table) Render() error {
	return t.out.Render(t)
}

// Meta returns the table metadata.
func (t *Table) Meta() Meta {
	return t.meta
}

// RenderText writes a bordered table. Cells wider than the output's cell
// width are truncated.
func (t *Table) RenderText(w io.Writer, st Styles) error {
	rows := make([][]string, len(t.rows))
	for i, row := range t.rows {
		rows[i] = make([]string, len(row))
		for j, cell := range row {
			rows[i][j] = clip(cell, t.out.width)
		}
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(st.Border).
		Headers(t.headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return st.Header.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})

	_, err := io.WriteString(w, tbl.String()+"\n")
	return err
}

// RenderJSON returns the data as an array of objects.
func (t *Table) RenderJSON() any {
	result := make([]map[string]string, 0, len(t.rows))
	for _, row := range t.rows {
		obj := make(map[string]string)
		for i, h := range t.headers {
			if i < len(row) {
				obj[toJSONKey(h)] = row[i]
			}
		}
		result = append(result, obj)
	}
	return result
}

// RenderMarkdown writes a pipe table.
func (t *Table) RenderMarkdown(w io.Writer) error {
	line := func(cells []string) error {
		escaped := make([]string, len(cells))
		for i, c := range cells {
			escaped[i] = strings.ReplaceAll(c, "|", "\\|")
		}
		_, err := fmt.Fprintf(w, "| %s |\n", strings.Join(escaped, " | "))
		return err
	}

	if err := line(t.headers); err != nil {
		return err
	}
	sep := make([]string, len(t.headers))
	for i := range sep {
		sep[i] = "---"
	}
	if err := line(sep); err != nil {
		return err
	}
	for _, row := range t.rows {
		if err := line(row); err != nil {
			return err
		}
	}
	return nil
}

// clip truncates s to width cells, marking the cut with an ellipsis.
func clip(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	return truncate.StringWithTail(s, uint(width), "…")
}

// toJSONKey converts a header to a JSON key (lowercase, underscores).
func toJSONKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", "_"))
}
