package entity

import (
	"fmt"
	"reflect"
	"strings"
)

const maxRowsInStringOutput = 10

// Table is the in-memory dataset primitive all derivations operate on: an
// ordered sequence of rows over a named, ordered sequence of columns.
// Column names are unique within a table and matching is always done with
// exact, case-sensitive string comparison.
//
// Derivers never modify their input tables. The projection operations Select()
// and Drop() return fresh tables with copied rows, leaving the receiver
// untouched.
type Table struct {
	columns []string
	index   map[string]int
	rows    [][]any
}

// NewTable creates a Table from the provided column names and row values.
// Column names must be non-empty and unique, and each row must contain exactly
// one value per column. The input slices are copied.
func NewTable(columns []string, rows [][]any) (*Table, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("a table requires at least one column")
	}
	index := make(map[string]int, len(columns))
	for i, col := range columns {
		if col == "" {
			return nil, fmt.Errorf("column names must not be empty, columns: %v", columns)
		}
		if _, ok := index[col]; ok {
			return nil, fmt.Errorf("duplicate column name '%s', columns: %v", col, columns)
		}
		index[col] = i
	}
	t := &Table{
		columns: append([]string(nil), columns...),
		index:   index,
	}
	for _, row := range rows {
		if err := t.AppendRow(row...); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// AppendRow adds a row at the end of the table. The number of values must
// match the number of columns.
func (t *Table) AppendRow(values ...any) error {
	if len(values) != len(t.columns) {
		return fmt.Errorf("row arity mismatch, got %d value(s) for columns %v", len(values), t.columns)
	}
	row := make([]any, len(values))
	copy(row, values)
	t.rows = append(t.rows, row)
	return nil
}

// Columns returns a copy of the table's column names, in column order.
func (t *Table) Columns() []string {
	return append([]string(nil), t.columns...)
}

func (t *Table) NumColumns() int {
	return len(t.columns)
}

func (t *Table) NumRows() int {
	return len(t.rows)
}

func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// ColumnIndex returns the position of the named column, or -1 if the column
// does not exist.
func (t *Table) ColumnIndex(name string) int {
	i, ok := t.index[name]
	if !ok {
		return -1
	}
	return i
}

// Row returns a copy of the values of row i, in column order.
func (t *Table) Row(i int) []any {
	row := make([]any, len(t.rows[i]))
	copy(row, t.rows[i])
	return row
}

// Rows returns a copy of all rows, in row order.
func (t *Table) Rows() [][]any {
	rows := make([][]any, len(t.rows))
	for i := range t.rows {
		rows[i] = t.Row(i)
	}
	return rows
}

// Value returns the value at row i for the named column. The second return
// value is false if the column does not exist or i is out of range.
func (t *Table) Value(i int, column string) (any, bool) {
	ci, ok := t.index[column]
	if !ok || i < 0 || i >= len(t.rows) {
		return nil, false
	}
	return t.rows[i][ci], true
}

// Select returns a new table containing exactly the requested columns, in the
// requested order, with row content and row order unchanged. All requested
// columns must exist in the table; if not, the returned error reports both the
// missing names and the full list of available columns.
func (t *Table) Select(columns ...string) (*Table, error) {
	if err := t.validateColumns(columns); err != nil {
		return nil, err
	}
	out, err := NewTable(columns, nil)
	if err != nil {
		return nil, err
	}
	for _, row := range t.rows {
		values := make([]any, len(columns))
		for i, col := range columns {
			values[i] = row[t.index[col]]
		}
		out.rows = append(out.rows, values)
	}
	return out, nil
}

// Drop returns a new table without the given columns, preserving the original
// order of the remaining ones. All given columns must exist in the table, with
// the same error reporting as for Select(). Dropping every column is an error
// since a table requires at least one column.
func (t *Table) Drop(columns ...string) (*Table, error) {
	if err := t.validateColumns(columns); err != nil {
		return nil, err
	}
	dropped := make(map[string]bool, len(columns))
	for _, col := range columns {
		dropped[col] = true
	}
	var kept []string
	for _, col := range t.columns {
		if !dropped[col] {
			kept = append(kept, col)
		}
	}
	return t.Select(kept...)
}

// Equal reports whether the two tables are structurally equal: same column
// names in the same order, and deeply equal row values in the same row order.
func (t *Table) Equal(other *Table) bool {
	if other == nil {
		return false
	}
	if len(t.columns) != len(other.columns) || len(t.rows) != len(other.rows) {
		return false
	}
	for i, col := range t.columns {
		if other.columns[i] != col {
			return false
		}
	}
	for i, row := range t.rows {
		for j, value := range row {
			if !reflect.DeepEqual(value, other.rows[i][j]) {
				return false
			}
		}
	}
	return true
}

// String returns a compact single-line rendering of the table, intended for
// logging and notification events. Larger tables are truncated.
func (t *Table) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("columns: %v, rows(%d):", t.columns, len(t.rows)))
	for i, row := range t.rows {
		if i == maxRowsInStringOutput {
			sb.WriteString(fmt.Sprintf(" ... (%d more)", len(t.rows)-maxRowsInStringOutput))
			break
		}
		sb.WriteString(fmt.Sprintf(" %v", row))
	}
	return sb.String()
}

func (t *Table) validateColumns(columns []string) error {
	var missing []string
	for _, col := range columns {
		if !t.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("column(s) not found: %v, available columns: %v", missing, t.columns)
	}
	return nil
}
