package data

import (
	"fmt"

	"github.com/polisai/upsg/pkg/domain"
)

// Table is an in-memory, row-major dataset. Values are nil, int64, float64,
// bool or string. A Table held by a read-phase handle must not be mutated.
type Table struct {
	Columns []string
	Rows    [][]any
}

// NewTable builds a table and checks that every row matches the header.
func NewTable(columns []string, rows [][]any) (*Table, error) {
	t := &Table{Columns: columns, Rows: rows}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate reports ragged rows or duplicate column names.
func (t *Table) Validate() error {
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if seen[c] {
			return fmt.Errorf("%w: duplicate column %q", domain.ErrContractViolation, c)
		}
		seen[c] = true
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("%w: row %d has %d values, want %d", domain.ErrContractViolation, i, len(row), len(t.Columns))
		}
	}
	return nil
}

// NumRows returns the number of rows.
func (t *Table) NumRows() int {
	return len(t.Rows)
}

// Index returns the position of column name, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns a copy of the values of column name.
func (t *Table) Column(name string) ([]any, error) {
	idx := t.Index(name)
	if idx < 0 {
		return nil, fmt.Errorf("%w: column %q", domain.ErrUnknownKey, name)
	}
	out := make([]any, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out, nil
}

// Subset returns a new table with the rows at idx, in that order. Row slices
// are shared with t.
func (t *Table) Subset(idx []int) *Table {
	rows := make([][]any, len(idx))
	for i, j := range idx {
		rows[i] = t.Rows[j]
	}
	return &Table{Columns: append([]string(nil), t.Columns...), Rows: rows}
}

// Maps returns each row as a column→value map.
func (t *Table) Maps() []map[string]any {
	out := make([]map[string]any, len(t.Rows))
	for i, row := range t.Rows {
		m := make(map[string]any, len(t.Columns))
		for j, c := range t.Columns {
			m[c] = row[j]
		}
		out[i] = m
	}
	return out
}
