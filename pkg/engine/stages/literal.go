package stages

import (
	"context"
	"fmt"

	"github.com/polisai/upsg/pkg/data"
	"github.com/polisai/upsg/pkg/pipeline"
)

// Literal emits a table declared inline in the node config.
type Literal struct {
	table *data.Table
}

// NewLiteral reads "columns" (list of names) and "rows" (list of lists).
func NewLiteral(config map[string]any) (pipeline.Stage, error) {
	columns, err := stringsParam(config, "columns")
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, invalid("\"columns\" is required")
	}

	var rows [][]any
	switch raw := config["rows"].(type) {
	case nil:
	case [][]any:
		rows = raw
	case []any:
		rows = make([][]any, len(raw))
		for i, r := range raw {
			row, ok := r.([]any)
			if !ok {
				return nil, invalid("rows[%d] must be a list, got %T", i, r)
			}
			rows[i] = normalizeRow(row)
		}
	default:
		return nil, invalid("\"rows\" must be a list of lists, got %T", raw)
	}

	t, err := data.NewTable(columns, rows)
	if err != nil {
		return nil, fmt.Errorf("literal table: %w", err)
	}
	return &Literal{table: t}, nil
}

func (s *Literal) InputKeys() []string  { return nil }
func (s *Literal) OutputKeys() []string { return []string{"output"} }

func (s *Literal) Run(_ context.Context, rc *pipeline.RunContext) (map[string]*data.Handle, error) {
	// Each run gets its own copy so downstream stages never share rows with
	// the stage config.
	rows := make([][]any, len(s.table.Rows))
	for i, row := range s.table.Rows {
		rows[i] = append([]any(nil), row...)
	}
	t := &data.Table{Columns: append([]string(nil), s.table.Columns...), Rows: rows}
	h, err := data.NewTableHandle(rc.Env, t)
	if err != nil {
		return nil, err
	}
	return map[string]*data.Handle{"output": h}, nil
}

// normalizeRow converts decoder number types to int64/float64.
func normalizeRow(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		switch n := v.(type) {
		case int:
			out[i] = int64(n)
		case uint64:
			out[i] = int64(n)
		case float64:
			if n == float64(int64(n)) {
				out[i] = int64(n)
			} else {
				out[i] = n
			}
		default:
			out[i] = v
		}
	}
	return out
}
