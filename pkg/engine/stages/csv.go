package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/polisai/upsg/pkg/data"
	"github.com/polisai/upsg/pkg/pipeline"
)

// CSVRead exposes an existing CSV file. The file is attached, not owned, so
// releasing the handle leaves it in place.
type CSVRead struct {
	path      string
	delimiter rune
}

// NewCSVRead reads "path" and an optional "delimiter".
func NewCSVRead(config map[string]any) (pipeline.Stage, error) {
	path, err := stringParam(config, "path", true)
	if err != nil {
		return nil, err
	}
	delim, err := delimiterParam(config)
	if err != nil {
		return nil, err
	}
	return &CSVRead{path: path, delimiter: delim}, nil
}

func (s *CSVRead) InputKeys() []string  { return nil }
func (s *CSVRead) OutputKeys() []string { return []string{"output"} }

func (s *CSVRead) Run(_ context.Context, rc *pipeline.RunContext) (map[string]*data.Handle, error) {
	if _, err := os.Stat(s.path); err != nil {
		return nil, fmt.Errorf("csv.read: %w", err)
	}
	h := rc.NewHandle()
	if err := h.AttachExternal(data.KindCSV, data.CSVFile{Path: s.path, Delimiter: s.delimiter}); err != nil {
		return nil, err
	}
	return map[string]*data.Handle{"output": h}, nil
}

// CSVWrite writes its input to a file. It is a sink and has no outputs.
type CSVWrite struct {
	path      string
	delimiter rune
}

// NewCSVWrite reads "path" and an optional "delimiter".
func NewCSVWrite(config map[string]any) (pipeline.Stage, error) {
	path, err := stringParam(config, "path", true)
	if err != nil {
		return nil, err
	}
	delim, err := delimiterParam(config)
	if err != nil {
		return nil, err
	}
	return &CSVWrite{path: path, delimiter: delim}, nil
}

func (s *CSVWrite) InputKeys() []string  { return []string{"input"} }
func (s *CSVWrite) OutputKeys() []string { return nil }

func (s *CSVWrite) Run(ctx context.Context, rc *pipeline.RunContext) (map[string]*data.Handle, error) {
	in, err := rc.Input("input")
	if err != nil {
		return nil, err
	}
	t, err := in.ReadTable(ctx)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("csv.write: %w", err)
		}
	}
	if err := data.WriteCSV(ctx, s.path, s.delimiter, t); err != nil {
		return nil, err
	}
	rc.Log().Info("csv written", "path", s.path, "rows", t.NumRows())
	return nil, nil
}
