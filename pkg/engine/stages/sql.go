package stages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/polisai/upsg/pkg/data"
	"github.com/polisai/upsg/pkg/domain"
	"github.com/polisai/upsg/pkg/pipeline"
	"github.com/polisai/upsg/pkg/storage"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// RunSQL runs a templated query against the environment's SQL store. Each
// {key} in the query names an input or output table; the stage substitutes
// the real table names before execution. Statements are split on ';' and run
// in one transaction.
type RunSQL struct {
	query   string
	inputs  []string
	outputs []string
}

// NewRunSQL reads "query", "inputs" and "outputs". Every placeholder must be a
// declared key and every output must appear in the query.
func NewRunSQL(config map[string]any) (pipeline.Stage, error) {
	query, err := stringParam(config, "query", true)
	if err != nil {
		return nil, err
	}
	inputs, err := stringsParam(config, "inputs")
	if err != nil {
		return nil, err
	}
	outputs, err := stringsParam(config, "outputs")
	if err != nil {
		return nil, err
	}

	declared := make(map[string]bool, len(inputs)+len(outputs))
	for _, k := range append(slices.Clone(inputs), outputs...) {
		if declared[k] {
			return nil, invalid("sql.run key %q declared twice", k)
		}
		declared[k] = true
	}
	used := map[string]bool{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(query, -1) {
		if !declared[m[1]] {
			return nil, invalid("sql.run query references undeclared key {%s}", m[1])
		}
		used[m[1]] = true
	}
	for _, k := range outputs {
		if !used[k] {
			return nil, invalid("sql.run output %q is never referenced by the query", k)
		}
	}
	return &RunSQL{query: query, inputs: inputs, outputs: outputs}, nil
}

func (s *RunSQL) InputKeys() []string  { return s.inputs }
func (s *RunSQL) OutputKeys() []string { return s.outputs }

func (s *RunSQL) Run(ctx context.Context, rc *pipeline.RunContext) (out map[string]*data.Handle, err error) {
	if rc.Env == nil || rc.Env.SQL == nil {
		return nil, fmt.Errorf("sql.run: %w: no sql store", domain.ErrNoBackend)
	}
	store := rc.Env.SQL

	// Tables copied in from other stores live only for this run.
	scope := data.NewScope()
	defer func() {
		if cerr := scope.Close(context.WithoutCancel(ctx)); cerr != nil {
			rc.Log().Warn("sql.run cleanup failed", "error", cerr)
		}
	}()

	names := make(map[string]string, len(s.inputs)+len(s.outputs))
	for _, key := range s.inputs {
		name, err := s.inputTable(ctx, rc, scope, key)
		if err != nil {
			return nil, err
		}
		names[key] = name
	}
	for _, key := range s.outputs {
		names[key] = storage.TempTableName()
	}

	query := placeholderPattern.ReplaceAllStringFunc(s.query, func(m string) string {
		return storage.QuoteIdent(names[m[1:len(m)-1]])
	})
	statements := splitStatements(query)

	err = store.InTx(ctx, func(tx *sql.Tx) error {
		for i, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("sql.run statement %d: %w", i+1, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.checkOutputs(ctx, rc, names); err != nil {
		return nil, err
	}

	out = make(map[string]*data.Handle, len(s.outputs))
	var errs []error
	for _, key := range s.outputs {
		h := rc.NewHandle()
		if werr := h.WriteFrom(data.KindSQL, data.SQLTable{Store: store, Name: names[key]}); werr != nil {
			errs = append(errs, werr, store.DropTable(context.WithoutCancel(ctx), names[key]))
			continue
		}
		out[key] = h
	}
	if len(errs) > 0 {
		for _, h := range out {
			errs = append(errs, h.Release(context.WithoutCancel(ctx)))
		}
		return nil, errors.Join(errs...)
	}
	rc.Log().Debug("sql.run complete", "statements", len(statements), "outputs", len(out))
	return out, nil
}

// checkOutputs fails when the query left an output table uncreated. Tables
// it did create are dropped in that case.
func (s *RunSQL) checkOutputs(ctx context.Context, rc *pipeline.RunContext, names map[string]string) error {
	var missing string
	var created []string
	for _, key := range s.outputs {
		ok, err := rc.Env.SQL.TableExists(ctx, names[key])
		if err != nil {
			return err
		}
		if ok {
			created = append(created, names[key])
		} else if missing == "" {
			missing = key
		}
	}
	if missing == "" {
		return nil
	}
	errs := []error{&pipeline.KeyError{
		Node: rc.Node,
		Key:  missing,
		Side: pipeline.SideOutput,
		Err:  fmt.Errorf("%w: query did not create the output table", domain.ErrContractViolation),
	}}
	for _, name := range created {
		errs = append(errs, rc.Env.SQL.DropTable(context.WithoutCancel(ctx), name))
	}
	return errors.Join(errs...)
}

// inputTable returns the name of a table in the run's store holding key.
func (s *RunSQL) inputTable(ctx context.Context, rc *pipeline.RunContext, scope *data.Scope, key string) (string, error) {
	in, err := rc.Input(key)
	if err != nil {
		return "", err
	}
	t, err := in.ReadSQL(ctx)
	if err != nil {
		return "", err
	}
	if t.Store == rc.Env.SQL {
		return t.Name, nil
	}

	cols, rows, err := t.Store.ReadTable(ctx, t.Name)
	if err != nil {
		return "", err
	}
	name, err := scope.TempTable(rc.Env.SQL)
	if err != nil {
		return "", err
	}
	if err := rc.Env.SQL.CreateTable(ctx, name, cols, rows); err != nil {
		return "", err
	}
	return name, nil
}

func splitStatements(query string) []string {
	var out []string
	for _, stmt := range strings.Split(query, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
