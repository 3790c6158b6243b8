package stages

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/polisai/upsg/pkg/data"
	"github.com/polisai/upsg/pkg/domain"
	"github.com/polisai/upsg/pkg/pipeline"
	"github.com/polisai/upsg/pkg/storage"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv(t *testing.T) *data.Env {
	t.Helper()
	return &data.Env{TempDir: t.TempDir()}
}

func sqlEnv(t *testing.T) *data.Env {
	t.Helper()
	env := testEnv(t)
	store, err := storage.OpenSQL(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "stages.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	env.SQL = store
	return env
}

func runContext(env *data.Env, inputs map[string]*data.Handle, requested ...string) *pipeline.RunContext {
	return &pipeline.RunContext{
		Node:      1,
		Name:      "under-test",
		Requested: pipeline.NewKeySet(requested...),
		Inputs:    inputs,
		Env:       env,
	}
}

func tableHandle(t *testing.T, env *data.Env, columns []string, rows ...[]any) *data.Handle {
	t.Helper()
	h, err := data.NewTableHandle(env, &data.Table{Columns: columns, Rows: rows})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Release(context.Background()) })
	return h
}

func runnable(t *testing.T, factory func(map[string]any) (pipeline.Stage, error), config map[string]any) pipeline.RunnableStage {
	t.Helper()
	s, err := factory(config)
	require.NoError(t, err)
	r, ok := s.(pipeline.RunnableStage)
	require.True(t, ok)
	return r
}

func TestBuiltinsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, def := range Builtins() {
		key := def.Kind + "@" + def.Version
		assert.False(t, seen[key], "duplicate %s", key)
		seen[key] = true
		assert.NotNil(t, def.New)
	}
	assert.Len(t, seen, 7)
}

func TestLiteral(t *testing.T) {
	ctx := context.Background()
	s := runnable(t, NewLiteral, map[string]any{
		"columns": []any{"id", "score"},
		"rows":    []any{[]any{1, 0.5}, []any{float64(2), 1.5}},
	})
	assert.Equal(t, []string{"output"}, s.OutputKeys())

	out, err := s.Run(ctx, runContext(testEnv(t), nil, "output"))
	require.NoError(t, err)
	got, err := out["output"].ReadTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "score"}, got.Columns)
	assert.Equal(t, [][]any{{int64(1), 0.5}, {int64(2), 1.5}}, got.Rows)
	require.NoError(t, out["output"].Release(ctx))

	_, err = NewLiteral(map[string]any{})
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
	_, err = NewLiteral(map[string]any{"columns": []any{"a"}, "rows": []any{"nope"}})
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
	_, err = NewLiteral(map[string]any{"columns": []any{"a"}, "rows": []any{[]any{1, 2}}})
	require.ErrorIs(t, err, domain.ErrContractViolation)
}

func TestCSVReadWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := testEnv(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "in.csv")
	require.NoError(t, os.WriteFile(src, []byte("a;b\n1;x\n2;y\n"), 0o644))

	reader := runnable(t, NewCSVRead, map[string]any{"path": src, "delimiter": ";"})
	out, err := reader.Run(ctx, runContext(env, nil, "output"))
	require.NoError(t, err)
	h := out["output"]

	dst := filepath.Join(dir, "nested", "out.csv")
	writer := runnable(t, NewCSVWrite, map[string]any{"path": dst})
	sinkOut, err := writer.Run(ctx, runContext(env, map[string]*data.Handle{"input": h}))
	require.NoError(t, err)
	assert.Empty(t, sinkOut)

	written, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,x\n2,y\n", string(written))

	// Attached files survive release.
	require.NoError(t, h.Release(ctx))
	_, err = os.Stat(src)
	require.NoError(t, err)
}

func TestCSVReadMissingFile(t *testing.T) {
	s := runnable(t, NewCSVRead, map[string]any{"path": filepath.Join(t.TempDir(), "missing.csv")})
	_, err := s.Run(context.Background(), runContext(testEnv(t), nil, "output"))
	require.Error(t, err)

	_, err = NewCSVRead(map[string]any{"path": "x.csv", "delimiter": "ab"})
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestObjectRead(t *testing.T) {
	ctx := context.Background()
	client := storage.NewMemoryObjectClient()
	client.Put("data", "iris.csv", []byte("id,species\n1,setosa\n"))
	env := testEnv(t)
	env.Objects = storage.NewObjectStoreWithClient(client, "data", nil)

	s := runnable(t, NewObjectRead, map[string]any{"key": "iris.csv"})
	out, err := s.Run(ctx, runContext(env, nil, "output"))
	require.NoError(t, err)
	tbl, err := out["output"].ReadTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1), "setosa"}}, tbl.Rows)

	require.NoError(t, out["output"].Release(ctx))
	assert.Equal(t, 1, client.Len("data"), "attached object must survive release")

	missing := runnable(t, NewObjectRead, map[string]any{"key": "nope.csv"})
	_, err = missing.Run(ctx, runContext(env, nil, "output"))
	require.Error(t, err)

	_, err = s.Run(ctx, runContext(testEnv(t), nil, "output"))
	require.ErrorIs(t, err, domain.ErrNoBackend)
}

func TestRunSQL(t *testing.T) {
	ctx := context.Background()
	env := sqlEnv(t)
	employees := tableHandle(t, env, []string{"id", "name"}, []any{int64(1), "ada"}, []any{int64(2), "bob"})
	hours := tableHandle(t, env, []string{"employee_id", "hours"}, []any{int64(1), int64(10)}, []any{int64(2), int64(4)})

	s := runnable(t, NewRunSQL, map[string]any{
		"query": "CREATE TABLE {report} AS SELECT {employees}.name AS name, {hours}.hours AS hours " +
			"FROM {employees} JOIN {hours} ON {employees}.id = {hours}.employee_id WHERE {hours}.hours > 5;",
		"inputs":  []any{"employees", "hours"},
		"outputs": []any{"report"},
	})
	assert.Equal(t, []string{"employees", "hours"}, s.InputKeys())

	out, err := s.Run(ctx, runContext(env, map[string]*data.Handle{"employees": employees, "hours": hours}, "report"))
	require.NoError(t, err)
	report := out["report"]
	got, err := report.ReadTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "hours"}, got.Columns)
	assert.Equal(t, [][]any{{"ada", int64(10)}}, got.Rows)

	ref, err := report.ReadSQL(ctx)
	require.NoError(t, err)
	require.NoError(t, report.Release(ctx))
	exists, err := env.SQL.TableExists(ctx, ref.Name)
	require.NoError(t, err)
	assert.False(t, exists, "owned output table must be dropped on release")
}

func countTables(t *testing.T, store *storage.SQLStore) int {
	t.Helper()
	var n int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table'").Scan(&n))
	return n
}

func TestRunSQLRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	env := sqlEnv(t)
	in := tableHandle(t, env, []string{"a"}, []any{int64(1)})
	_, err := in.ReadSQL(ctx)
	require.NoError(t, err)
	before := countTables(t, env.SQL)

	s := runnable(t, NewRunSQL, map[string]any{
		"query":   "CREATE TABLE {out} AS SELECT a FROM {in}; SELECT * FROM missing_table",
		"inputs":  []any{"in"},
		"outputs": []any{"out"},
	})
	_, err = s.Run(ctx, runContext(env, map[string]*data.Handle{"in": in}, "out"))
	require.Error(t, err)
	assert.Equal(t, before, countTables(t, env.SQL))
}

func TestRunSQLMissingOutputTable(t *testing.T) {
	ctx := context.Background()
	env := sqlEnv(t)
	in := tableHandle(t, env, []string{"a"}, []any{int64(1)})
	_, err := in.ReadSQL(ctx)
	require.NoError(t, err)
	before := countTables(t, env.SQL)

	// The query mentions {skipped} but never creates it.
	s := runnable(t, NewRunSQL, map[string]any{
		"query":   "CREATE TABLE {kept} AS SELECT a FROM {in}; DROP TABLE IF EXISTS {skipped}",
		"inputs":  []any{"in"},
		"outputs": []any{"kept", "skipped"},
	})
	out, err := s.Run(ctx, runContext(env, map[string]*data.Handle{"in": in}, "kept", "skipped"))
	require.ErrorIs(t, err, domain.ErrContractViolation)
	assert.Nil(t, out)

	var ke *pipeline.KeyError
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, "skipped", ke.Key)
	assert.Equal(t, before, countTables(t, env.SQL), "created outputs must be dropped")
}

func TestRunSQLConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
	}{
		{"no query", map[string]any{}},
		{"undeclared placeholder", map[string]any{"query": "SELECT * FROM {x}", "inputs": []any{"y"}}},
		{"unused output", map[string]any{"query": "SELECT 1", "outputs": []any{"out"}}},
		{"shared key", map[string]any{"query": "CREATE TABLE {k} AS SELECT * FROM {k}", "inputs": []any{"k"}, "outputs": []any{"k"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunSQL(tt.config)
			require.ErrorIs(t, err, domain.ErrConfigInvalid)
		})
	}

	s := runnable(t, NewRunSQL, map[string]any{"query": "SELECT 1"})
	_, err := s.Run(context.Background(), runContext(testEnv(t), nil))
	require.ErrorIs(t, err, domain.ErrNoBackend)
}

func TestSplitStatements(t *testing.T) {
	assert.Equal(t, []string{"A", "B"}, splitStatements(" A ;\n; B;"))
	assert.Empty(t, splitStatements(" ; "))
}

func numbered(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	return rows
}

func TestSplitTrainTest(t *testing.T) {
	ctx := context.Background()
	env := testEnv(t)
	s := runnable(t, NewSplitTrainTest, map[string]any{"inputs": 2, "test_size": 0.3, "seed": 7})
	assert.Equal(t, []string{"input0", "input1"}, s.InputKeys())
	assert.Equal(t, []string{"train0", "test0", "train1", "test1"}, s.OutputKeys())

	x := tableHandle(t, env, []string{"x"}, numbered(10)...)
	y := tableHandle(t, env, []string{"y"}, numbered(10)...)
	inputs := map[string]*data.Handle{"input0": x, "input1": y}

	out, err := s.Run(ctx, runContext(env, inputs, "train0", "test0", "test1"))
	require.NoError(t, err)
	assert.Len(t, out, 3)
	assert.NotContains(t, out, "train1")

	values := func(h *data.Handle) []int64 {
		tbl, err := h.ReadTable(ctx)
		require.NoError(t, err)
		var v []int64
		for _, r := range tbl.Rows {
			v = append(v, r[0].(int64))
		}
		return v
	}
	train, test := values(out["train0"]), values(out["test0"])
	assert.Len(t, test, 3)
	assert.Len(t, train, 7)
	all := append(slices.Clone(train), test...)
	slices.Sort(all)
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, all)
	// Aligned inputs share one shuffle.
	assert.Equal(t, test, values(out["test1"]))

	again, err := s.Run(ctx, runContext(env, inputs, "test0"))
	require.NoError(t, err)
	assert.Equal(t, test, values(again["test0"]))

	for _, h := range out {
		require.NoError(t, h.Release(ctx))
	}
	require.NoError(t, again["test0"].Release(ctx))
}

func TestSplitTrainTestRowMismatch(t *testing.T) {
	env := testEnv(t)
	s := runnable(t, NewSplitTrainTest, map[string]any{"inputs": 2})
	inputs := map[string]*data.Handle{
		"input0": tableHandle(t, env, []string{"x"}, numbered(4)...),
		"input1": tableHandle(t, env, []string{"y"}, numbered(5)...),
	}
	_, err := s.Run(context.Background(), runContext(env, inputs, "test0", "test1"))
	require.ErrorIs(t, err, domain.ErrContractViolation)

	_, err = NewSplitTrainTest(map[string]any{"test_size": 1.5})
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
}

type fakeWriter struct {
	batches [][]kafka.Message
	closed  bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.batches = append(w.batches, slices.Clone(msgs))
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublish(t *testing.T) {
	env := testEnv(t)
	stage, err := NewKafkaPublish(map[string]any{
		"brokers":    []any{"localhost:9092"},
		"topic":      "scores",
		"key_column": "id",
		"batch_size": 2,
	})
	require.NoError(t, err)

	w := &fakeWriter{}
	var gotBrokers []string
	s := stage.(*KafkaPublish).WithWriter(func(brokers []string, topic string) MessageWriter {
		gotBrokers = brokers
		assert.Equal(t, "scores", topic)
		return w
	})

	in := tableHandle(t, env, []string{"id", "score"},
		[]any{int64(1), 0.5}, []any{int64(2), 0.75}, []any{int64(3), 1.0})
	out, err := s.Run(context.Background(), runContext(env, map[string]*data.Handle{"input": in}))
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.True(t, w.closed)
	assert.Equal(t, []string{"localhost:9092"}, gotBrokers)

	require.Len(t, w.batches, 2)
	assert.Len(t, w.batches[0], 2)
	first := w.batches[0][0]
	assert.Equal(t, "1", string(first.Key))
	var row map[string]any
	require.NoError(t, json.Unmarshal(first.Value, &row))
	assert.Equal(t, map[string]any{"id": float64(1), "score": 0.5}, row)

	_, err = NewKafkaPublish(map[string]any{"topic": "x"})
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
}
