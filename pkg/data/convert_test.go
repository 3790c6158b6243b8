package data

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polisai/upsg/pkg/domain"
	"github.com/polisai/upsg/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCSVFileInfersTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.csv")
	body := "id;score;flag;name\n1;0.5;true;ada\n2;;FALSE;\n3;2;true;grace\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	tbl, err := ReadCSVFile(context.Background(), path, ';')
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "score", "flag", "name"}, tbl.Columns)
	assert.Equal(t, [][]any{
		{int64(1), 0.5, true, "ada"},
		{int64(2), nil, false, nil},
		{int64(3), 2.0, true, "grace"},
	}, tbl.Rows)
}

func TestReadCSVFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	tbl, err := ReadCSVFile(context.Background(), path, ',')
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.NumRows())
}

func TestWriteCSVFormatsValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	tbl := &Table{
		Columns: []string{"a", "b", "c"},
		Rows:    [][]any{{int64(7), 1.25, nil}, {int64(8), false, "x,y"}},
	}
	require.NoError(t, WriteCSV(context.Background(), path, ',', tbl))
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a,b,c\n7,1.25,\n8,false,\"x,y\"\n", string(body))
}

func newSQLEnv(t *testing.T) *Env {
	t.Helper()
	store, err := storage.OpenSQL(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "data.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &Env{TempDir: t.TempDir(), SQL: store}
}

func TestTableToSQLAndBack(t *testing.T) {
	ctx := context.Background()
	env := newSQLEnv(t)
	h, err := NewTableHandle(env, sampleTable())
	require.NoError(t, err)

	ref, err := h.ReadSQL(ctx)
	require.NoError(t, err)
	exists, err := env.SQL.TableExists(ctx, ref.Name)
	require.NoError(t, err)
	require.True(t, exists)

	view := NewHandle(env)
	require.NoError(t, view.AttachExternal(KindSQL, ref))
	tbl, err := view.ReadTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleTable(), tbl)
	require.NoError(t, view.Release(ctx))

	// Attached view does not own the table; the converting handle does.
	exists, err = env.SQL.TableExists(ctx, ref.Name)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, h.Release(ctx))
	exists, err = env.SQL.TableExists(ctx, ref.Name)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTableToSQLWithoutStore(t *testing.T) {
	h, err := NewTableHandle(&Env{TempDir: t.TempDir()}, sampleTable())
	require.NoError(t, err)
	_, err = h.ReadSQL(context.Background())
	require.ErrorIs(t, err, domain.ErrNoBackend)
}

func TestSQLToObjectUsesPathAndCleansUp(t *testing.T) {
	ctx := context.Background()
	env := newSQLEnv(t)
	client := storage.NewMemoryObjectClient()
	env.Objects = storage.NewObjectStoreWithClient(client, "scratch", nil)
	require.NoError(t, env.Objects.EnsureBucket(ctx))

	require.NoError(t, env.SQL.CreateTable(ctx, "people", sampleTable().Columns, sampleTable().Rows))
	h := NewHandle(env)
	require.NoError(t, h.AttachExternal(KindSQL, SQLTable{Store: env.SQL, Name: "people"}))

	obj, err := h.ReadObject(ctx)
	require.NoError(t, err)
	assert.Equal(t, "scratch", obj.Bucket)
	assert.Equal(t, 1, client.Len("scratch"))
	assert.Equal(t, []Kind{KindCSV, KindObject, KindSQL, KindTable}, h.Kinds())

	back := NewHandle(env)
	require.NoError(t, back.AttachExternal(KindObject, obj))
	tbl, err := back.ReadTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleTable().Rows, tbl.Rows)
	require.NoError(t, back.Release(ctx))

	require.NoError(t, h.Release(ctx))
	assert.Equal(t, 0, client.Len("scratch"))
	exists, err := env.SQL.TableExists(ctx, "people")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestObserverSeesConversions(t *testing.T) {
	var seen []string
	env := &Env{
		TempDir: t.TempDir(),
		Observer: func(_ context.Context, from, to Kind, _ time.Duration, _ error) {
			seen = append(seen, string(from)+"->"+string(to))
		},
	}
	h, err := NewTableHandle(env, sampleTable())
	require.NoError(t, err)
	_, err = h.ReadCSV(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"table->csv"}, seen)
}
