package data

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(_ context.Context, _ Conversion, src any) (any, error) { return src, nil }

func TestRegistryPathShortest(t *testing.T) {
	reg := NewRegistry()
	reg.Register("a", "b", noop)
	reg.Register("b", "c", noop)
	reg.Register("c", "d", noop)
	reg.Register("a", "d", noop)

	path, ok := reg.Path("a", "d")
	require.True(t, ok)
	assert.Equal(t, []Kind{"a", "d"}, path)

	path, ok = reg.Path("b", "d")
	require.True(t, ok)
	assert.Equal(t, []Kind{"b", "c", "d"}, path)

	path, ok = reg.Path("a", "a")
	require.True(t, ok)
	assert.Equal(t, []Kind{"a"}, path)

	_, ok = reg.Path("d", "a")
	assert.False(t, ok)
}

func TestRegistryPathStableTieBreak(t *testing.T) {
	reg := NewRegistry()
	reg.Register("src", "y", noop)
	reg.Register("src", "x", noop)
	reg.Register("x", "dst", noop)
	reg.Register("y", "dst", noop)

	for i := 0; i < 20; i++ {
		path, ok := reg.Path("src", "dst")
		require.True(t, ok)
		assert.Equal(t, []Kind{"src", "x", "dst"}, path)
	}
}

func TestDefaultRegistryBuiltins(t *testing.T) {
	reg := DefaultRegistry()
	path, ok := reg.Path(KindSQL, KindObject)
	require.True(t, ok)
	assert.Equal(t, []Kind{KindSQL, KindTable, KindCSV, KindObject}, path)

	path, ok = reg.Path(KindObject, KindSQL)
	require.True(t, ok)
	assert.Equal(t, []Kind{KindObject, KindCSV, KindTable, KindSQL}, path)
}
