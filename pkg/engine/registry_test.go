package engine

import (
	"testing"

	"github.com/polisai/upsg/pkg/domain"
	"github.com/polisai/upsg/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageRegistryResolve(t *testing.T) {
	r := NewStageRegistry()
	v1 := func(map[string]any) (pipeline.Stage, error) { return source("v1"), nil }
	v2 := func(map[string]any) (pipeline.Stage, error) { return source("v2"), nil }
	r.Register("gen", "v1", v1, "generate")
	r.Register("gen", "v2", v2)

	tests := []struct {
		raw       string
		canonical string
		output    string
	}{
		{raw: "gen@v1", canonical: "gen@v1", output: "v1"},
		{raw: "gen@v2", canonical: "gen@v2", output: "v2"},
		{raw: "gen", canonical: "gen@v1", output: "v1"},
		{raw: " generate ", canonical: "gen@v1", output: "v1"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			s, info, err := r.New(tt.raw, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.canonical, info.Canonical)
			assert.Equal(t, "gen", info.Kind)
			assert.Equal(t, []string{tt.output}, s.OutputKeys())
		})
	}

	assert.Equal(t, []string{"gen@v1", "gen@v2"}, r.Kinds())
}

func TestStageRegistryUnknownStage(t *testing.T) {
	r := NewStageRegistry()
	_, _, err := r.New("nope@v9", nil)
	require.ErrorIs(t, err, domain.ErrUnknownStage)
	assert.Equal(t, "CONFIG_INVALID", domain.Code(err))
}

func TestStageRegistryFactoryError(t *testing.T) {
	r := DefaultStageRegistry()
	_, info, err := r.New("literal", map[string]any{})
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.Equal(t, "literal@v1", info.Canonical)
	assert.Contains(t, err.Error(), "stage literal@v1")
}

func TestDefaultStageRegistryAliases(t *testing.T) {
	r := DefaultStageRegistry()
	assert.Len(t, r.Kinds(), 7)
	for alias, canonical := range map[string]string{
		"read.csv": "csv.read@v1",
		"split":    "split.train_test@v1",
		"sql":      "sql.run@v1",
		"kafka":    "kafka.publish@v1",
	} {
		_, info, ok := r.Resolve(alias)
		require.True(t, ok, alias)
		assert.Equal(t, canonical, info.Canonical)
	}
}
