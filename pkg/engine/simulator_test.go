package engine

import (
	"testing"
	"time"

	"github.com/polisai/upsg/pkg/domain"
	"github.com/polisai/upsg/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulateDoesNotInvokeStages(t *testing.T) {
	g := pipeline.NewGraph()
	a, b := source("output"), source("output")
	split := transform([]string{"input0", "input1"}, []string{"train0", "test0", "train1", "test1"})
	score := transform([]string{"y_true", "y_pred"}, []string{"score"})
	ai := add(t, g, a, "a")
	bi := add(t, g, b, "b")
	si := add(t, g, split, "split")
	sc := add(t, g, score, "score")
	connect(t, g, ai, "output", si, "input0")
	connect(t, g, bi, "output", si, "input1")
	connect(t, g, si, "test0", sc, "y_true")
	connect(t, g, si, "test1", sc, "y_pred")

	sim, err := NewSimulator(quietLogger(), time.Minute).Simulate(g, []pipeline.Port{{Node: sc, Key: "score"}})
	require.NoError(t, err)

	for _, s := range []*funcStage{a, b, split, score} {
		assert.Zero(t, s.calls.Load())
	}
	assert.False(t, g.Frozen())

	require.Len(t, sim.Trace, 4)
	names := make([]string, len(sim.Trace))
	for i, e := range sim.Trace {
		names[i] = e.Name
		assert.Equal(t, i+1, e.Step)
		assert.Equal(t, time.Minute, e.Timeout)
	}
	assert.Equal(t, []string{"a", "b", "split", "score"}, names)

	st := sim.Trace[2]
	assert.Equal(t, []string{"test0", "test1"}, st.Requested)
	assert.Equal(t, []string{"train0", "train1"}, st.Pruned)
	assert.Equal(t, map[string]string{"input0": "a.output", "input1": "b.output"}, st.Inputs)
	assert.Equal(t, []string{"score.score"}, sim.Terminals)
}

func TestSimulateReportsPlanErrors(t *testing.T) {
	g := pipeline.NewGraph()
	id := add(t, g, transform([]string{"input"}, []string{"output"}), "orphan")
	_, err := NewSimulator(nil, 0).Simulate(g, []pipeline.Port{{Node: id, Key: "output"}})
	require.ErrorIs(t, err, domain.ErrDisconnectedInput)
}
