package pipeline

import (
	"errors"
	"testing"

	"github.com/polisai/upsg/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// splitGraph builds two sources feeding a four-output split whose train/test
// pair feeds a scorer.
func splitGraph(t *testing.T) (g *Graph, srcA, srcB, split, score NodeID) {
	t.Helper()
	g = NewGraph()
	srcA = mustAdd(t, g, stage(nil, []string{"output"}))
	srcB = mustAdd(t, g, stage(nil, []string{"output"}))
	split = mustAdd(t, g, stage([]string{"input0", "input1"}, []string{"train0", "test0", "train1", "test1"}))
	score = mustAdd(t, g, stage([]string{"y_true", "y_pred"}, []string{"score"}))
	require.NoError(t, g.Connect(srcA, "output", split, "input0"))
	require.NoError(t, g.Connect(srcB, "output", split, "input1"))
	require.NoError(t, g.Connect(split, "test0", score, "y_true"))
	require.NoError(t, g.Connect(split, "test1", score, "y_pred"))
	return g, srcA, srcB, split, score
}

func TestPlanRequestsOnlyConsumedOutputs(t *testing.T) {
	g, srcA, srcB, split, score := splitGraph(t)
	plan, err := g.Plan([]Port{{score, "score"}})
	require.NoError(t, err)

	assert.Equal(t, []NodeID{srcA, srcB, split, score}, plan.Order)
	assert.Equal(t, []string{"test0", "test1"}, plan.Requested[split].Sorted())
	assert.Equal(t, []string{"score"}, plan.Requested[score].Sorted())
	assert.Equal(t, 1, plan.Consumers(Port{split, "test0"}))
	assert.Equal(t, 0, plan.Consumers(Port{split, "train0"}))
	assert.Equal(t, 1, plan.Consumers(Port{score, "score"}))
}

func TestPlanPrunesUnusedBranches(t *testing.T) {
	g := NewGraph()
	src := mustAdd(t, g, stage(nil, []string{"a", "b"}))
	left := mustAdd(t, g, stage([]string{"in"}, []string{"out"}))
	right := mustAdd(t, g, stage([]string{"in"}, []string{"out"}))
	require.NoError(t, g.Connect(src, "a", left, "in"))
	require.NoError(t, g.Connect(src, "b", right, "in"))

	plan, err := g.Plan([]Port{{left, "out"}})
	require.NoError(t, err)
	assert.Equal(t, []NodeID{src, left}, plan.Order)
	assert.Equal(t, []string{"a"}, plan.Requested[src].Sorted())
}

func TestPlanDisconnectedInput(t *testing.T) {
	g := NewGraph()
	src := mustAdd(t, g, stage(nil, []string{"out"}))
	sink := mustAdd(t, g, stage([]string{"x", "y"}, []string{"out"}))
	require.NoError(t, g.Connect(src, "out", sink, "x"))

	_, err := g.Plan([]Port{{sink, "out"}})
	require.ErrorIs(t, err, domain.ErrDisconnectedInput)
	var ke *KeyError
	require.True(t, errors.As(err, &ke))
	assert.Equal(t, "y", ke.Key)

	// Optional inputs may stay unconnected.
	g2 := NewGraph()
	src2 := mustAdd(t, g2, stage(nil, []string{"out"}))
	opt := mustAdd(t, g2, &fakeStage{in: []string{"x", "y"}, out: []string{"out"}, optional: []string{"y"}})
	require.NoError(t, g2.Connect(src2, "out", opt, "x"))
	plan, err := g2.Plan([]Port{{opt, "out"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]Port{"x": {src2, "out"}}, plan.Inputs[opt])
}

func TestPlanUnknownTerminal(t *testing.T) {
	g := NewGraph()
	src := mustAdd(t, g, stage(nil, []string{"out"}))
	_, err := g.Plan([]Port{{src, "nope"}})
	require.ErrorIs(t, err, domain.ErrUnknownKey)
	_, err = g.Plan([]Port{{NodeID(42), "out"}})
	require.ErrorIs(t, err, domain.ErrUnknownNode)
}

func TestPlanSinkTerminal(t *testing.T) {
	g := NewGraph()
	src := mustAdd(t, g, stage(nil, []string{"out"}))
	sink := mustAdd(t, g, stage([]string{"in"}, nil))
	require.NoError(t, g.Connect(src, "out", sink, "in"))

	plan, err := g.Plan([]Port{{Node: sink}})
	require.NoError(t, err)
	assert.Equal(t, []NodeID{src, sink}, plan.Order)
	assert.Empty(t, plan.Requested[sink])
}

func TestPlanDetectsCycle(t *testing.T) {
	g := NewGraph()
	a := mustAdd(t, g, stage([]string{"in"}, []string{"out"}))
	b := mustAdd(t, g, stage([]string{"in"}, []string{"out"}))
	require.NoError(t, g.Connect(a, "out", b, "in"))
	// Connect refuses the closing edge, so insert it directly.
	g.addEdge(Edge{From: Port{b, "out"}, To: Port{a, "in"}})

	_, err := g.TopologicalOrder([]Port{{b, "out"}})
	require.ErrorIs(t, err, domain.ErrCycle)
}

func TestPlanRejectsUnexpandedMeta(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, newTwoStepComposite(t))
	_, err := g.Plan(nil)
	require.ErrorIs(t, err, domain.ErrContractViolation)
}

// Property: for random DAGs every planned node follows its producers, and every
// planned node is an ancestor of (or is) a terminal.
func TestTopologicalOrderProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "nodes")
		g := NewGraph()
		ids := make([]NodeID, n)
		for i := range ids {
			ids[i] = mustAdd(t, g, stage([]string{"a", "b"}, []string{"out"}))
		}
		for i := 1; i < n; i++ {
			for _, key := range []string{"a", "b"} {
				if rapid.Bool().Draw(rt, "wire") {
					p := rapid.IntRange(0, i-1).Draw(rt, "producer")
					if err := g.Connect(ids[p], "out", ids[i], key); err != nil {
						rt.Fatalf("connect: %v", err)
					}
				}
			}
		}
		// Unconnected inputs are optional in this property.
		for _, id := range ids {
			g.nodes[id].Stage = &fakeStage{in: []string{"a", "b"}, out: []string{"out"}, optional: []string{"a", "b"}}
		}

		term := ids[rapid.IntRange(0, n-1).Draw(rt, "terminal")]
		order, err := g.TopologicalOrder([]Port{{term, "out"}})
		if err != nil {
			rt.Fatalf("order: %v", err)
		}

		pos := make(map[NodeID]int, len(order))
		for i, id := range order {
			pos[id] = i
		}
		for _, id := range order {
			for _, producer := range g.Inbound(id) {
				pp, ok := pos[producer.Node]
				if !ok || pp >= pos[id] {
					rt.Fatalf("node %d scheduled before producer %d", id, producer.Node)
				}
			}
			if id != term && !g.reaches(id, term) {
				rt.Fatalf("node %d is not an ancestor of terminal %d", id, term)
			}
		}
		if order[len(order)-1] != term {
			rt.Fatalf("terminal %d is not last in %v", term, order)
		}
	})
}
