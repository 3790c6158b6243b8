package pipeline

import (
	"errors"
	"testing"

	"github.com/polisai/upsg/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTwoStepComposite wraps clean(in→out) → scale(in→out) as a meta-stage
// with input "in" and output "out".
func newTwoStepComposite(t *testing.T) *Composite {
	t.Helper()
	sub := NewGraph()
	clean := mustAdd(t, sub, stage([]string{"in"}, []string{"out"}), WithName("clean"))
	scale := mustAdd(t, sub, stage([]string{"in"}, []string{"out"}), WithName("scale"))
	require.NoError(t, sub.Connect(clean, "out", scale, "in"))
	c, err := NewComposite([]string{"in"}, []string{"out"}, SubGraph{Graph: sub, Entry: clean, Exit: scale})
	require.NoError(t, err)
	return c
}

func TestExpandMetaStagesSplicesSubGraph(t *testing.T) {
	g := NewGraph()
	src := mustAdd(t, g, stage(nil, []string{"out"}), WithName("src"))
	meta := mustAdd(t, g, newTwoStepComposite(t), WithName("prep"))
	sink := mustAdd(t, g, stage([]string{"in"}, []string{"out"}), WithName("sink"))
	require.NoError(t, g.Connect(src, "out", meta, "in"))
	require.NoError(t, g.Connect(meta, "out", sink, "in"))

	require.NoError(t, g.ExpandMetaStages())

	_, ok := g.Node(meta)
	assert.False(t, ok, "meta node must be removed")
	assert.Equal(t, 4, g.Len())

	names := map[string]NodeID{}
	for _, n := range g.Nodes() {
		names[n.Name] = n.ID
	}
	clean, scale := names["prep/clean"], names["prep/scale"]
	require.NotZero(t, clean)
	require.NotZero(t, scale)

	assert.Equal(t, Port{src, "out"}, g.Inbound(clean)["in"])
	assert.Equal(t, Port{clean, "out"}, g.Inbound(scale)["in"])
	assert.Equal(t, Port{scale, "out"}, g.Inbound(sink)["in"])

	order, err := g.TopologicalOrder([]Port{{sink, "out"}})
	require.NoError(t, err)
	assert.Equal(t, []NodeID{src, clean, scale, sink}, order)
	assert.NotContains(t, order, meta)
}

func TestExpandedMetaPortsResolveToExit(t *testing.T) {
	g := NewGraph()
	src := mustAdd(t, g, stage(nil, []string{"out"}))
	meta := mustAdd(t, g, newTwoStepComposite(t))
	require.NoError(t, g.Connect(src, "out", meta, "in"))
	require.NoError(t, g.ExpandMetaStages())

	resolved := g.ResolvePort(Port{meta, "out"})
	assert.NotEqual(t, meta, resolved.Node)
	assert.Equal(t, "out", resolved.Key)

	plan, err := g.Plan([]Port{{meta, "out"}})
	require.NoError(t, err)
	assert.Len(t, plan.Order, 3)
	assert.Equal(t, []Port{resolved}, plan.Terminals)
}

func TestExpandNestedComposites(t *testing.T) {
	inner := newTwoStepComposite(t)
	mid := NewGraph()
	a := mustAdd(t, mid, inner, WithName("inner"))
	b := mustAdd(t, mid, stage([]string{"in"}, []string{"out"}), WithName("post"))
	require.NoError(t, mid.Connect(a, "out", b, "in"))
	outer, err := NewComposite([]string{"in"}, []string{"out"}, SubGraph{Graph: mid, Entry: a, Exit: b})
	require.NoError(t, err)

	g := NewGraph()
	src := mustAdd(t, g, stage(nil, []string{"out"}))
	m := mustAdd(t, g, outer, WithName("outer"))
	require.NoError(t, g.Connect(src, "out", m, "in"))
	require.NoError(t, g.ExpandMetaStages())

	order, err := g.TopologicalOrder([]Port{{m, "out"}})
	require.NoError(t, err)
	require.Len(t, order, 4)

	var names []string
	for _, id := range order {
		n, _ := g.Node(id)
		names = append(names, n.Name)
	}
	assert.Equal(t, "outer/inner/clean", names[1])
	assert.Equal(t, "outer/inner/scale", names[2])
	assert.Equal(t, "outer/post", names[3])
}

// selfMeta expands into a graph containing itself.
type selfMeta struct{}

func (selfMeta) InputKeys() []string  { return []string{"in"} }
func (selfMeta) OutputKeys() []string { return []string{"out"} }
func (s selfMeta) Pipeline() (SubGraph, error) {
	g := NewGraph()
	id, err := g.AddNode(s)
	if err != nil {
		return SubGraph{}, err
	}
	return SubGraph{Graph: g, Entry: id, Exit: id}, nil
}

func TestExpandSelfReferentialMetaFails(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, selfMeta{})
	err := g.ExpandMetaStages()
	require.ErrorIs(t, err, domain.ErrCyclicExpansion)
}

// forkMeta expands into two chained copies of itself.
type forkMeta struct{}

func (forkMeta) InputKeys() []string  { return []string{"in"} }
func (forkMeta) OutputKeys() []string { return []string{"out"} }
func (f forkMeta) Pipeline() (SubGraph, error) {
	g := NewGraph()
	a, err := g.AddNode(f)
	if err != nil {
		return SubGraph{}, err
	}
	b, err := g.AddNode(f)
	if err != nil {
		return SubGraph{}, err
	}
	if err := g.Connect(a, "out", b, "in"); err != nil {
		return SubGraph{}, err
	}
	return SubGraph{Graph: g, Entry: a, Exit: b}, nil
}

func TestExpandForkingSelfReferenceFailsFast(t *testing.T) {
	g := NewGraph()
	src := mustAdd(t, g, stage(nil, []string{"out"}))
	m := mustAdd(t, g, forkMeta{}, WithName("fork"))
	require.NoError(t, g.Connect(src, "out", m, "in"))

	err := g.ExpandMetaStages()
	require.ErrorIs(t, err, domain.ErrCyclicExpansion)
	assert.Less(t, g.Len(), 8)
}

// growingMeta fans out into two fresh, deeper copies on every expansion.
type growingMeta struct{ level int }

func (growingMeta) InputKeys() []string  { return nil }
func (growingMeta) OutputKeys() []string { return []string{"out"} }
func (m growingMeta) Pipeline() (SubGraph, error) {
	g := NewGraph()
	a, err := g.AddNode(growingMeta{level: m.level + 1})
	if err != nil {
		return SubGraph{}, err
	}
	b, err := g.AddNode(growingMeta{level: m.level + 1})
	if err != nil {
		return SubGraph{}, err
	}
	return SubGraph{Graph: g, Entry: a, Exit: b}, nil
}

func TestExpandBoundsSplicedNodes(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, growingMeta{})

	err := g.ExpandMetaStages()
	require.ErrorIs(t, err, domain.ErrCyclicExpansion)
	assert.LessOrEqual(t, g.Len(), MaxExpandedNodes+1)
}

// mismatchMeta declares input "in" but its entry node only accepts "other".
type mismatchMeta struct{}

func (mismatchMeta) InputKeys() []string  { return []string{"in"} }
func (mismatchMeta) OutputKeys() []string { return []string{"out"} }
func (mismatchMeta) Pipeline() (SubGraph, error) {
	g := NewGraph()
	id, err := g.AddNode(stage([]string{"other"}, []string{"out"}))
	if err != nil {
		return SubGraph{}, err
	}
	return SubGraph{Graph: g, Entry: id, Exit: id}, nil
}

func TestExpandFailureLeavesGraphUntouched(t *testing.T) {
	g := NewGraph()
	src := mustAdd(t, g, stage(nil, []string{"out"}))
	m := mustAdd(t, g, mismatchMeta{})
	sink := mustAdd(t, g, stage([]string{"in"}, []string{"out"}))
	require.NoError(t, g.Connect(src, "out", m, "in"))
	require.NoError(t, g.Connect(m, "out", sink, "in"))
	before := g.Edges()

	require.ErrorIs(t, g.ExpandMetaStages(), domain.ErrUnknownKey)

	assert.Equal(t, 3, g.Len())
	_, ok := g.Node(m)
	assert.True(t, ok, "meta node must survive a failed expansion")
	assert.Equal(t, before, g.Edges())
}

type brokenMeta struct{}

func (brokenMeta) InputKeys() []string  { return nil }
func (brokenMeta) OutputKeys() []string { return []string{"out"} }
func (brokenMeta) Pipeline() (SubGraph, error) {
	return SubGraph{}, errors.New("no graph today")
}

func TestExpandReportsSubGraphErrors(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, brokenMeta{})
	require.ErrorIs(t, g.ExpandMetaStages(), domain.ErrContractViolation)
}

func TestNewCompositeValidatesKeys(t *testing.T) {
	sub := NewGraph()
	n := mustAdd(t, sub, stage([]string{"in"}, []string{"out"}))
	_, err := NewComposite([]string{"other"}, []string{"out"}, SubGraph{Graph: sub, Entry: n, Exit: n})
	require.ErrorIs(t, err, domain.ErrUnknownKey)
	_, err = NewComposite([]string{"in"}, []string{"out"}, SubGraph{Graph: sub, Entry: n, Exit: NodeID(7)})
	require.ErrorIs(t, err, domain.ErrUnknownNode)
}
