package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/polisai/upsg/pkg/data"
	"github.com/polisai/upsg/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeStage struct {
	in, out  []string
	optional []string
}

func (s *fakeStage) InputKeys() []string         { return s.in }
func (s *fakeStage) OutputKeys() []string        { return s.out }
func (s *fakeStage) OptionalInputKeys() []string { return s.optional }
func (s *fakeStage) Run(context.Context, *RunContext) (map[string]*data.Handle, error) {
	return nil, nil
}

func stage(in, out []string) *fakeStage { return &fakeStage{in: in, out: out} }

type notAStage struct{}

func (notAStage) InputKeys() []string  { return nil }
func (notAStage) OutputKeys() []string { return nil }

func mustAdd(t testing.TB, g *Graph, s Stage, opts ...NodeOption) NodeID {
	t.Helper()
	id, err := g.AddNode(s, opts...)
	if err != nil {
		t.Fatalf("add node: %v", err)
	}
	return id
}

func TestAddNode(t *testing.T) {
	g := NewGraph()
	a := mustAdd(t, g, stage(nil, []string{"out"}))
	b := mustAdd(t, g, stage(nil, []string{"out"}), WithName("reader"))
	assert.NotEqual(t, a, b)

	n, ok := g.Node(b)
	require.True(t, ok)
	assert.Equal(t, "reader", n.Name)
	n, _ = g.Node(a)
	assert.Equal(t, fmt.Sprintf("fakeStage#%d", a), n.Name)

	_, err := g.AddNode(nil)
	require.ErrorIs(t, err, domain.ErrContractViolation)
	_, err = g.AddNode(notAStage{})
	require.ErrorIs(t, err, domain.ErrContractViolation)
}

func TestConnectValidation(t *testing.T) {
	g := NewGraph()
	src := mustAdd(t, g, stage(nil, []string{"out"}))
	dst := mustAdd(t, g, stage([]string{"in"}, []string{"out"}))

	err := g.Connect(src, "missing", dst, "in")
	require.ErrorIs(t, err, domain.ErrUnknownKey)
	var ke *KeyError
	require.True(t, errors.As(err, &ke))
	assert.Equal(t, SideOutput, ke.Side)

	require.ErrorIs(t, g.Connect(src, "out", dst, "nope"), domain.ErrUnknownKey)
	require.ErrorIs(t, g.Connect(src, "out", NodeID(99), "in"), domain.ErrUnknownNode)
	require.NoError(t, g.Connect(src, "out", dst, "in"))
	require.ErrorIs(t, g.Connect(src, "out", dst, "in"), domain.ErrDuplicateInput)

	assert.Equal(t, map[string]Port{"in": {src, "out"}}, g.Inbound(dst))
}

func TestConnectRejectsCycles(t *testing.T) {
	g := NewGraph()
	a := mustAdd(t, g, stage([]string{"in"}, []string{"out"}))
	b := mustAdd(t, g, stage([]string{"in"}, []string{"out"}))
	c := mustAdd(t, g, stage([]string{"in", "loop"}, []string{"out"}))

	require.NoError(t, g.Connect(a, "out", b, "in"))
	require.NoError(t, g.Connect(b, "out", c, "in"))
	require.ErrorIs(t, g.Connect(c, "out", a, "in"), domain.ErrCycle)
	require.ErrorIs(t, g.Connect(c, "out", c, "loop"), domain.ErrCycle)
	assert.Len(t, g.Edges(), 2)
}

func TestFrozenGraphRejectsMutation(t *testing.T) {
	g := NewGraph()
	a := mustAdd(t, g, stage(nil, []string{"out"}))
	b := mustAdd(t, g, stage([]string{"in"}, nil))
	g.Freeze()

	_, err := g.AddNode(stage(nil, nil))
	require.ErrorIs(t, err, domain.ErrGraphFrozen)
	require.ErrorIs(t, g.Connect(a, "out", b, "in"), domain.ErrGraphFrozen)

	clone := g.Clone()
	assert.False(t, clone.Frozen())
	require.NoError(t, clone.Connect(a, "out", b, "in"))
	assert.Empty(t, g.Edges())
}

// Property: a second edge into the same input fails with ErrDuplicateInput no
// matter which producer connects first.
func TestDuplicateInputRegardlessOfOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 6).Draw(rt, "producers")
		g := NewGraph()
		producers := make([]NodeID, n)
		for i := range producers {
			producers[i] = mustAdd(t, g, stage(nil, []string{"out"}))
		}
		consumer := mustAdd(t, g, stage([]string{"in"}, nil))

		perm := rapid.Permutation(producers).Draw(rt, "order")
		if err := g.Connect(perm[0], "out", consumer, "in"); err != nil {
			rt.Fatalf("first connect: %v", err)
		}
		for _, p := range perm[1:] {
			err := g.Connect(p, "out", consumer, "in")
			if !errors.Is(err, domain.ErrDuplicateInput) {
				rt.Fatalf("connect %d: got %v, want ErrDuplicateInput", p, err)
			}
		}
		if got := g.Inbound(consumer)["in"].Node; got != perm[0] {
			rt.Fatalf("producer = %d, want %d", got, perm[0])
		}
	})
}
