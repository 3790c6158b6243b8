package pipeline

import (
	"fmt"
	"slices"

	"github.com/polisai/upsg/pkg/domain"
)

// Composite is a meta-stage backed by a fixed sub-graph.
type Composite struct {
	inputs  []string
	outputs []string
	sub     SubGraph
}

// NewComposite wraps sub. Every declared input must be an input of the entry
// node and every declared output an output of the exit node.
func NewComposite(inputs, outputs []string, sub SubGraph) (*Composite, error) {
	if sub.Graph == nil {
		return nil, fmt.Errorf("%w: composite needs a sub-graph", domain.ErrContractViolation)
	}
	entry, ok := sub.Graph.Node(sub.Entry)
	if !ok {
		return nil, fmt.Errorf("%w: entry node %d", domain.ErrUnknownNode, sub.Entry)
	}
	exit, ok := sub.Graph.Node(sub.Exit)
	if !ok {
		return nil, fmt.Errorf("%w: exit node %d", domain.ErrUnknownNode, sub.Exit)
	}
	for _, k := range inputs {
		if !declares(entry.Stage.InputKeys(), k) {
			return nil, &KeyError{Node: sub.Entry, Key: k, Side: SideInput, Err: domain.ErrUnknownKey}
		}
	}
	for _, k := range outputs {
		if !declares(exit.Stage.OutputKeys(), k) {
			return nil, &KeyError{Node: sub.Exit, Key: k, Side: SideOutput, Err: domain.ErrUnknownKey}
		}
	}
	return &Composite{
		inputs:  slices.Clone(inputs),
		outputs: slices.Clone(outputs),
		sub:     sub,
	}, nil
}

func (c *Composite) InputKeys() []string  { return c.inputs }
func (c *Composite) OutputKeys() []string { return c.outputs }

// Pipeline returns the wrapped sub-graph. Expansion copies it, so one
// Composite may be used by several nodes.
func (c *Composite) Pipeline() (SubGraph, error) {
	return c.sub, nil
}

// OptionalInputKeys forwards the entry node's optional inputs.
func (c *Composite) OptionalInputKeys() []string {
	entry, ok := c.sub.Graph.Node(c.sub.Entry)
	if !ok {
		return nil
	}
	opt := optionalKeys(entry.Stage)
	var out []string
	for _, k := range c.inputs {
		if opt.Has(k) {
			out = append(out, k)
		}
	}
	return out
}
