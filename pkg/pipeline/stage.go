package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/polisai/upsg/pkg/data"
	"github.com/polisai/upsg/pkg/domain"
)

// Stage declares the named ports of a unit of computation. Both key sets must
// be static and side-effect free.
type Stage interface {
	InputKeys() []string
	OutputKeys() []string
}

// RunnableStage executes directly.
type RunnableStage interface {
	Stage
	// Run receives read-phase handles for every connected input and the set
	// of outputs requested downstream. It returns read-phase handles for at
	// least every requested output and may omit the rest.
	Run(ctx context.Context, rc *RunContext) (map[string]*data.Handle, error)
}

// MetaStage expands into an embedded sub-graph before execution.
type MetaStage interface {
	Stage
	Pipeline() (SubGraph, error)
}

// OptionalInputs lets a stage declare input keys that may stay unconnected.
type OptionalInputs interface {
	OptionalInputKeys() []string
}

// SubGraph is the expansion of a meta-stage. Entry receives the meta-stage's
// inputs and Exit supplies its outputs.
type SubGraph struct {
	Graph *Graph
	Entry NodeID
	Exit  NodeID
}

// KeySet is a set of port keys.
type KeySet map[string]struct{}

// NewKeySet builds a set from keys.
func NewKeySet(keys ...string) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s KeySet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Add inserts key.
func (s KeySet) Add(key string) {
	s[key] = struct{}{}
}

// Sorted returns the keys in lexical order.
func (s KeySet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// RunContext is what a stage sees during Run.
type RunContext struct {
	Node      NodeID
	Name      string
	Requested KeySet
	Inputs    map[string]*data.Handle
	Env       *data.Env
	Logger    *slog.Logger
}

// Input returns the handle connected to key. A missing or unreadable input is
// a contract violation.
func (rc *RunContext) Input(key string) (*data.Handle, error) {
	h, ok := rc.Inputs[key]
	if !ok || h == nil {
		return nil, &KeyError{Node: rc.Node, Key: key, Side: SideInput, Err: domain.ErrContractViolation}
	}
	if h.Phase() != data.PhaseRead {
		return nil, fmt.Errorf("%w: input %q of node %d is in %s phase", domain.ErrContractViolation, key, rc.Node, h.Phase())
	}
	return h, nil
}

// HasInput reports whether key is connected.
func (rc *RunContext) HasInput(key string) bool {
	_, ok := rc.Inputs[key]
	return ok
}

// Wants reports whether output key was requested downstream.
func (rc *RunContext) Wants(key string) bool {
	return rc.Requested.Has(key)
}

// NewHandle allocates an output handle bound to the run's environment.
func (rc *RunContext) NewHandle() *data.Handle {
	return data.NewHandle(rc.Env)
}

// Log returns the stage logger.
func (rc *RunContext) Log() *slog.Logger {
	if rc.Logger == nil {
		return slog.Default()
	}
	return rc.Logger
}

func optionalKeys(s Stage) KeySet {
	o, ok := s.(OptionalInputs)
	if !ok {
		return KeySet{}
	}
	return NewKeySet(o.OptionalInputKeys()...)
}

func declares(keys []string, key string) bool {
	return slices.Contains(keys, key)
}
