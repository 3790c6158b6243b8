package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/polisai/upsg/pkg/data"
	"github.com/polisai/upsg/pkg/pipeline"
)

// NodeError reports the node a run failed at. Err keeps the classified cause
// so errors.Is works against the domain sentinels.
type NodeError struct {
	Node pipeline.NodeID
	Name string
	Key  string
	Err  error
}

func (e *NodeError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("node %d (%s) key %q: %v", e.Node, e.Name, e.Key, e.Err)
	}
	return fmt.Sprintf("node %d (%s): %v", e.Node, e.Name, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// Result holds the terminal handles of a successful run. The caller owns them
// and must call Release.
type Result struct {
	// Executed lists the nodes that ran, in completion order.
	Executed []pipeline.NodeID

	graph   *pipeline.Graph
	handles map[pipeline.Port]*data.Handle
}

// Handle returns the handle produced for a terminal port. Ports on expanded
// meta-stages resolve to the sub-graph port that produced them.
func (r *Result) Handle(port pipeline.Port) (*data.Handle, bool) {
	if r.graph != nil {
		port = r.graph.ResolvePort(port)
	}
	h, ok := r.handles[port]
	return h, ok
}

// Handles returns every terminal handle keyed by resolved port.
func (r *Result) Handles() map[pipeline.Port]*data.Handle {
	return maps.Clone(r.handles)
}

// Release releases every terminal handle once.
func (r *Result) Release(ctx context.Context) error {
	seen := make(map[*data.Handle]bool, len(r.handles))
	var errs []error
	for _, h := range r.handles {
		if seen[h] {
			continue
		}
		seen[h] = true
		if err := h.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := slices.Collect(maps.Keys(m))
	slices.Sort(keys)
	return keys
}
