package pipeline

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/polisai/upsg/pkg/domain"
)

// MaxExpansionDepth bounds meta-stage nesting. A meta-stage that keeps
// expanding into meta-stages past this depth is treated as self-referential.
const MaxExpansionDepth = 32

// MaxExpandedNodes bounds the number of nodes one ExpandMetaStages call may
// splice in, so sub-graphs that fan out into further meta-stages cannot grow
// without limit before the depth bound is reached.
const MaxExpandedNodes = 1 << 14

// ExpandMetaStages replaces every meta-stage node with its sub-graph, rerouting
// edges into the meta node to the sub-graph's entry node and edges out of it
// from the exit node. Expansion repeats until no meta nodes remain. Sub-graph
// nodes receive fresh ids; ids of existing runnable nodes are unchanged.
//
// A meta-stage that reappears among the meta-stages it was expanded from, a
// chain deeper than MaxExpansionDepth, or more than MaxExpandedNodes spliced
// nodes fails with domain.ErrCyclicExpansion.
func (g *Graph) ExpandMetaStages() error {
	if g.frozen.Load() {
		return domain.ErrGraphFrozen
	}
	// lineage holds, per spliced node, the meta-stages it was expanded from.
	lineage := make(map[NodeID][]MetaStage)
	budget := MaxExpandedNodes
	for {
		metas := g.metaNodes()
		if len(metas) == 0 {
			return nil
		}
		for _, id := range metas {
			meta := g.nodes[id].Stage.(MetaStage)
			chain := lineage[id]
			if len(chain) >= MaxExpansionDepth {
				return &KeyError{
					Node: id,
					Err:  fmt.Errorf("%w: still expanding after %d levels", domain.ErrCyclicExpansion, MaxExpansionDepth),
				}
			}
			if slices.ContainsFunc(chain, func(m MetaStage) bool { return sameStage(m, meta) }) {
				return &KeyError{
					Node: id,
					Err:  fmt.Errorf("%w: %s expands into itself", domain.ErrCyclicExpansion, g.nodes[id].Name),
				}
			}
			added, err := g.expandNode(id, budget)
			if err != nil {
				return err
			}
			budget -= len(added)
			next := append(slices.Clip(chain), meta)
			for _, nid := range added {
				lineage[nid] = next
			}
			delete(lineage, id)
		}
	}
}

// sameStage reports whether a and b are the same stage value. Values of
// types that cannot be compared are never considered equal.
func sameStage(a, b Stage) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() || !va.Comparable() || !vb.Comparable() {
		return false
	}
	return a == b
}

func (g *Graph) metaNodes() []NodeID {
	var out []NodeID
	for _, id := range g.nodeIDs() {
		if _, ok := g.nodes[id].Stage.(MetaStage); ok {
			out = append(out, id)
		}
	}
	return out
}

// expandNode splices the sub-graph of meta node id and returns the ids of the
// spliced nodes. The graph is left untouched when an error is returned.
func (g *Graph) expandNode(id NodeID, budget int) ([]NodeID, error) {
	node := g.nodes[id]
	meta := node.Stage.(MetaStage)

	sub, err := meta.Pipeline()
	if err != nil {
		return nil, &KeyError{Node: id, Err: fmt.Errorf("%w: build sub-graph of %s: %v", domain.ErrContractViolation, node.Name, err)}
	}
	if sub.Graph == nil {
		return nil, &KeyError{Node: id, Err: fmt.Errorf("%w: %s returned no sub-graph", domain.ErrContractViolation, node.Name)}
	}
	entry, ok := sub.Graph.nodes[sub.Entry]
	if !ok {
		return nil, &KeyError{Node: id, Err: fmt.Errorf("%w: entry node %d not in sub-graph", domain.ErrUnknownNode, sub.Entry)}
	}
	exit, ok := sub.Graph.nodes[sub.Exit]
	if !ok {
		return nil, &KeyError{Node: id, Err: fmt.Errorf("%w: exit node %d not in sub-graph", domain.ErrUnknownNode, sub.Exit)}
	}
	if len(sub.Graph.nodes) > budget {
		return nil, &KeyError{
			Node: id,
			Err:  fmt.Errorf("%w: more than %d nodes spliced", domain.ErrCyclicExpansion, MaxExpandedNodes),
		}
	}

	var inbound []Edge
	for _, key := range node.Stage.InputKeys() {
		e, ok := g.inbound[Port{id, key}]
		if !ok {
			continue
		}
		if !declares(entry.Stage.InputKeys(), key) {
			return nil, &KeyError{Node: id, Key: key, Side: SideInput, Err: domain.ErrUnknownKey}
		}
		if _, taken := sub.Graph.inbound[Port{sub.Entry, key}]; taken {
			return nil, &KeyError{Node: id, Key: key, Side: SideInput, Err: domain.ErrDuplicateInput}
		}
		inbound = append(inbound, e)
	}
	outbound := g.Outbound(id)
	for _, e := range outbound {
		if !declares(exit.Stage.OutputKeys(), e.From.Key) {
			return nil, &KeyError{Node: id, Key: e.From.Key, Side: SideOutput, Err: domain.ErrUnknownKey}
		}
	}

	// Splice copies of the sub-graph's nodes and edges.
	mapping := make(map[NodeID]NodeID, len(sub.Graph.nodes))
	added := make([]NodeID, 0, len(sub.Graph.nodes))
	for _, subID := range sub.Graph.nodeIDs() {
		sn := sub.Graph.nodes[subID]
		newID := g.next
		g.next++
		g.nodes[newID] = &Node{ID: newID, Name: node.Name + "/" + sn.Name, Stage: sn.Stage}
		mapping[subID] = newID
		added = append(added, newID)
	}
	for _, e := range sub.Graph.Edges() {
		g.addEdge(Edge{
			From: Port{mapping[e.From.Node], e.From.Key},
			To:   Port{mapping[e.To.Node], e.To.Key},
		})
	}
	entryID, exitID := mapping[sub.Entry], mapping[sub.Exit]

	g.removeNode(id)
	for _, e := range inbound {
		g.addEdge(Edge{From: e.From, To: Port{entryID, e.To.Key}})
	}
	for _, e := range outbound {
		g.addEdge(Edge{From: Port{exitID, e.From.Key}, To: e.To})
	}

	// Ports addressed on the meta node (terminal requests) now live on exit.
	targets := map[Port]Port{{Node: id}: {Node: exitID}}
	for _, key := range node.Stage.OutputKeys() {
		targets[Port{id, key}] = Port{exitID, key}
	}
	for from, to := range g.aliases {
		if t, ok := targets[to]; ok {
			g.aliases[from] = t
		}
	}
	for from, to := range targets {
		g.aliases[from] = to
	}
	return added, nil
}
