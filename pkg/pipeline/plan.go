package pipeline

import (
	"container/heap"
	"fmt"

	"github.com/polisai/upsg/pkg/domain"
)

// Plan is the minimal execution schedule for a set of terminal ports.
type Plan struct {
	// Order lists the needed nodes; every node follows all of its producers.
	Order []NodeID
	// Requested holds, per node, the outputs consumed by a planned node or
	// asked for as a terminal.
	Requested map[NodeID]KeySet
	// Terminals are the requested ports after alias resolution.
	Terminals []Port
	// Inputs maps each planned node's connected input keys to producers.
	Inputs map[NodeID]map[string]Port

	consumers map[Port]int
}

// Consumers returns how many planned consumer edges and terminal requests
// read port.
func (p *Plan) Consumers(port Port) int {
	return p.consumers[port]
}

// Plan computes the ancestors needed for terminals and orders them. Ties
// between ready nodes are broken by lowest node id. The graph must already be
// expanded.
func (g *Graph) Plan(terminals []Port) (*Plan, error) {
	if metas := g.metaNodes(); len(metas) > 0 {
		return nil, &KeyError{Node: metas[0], Err: fmt.Errorf("%w: meta-stage not expanded", domain.ErrContractViolation)}
	}

	plan := &Plan{
		Requested: make(map[NodeID]KeySet),
		Inputs:    make(map[NodeID]map[string]Port),
		consumers: make(map[Port]int),
	}
	needed := make(map[NodeID]bool)
	var work []NodeID

	need := func(id NodeID) {
		if !needed[id] {
			needed[id] = true
			plan.Requested[id] = KeySet{}
			work = append(work, id)
		}
	}

	for _, t := range terminals {
		t = g.ResolvePort(t)
		n, ok := g.nodes[t.Node]
		if !ok {
			return nil, &KeyError{Node: t.Node, Key: t.Key, Side: SideOutput, Err: domain.ErrUnknownNode}
		}
		if t.Key != "" && !declares(n.Stage.OutputKeys(), t.Key) {
			return nil, &KeyError{Node: t.Node, Key: t.Key, Side: SideOutput, Err: domain.ErrUnknownKey}
		}
		need(t.Node)
		if t.Key != "" {
			plan.Requested[t.Node].Add(t.Key)
			plan.consumers[t]++
		}
		plan.Terminals = append(plan.Terminals, t)
	}

	for len(work) > 0 {
		id := work[0]
		work = work[1:]
		n := g.nodes[id]
		optional := optionalKeys(n.Stage)
		inputs := make(map[string]Port)
		for _, key := range n.Stage.InputKeys() {
			e, ok := g.inbound[Port{id, key}]
			if !ok {
				if optional.Has(key) {
					continue
				}
				return nil, &KeyError{Node: id, Key: key, Side: SideInput, Err: domain.ErrDisconnectedInput}
			}
			inputs[key] = e.From
			need(e.From.Node)
			plan.Requested[e.From.Node].Add(e.From.Key)
			plan.consumers[e.From]++
		}
		plan.Inputs[id] = inputs
	}

	order, err := g.kahn(needed)
	if err != nil {
		return nil, err
	}
	plan.Order = order
	return plan, nil
}

// TopologicalOrder returns Plan(terminals).Order.
func (g *Graph) TopologicalOrder(terminals []Port) ([]NodeID, error) {
	plan, err := g.Plan(terminals)
	if err != nil {
		return nil, err
	}
	return plan.Order, nil
}

func (g *Graph) kahn(needed map[NodeID]bool) ([]NodeID, error) {
	indegree := make(map[NodeID]int, len(needed))
	for id := range needed {
		indegree[id] = 0
	}
	for port, e := range g.inbound {
		if needed[port.Node] && needed[e.From.Node] {
			indegree[port.Node]++
		}
	}

	ready := &idHeap{}
	for id, d := range indegree {
		if d == 0 {
			heap.Push(ready, id)
		}
	}

	order := make([]NodeID, 0, len(needed))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(NodeID)
		order = append(order, id)
		for _, e := range g.outbound[id] {
			if !needed[e.To.Node] {
				continue
			}
			indegree[e.To.Node]--
			if indegree[e.To.Node] == 0 {
				heap.Push(ready, e.To.Node)
			}
		}
	}

	if len(order) != len(needed) {
		for _, id := range g.nodeIDs() {
			if needed[id] && indegree[id] > 0 {
				return nil, &KeyError{Node: id, Err: domain.ErrCycle}
			}
		}
		return nil, domain.ErrCycle
	}
	return order, nil
}

type idHeap []NodeID

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)        { *h = append(*h, x.(NodeID)) }
func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
