package pipeline

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/polisai/upsg/pkg/domain"
)

// NodeID identifies a node within one graph.
type NodeID int

// Port addresses one key on one node. An empty Key on a terminal request
// asks for the node to run without collecting an output.
type Port struct {
	Node NodeID
	Key  string
}

func (p Port) String() string {
	if p.Key == "" {
		return fmt.Sprintf("%d", p.Node)
	}
	return fmt.Sprintf("%d.%s", p.Node, p.Key)
}

// Edge connects a producer output to a consumer input.
type Edge struct {
	From Port
	To   Port
}

// Node is a stage instance.
type Node struct {
	ID    NodeID
	Name  string
	Stage Stage
}

// NodeOption customizes AddNode.
type NodeOption func(*Node)

// WithName sets a human-readable node name used in logs, spans and errors.
func WithName(name string) NodeOption {
	return func(n *Node) {
		n.Name = name
	}
}

// Graph is a directed acyclic graph of stage nodes wired port to port.
type Graph struct {
	nodes    map[NodeID]*Node
	next     NodeID
	inbound  map[Port]Edge     // consumer port -> edge
	outbound map[NodeID][]Edge // producer node -> edges
	aliases  map[Port]Port     // expanded meta output -> exit output
	frozen   atomic.Bool
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:    make(map[NodeID]*Node),
		inbound:  make(map[Port]Edge),
		outbound: make(map[NodeID][]Edge),
		aliases:  make(map[Port]Port),
	}
}

// AddNode registers stage and returns its id.
func (g *Graph) AddNode(stage Stage, opts ...NodeOption) (NodeID, error) {
	if g.frozen.Load() {
		return 0, domain.ErrGraphFrozen
	}
	if stage == nil {
		return 0, fmt.Errorf("%w: nil stage", domain.ErrContractViolation)
	}
	_, runnable := stage.(RunnableStage)
	_, meta := stage.(MetaStage)
	if !runnable && !meta {
		return 0, fmt.Errorf("%w: %T is neither runnable nor meta", domain.ErrContractViolation, stage)
	}

	id := g.next
	g.next++
	node := &Node{ID: id, Stage: stage}
	for _, opt := range opts {
		opt(node)
	}
	if node.Name == "" {
		node.Name = fmt.Sprintf("%s#%d", stageTypeName(stage), id)
	}
	g.nodes[id] = node
	return id, nil
}

// Connect wires from.fromKey to to.toKey.
func (g *Graph) Connect(from NodeID, fromKey string, to NodeID, toKey string) error {
	if g.frozen.Load() {
		return domain.ErrGraphFrozen
	}
	producer, ok := g.nodes[from]
	if !ok {
		return &KeyError{Node: from, Side: SideOutput, Err: domain.ErrUnknownNode}
	}
	consumer, ok := g.nodes[to]
	if !ok {
		return &KeyError{Node: to, Side: SideInput, Err: domain.ErrUnknownNode}
	}
	if !declares(producer.Stage.OutputKeys(), fromKey) {
		return &KeyError{Node: from, Key: fromKey, Side: SideOutput, Err: domain.ErrUnknownKey}
	}
	if !declares(consumer.Stage.InputKeys(), toKey) {
		return &KeyError{Node: to, Key: toKey, Side: SideInput, Err: domain.ErrUnknownKey}
	}
	if existing, ok := g.inbound[Port{to, toKey}]; ok {
		return &KeyError{
			Node: to, Key: toKey, Side: SideInput,
			Err: fmt.Errorf("%w: already fed by %s", domain.ErrDuplicateInput, existing.From),
		}
	}
	if from == to || g.reaches(to, from) {
		return &KeyError{
			Node: to, Key: toKey, Side: SideInput,
			Err: fmt.Errorf("%w: edge %d.%s -> %d.%s closes a cycle", domain.ErrCycle, from, fromKey, to, toKey),
		}
	}

	g.addEdge(Edge{From: Port{from, fromKey}, To: Port{to, toKey}})
	return nil
}

// addEdge inserts an edge without validation.
func (g *Graph) addEdge(e Edge) {
	g.inbound[e.To] = e
	g.outbound[e.From.Node] = append(g.outbound[e.From.Node], e)
}

func (g *Graph) removeNode(id NodeID) {
	for port, e := range g.inbound {
		if port.Node == id {
			delete(g.inbound, port)
			g.dropOutbound(e)
		}
	}
	for _, e := range g.outbound[id] {
		delete(g.inbound, e.To)
	}
	delete(g.outbound, id)
	delete(g.nodes, id)
}

func (g *Graph) dropOutbound(e Edge) {
	edges := g.outbound[e.From.Node]
	for i := range edges {
		if edges[i] == e {
			g.outbound[e.From.Node] = slices.Delete(edges, i, i+1)
			return
		}
	}
}

// reaches reports whether dst is reachable from src along edges.
func (g *Graph) reaches(src, dst NodeID) bool {
	seen := map[NodeID]bool{src: true}
	stack := []NodeID{src}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == dst {
			return true
		}
		for _, e := range g.outbound[n] {
			if !seen[e.To.Node] {
				seen[e.To.Node] = true
				stack = append(stack, e.To.Node)
			}
		}
	}
	return false
}

// Freeze rejects further mutation through AddNode and Connect.
func (g *Graph) Freeze() {
	g.frozen.Store(true)
}

// Frozen reports whether Freeze was called.
func (g *Graph) Frozen() bool {
	return g.frozen.Load()
}

// Clone returns an unfrozen copy sharing stage values.
func (g *Graph) Clone() *Graph {
	c := NewGraph()
	c.next = g.next
	for id, n := range g.nodes {
		cp := *n
		c.nodes[id] = &cp
	}
	for p, e := range g.inbound {
		c.inbound[p] = e
	}
	for id, edges := range g.outbound {
		c.outbound[id] = slices.Clone(edges)
	}
	for k, v := range g.aliases {
		c.aliases[k] = v
	}
	return c
}

// Node returns a copy of the node with id.
func (g *Graph) Node(id NodeID) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Nodes returns every node ordered by id.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, id := range g.nodeIDs() {
		out = append(out, *g.nodes[id])
	}
	return out
}

// Edges returns every edge ordered by consumer port.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.inbound))
	for _, e := range g.inbound {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Edge) int {
		if a.To.Node != b.To.Node {
			return int(a.To.Node - b.To.Node)
		}
		return strings.Compare(a.To.Key, b.To.Key)
	})
	return out
}

// Inbound maps each connected input key of id to its producer port.
func (g *Graph) Inbound(id NodeID) map[string]Port {
	out := make(map[string]Port)
	n, ok := g.nodes[id]
	if !ok {
		return out
	}
	for _, key := range n.Stage.InputKeys() {
		if e, ok := g.inbound[Port{id, key}]; ok {
			out[key] = e.From
		}
	}
	return out
}

// Outbound returns the edges leaving id.
func (g *Graph) Outbound(id NodeID) []Edge {
	return slices.Clone(g.outbound[id])
}

// ResolvePort follows expansion aliases so ports on replaced meta nodes
// address the exit node that now produces them.
func (g *Graph) ResolvePort(p Port) Port {
	for i := 0; i <= MaxExpansionDepth; i++ {
		next, ok := g.aliases[p]
		if !ok {
			return p
		}
		p = next
	}
	return p
}

func (g *Graph) nodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func stageTypeName(s Stage) string {
	t := reflect.TypeOf(s)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "stage"
	}
	return t.Name()
}
