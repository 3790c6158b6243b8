package engine

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/polisai/upsg/internal/governance"
	"github.com/polisai/upsg/pkg/pipeline"
)

// TraceEntry describes one node of a simulated run.
type TraceEntry struct {
	Step      int               `json:"step"`
	Node      pipeline.NodeID   `json:"node"`
	Name      string            `json:"name"`
	Stage     string            `json:"stage"`
	Inputs    map[string]string `json:"inputs,omitempty"`
	Requested []string          `json:"requested,omitempty"`
	// Pruned lists declared outputs nobody consumes.
	Pruned  []string      `json:"pruned,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Simulation is the dry-run trace of a graph.
type Simulation struct {
	Trace     []TraceEntry `json:"trace"`
	Terminals []string     `json:"terminals"`
}

// Simulator plans graphs without invoking any stage.
type Simulator struct {
	logger       *slog.Logger
	stageTimeout time.Duration
}

// NewSimulator creates a simulator. stageTimeout is reported for nodes that do
// not set a shorter timeout of their own.
func NewSimulator(logger *slog.Logger, stageTimeout time.Duration) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{logger: logger, stageTimeout: stageTimeout}
}

// Simulate expands a copy of g and returns the order in which an executor
// would run it, with the outputs each node would be asked for.
func (s *Simulator) Simulate(g *pipeline.Graph, terminals []pipeline.Port) (*Simulation, error) {
	work := g.Clone()
	if err := work.ExpandMetaStages(); err != nil {
		return nil, fmt.Errorf("expand meta-stages: %w", err)
	}
	plan, err := work.Plan(terminals)
	if err != nil {
		return nil, fmt.Errorf("plan pipeline: %w", err)
	}

	sim := &Simulation{Trace: make([]TraceEntry, 0, len(plan.Order))}
	for i, id := range plan.Order {
		node, _ := work.Node(id)
		entry := TraceEntry{
			Step:      i + 1,
			Node:      id,
			Name:      node.Name,
			Stage:     stageKind(node.Stage),
			Requested: plan.Requested[id].Sorted(),
		}
		if inputs := plan.Inputs[id]; len(inputs) > 0 {
			entry.Inputs = make(map[string]string, len(inputs))
			for key, src := range inputs {
				producer, _ := work.Node(src.Node)
				entry.Inputs[key] = producer.Name + "." + src.Key
			}
		}
		for _, key := range node.Stage.OutputKeys() {
			if !slices.Contains(entry.Requested, key) {
				entry.Pruned = append(entry.Pruned, key)
			}
		}
		candidates := []governance.TimeoutCandidate{{Source: "executor", Timeout: s.stageTimeout}}
		if ds, ok := node.Stage.(deadlineStage); ok {
			candidates = append(candidates, governance.TimeoutCandidate{Source: "stage", Timeout: ds.StageTimeout()})
		}
		entry.Timeout, _ = governance.ResolveTimeout(candidates...)
		sim.Trace = append(sim.Trace, entry)
	}
	for _, t := range plan.Terminals {
		node, _ := work.Node(t.Node)
		name := node.Name
		if t.Key != "" {
			name += "." + t.Key
		}
		sim.Terminals = append(sim.Terminals, name)
	}

	s.logger.Debug("pipeline simulation complete", "steps", len(sim.Trace))
	return sim, nil
}
