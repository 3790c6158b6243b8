package engine

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/polisai/upsg/internal/governance"
	"github.com/polisai/upsg/pkg/domain"
	"github.com/polisai/upsg/pkg/pipeline"
)

// Builder turns pipeline definitions into graphs.
type Builder struct {
	registry *StageRegistry
	logger   *slog.Logger
}

// NewBuilder creates a builder resolving stages through registry. A nil
// registry means DefaultStageRegistry.
func NewBuilder(registry *StageRegistry, logger *slog.Logger) *Builder {
	if registry == nil {
		registry = DefaultStageRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{registry: registry, logger: logger}
}

// Built is a graph ready for Executor.Run.
type Built struct {
	Graph     *pipeline.Graph
	Terminals []pipeline.Port
	// IDs maps definition node ids to graph node ids.
	IDs map[string]pipeline.NodeID
}

// Build validates spec and constructs its graph. Group nodes become
// pipeline.Composite meta-stages. Without declared outputs, every output of
// every node without consumers is a terminal.
func (b *Builder) Build(spec *domain.PipelineSpec) (*Built, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	g, ids, err := b.buildGraph(spec.Name, spec.Nodes, spec.Edges, spec.Variables)
	if err != nil {
		return nil, err
	}

	built := &Built{Graph: g, IDs: ids}
	if len(spec.Outputs) > 0 {
		for _, raw := range spec.Outputs {
			ref, err := domain.ParsePortRef(raw)
			if err != nil {
				return nil, err
			}
			built.Terminals = append(built.Terminals, pipeline.Port{Node: ids[ref.Node], Key: ref.Key})
		}
	} else {
		built.Terminals = defaultTerminals(g)
	}

	b.logger.Debug("pipeline built",
		"pipeline", spec.Name,
		"nodes", g.Len(),
		"edges", len(g.Edges()),
		"terminals", len(built.Terminals),
	)
	return built, nil
}

func (b *Builder) buildGraph(scope string, nodes []domain.NodeSpec, edges []domain.EdgeSpec, vars map[string]any) (*pipeline.Graph, map[string]pipeline.NodeID, error) {
	g := pipeline.NewGraph()
	ids := make(map[string]pipeline.NodeID, len(nodes))

	for _, n := range nodes {
		var (
			s   pipeline.Stage
			err error
		)
		if n.Group != nil {
			s, err = b.buildGroup(scope+"/"+n.ID, n.Group, vars)
		} else {
			s, err = b.buildStage(n, vars)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s node %q: %w", scope, n.ID, err)
		}
		id, err := g.AddNode(s, pipeline.WithName(n.ID))
		if err != nil {
			return nil, nil, fmt.Errorf("%s node %q: %w", scope, n.ID, err)
		}
		ids[n.ID] = id
	}

	for i, e := range edges {
		from, err := domain.ParsePortRef(e.From)
		if err != nil {
			return nil, nil, err
		}
		to, err := domain.ParsePortRef(e.To)
		if err != nil {
			return nil, nil, err
		}
		if err := g.Connect(ids[from.Node], from.Key, ids[to.Node], to.Key); err != nil {
			return nil, nil, fmt.Errorf("%s edge[%d] %s -> %s: %w", scope, i, from, to, err)
		}
	}
	return g, ids, nil
}

func (b *Builder) buildGroup(scope string, spec *domain.GroupSpec, vars map[string]any) (pipeline.Stage, error) {
	sub, ids, err := b.buildGraph(scope, spec.Nodes, spec.Edges, vars)
	if err != nil {
		return nil, err
	}
	return pipeline.NewComposite(spec.Inputs, spec.Outputs, pipeline.SubGraph{
		Graph: sub,
		Entry: ids[spec.Entry],
		Exit:  ids[spec.Exit],
	})
}

func (b *Builder) buildStage(n domain.NodeSpec, vars map[string]any) (pipeline.Stage, error) {
	config, _ := expandVariables(n.Config, vars).(map[string]any)
	s, info, err := b.registry.New(n.Stage, config)
	if err != nil {
		return nil, err
	}
	runnable, ok := s.(pipeline.RunnableStage)
	if !ok {
		return s, nil
	}
	cs := &configuredStage{RunnableStage: runnable, kind: info.Canonical}
	if c, ok := governance.TimeoutFromConfig(config); ok {
		cs.timeout = c.Timeout
	}
	return cs, nil
}

// configuredStage carries the registry kind and per-node timeout of a built
// stage.
type configuredStage struct {
	pipeline.RunnableStage
	kind    string
	timeout time.Duration
}

func (s *configuredStage) StageKind() string           { return s.kind }
func (s *configuredStage) StageTimeout() time.Duration { return s.timeout }

func (s *configuredStage) OptionalInputKeys() []string {
	if o, ok := s.RunnableStage.(pipeline.OptionalInputs); ok {
		return o.OptionalInputKeys()
	}
	return nil
}

// defaultTerminals returns every output port of nodes without outbound edges,
// and a sink request for such nodes without outputs.
func defaultTerminals(g *pipeline.Graph) []pipeline.Port {
	var out []pipeline.Port
	for _, n := range g.Nodes() {
		if len(g.Outbound(n.ID)) > 0 {
			continue
		}
		keys := n.Stage.OutputKeys()
		if len(keys) == 0 {
			out = append(out, pipeline.Port{Node: n.ID})
			continue
		}
		for _, k := range keys {
			out = append(out, pipeline.Port{Node: n.ID, Key: k})
		}
	}
	return out
}

// expandVariables substitutes ${name} references in string values. A string
// that is exactly one reference takes the variable's value unchanged.
func expandVariables(v any, vars map[string]any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = expandVariables(val, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = expandVariables(val, vars)
		}
		return out
	case string:
		if len(vars) == 0 || !strings.Contains(t, "${") {
			return t
		}
		if strings.HasPrefix(t, "${") && strings.HasSuffix(t, "}") && strings.Count(t, "${") == 1 {
			if val, ok := vars[t[2:len(t)-1]]; ok {
				return val
			}
		}
		return replaceRefs(t, vars)
	default:
		return v
	}
}

func replaceRefs(s string, vars map[string]any) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.IndexByte(s[start:], '}')
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		end += start
		b.WriteString(s[:start])
		if val, ok := vars[s[start+2:end]]; ok {
			b.WriteString(fmt.Sprint(val))
		} else {
			b.WriteString(s[start : end+1])
		}
		s = s[end+1:]
	}
}
