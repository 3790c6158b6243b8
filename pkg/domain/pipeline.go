package domain

import (
	"fmt"
	"strings"
	"time"
)

// PipelineSpec is the declarative form of a pipeline graph.
type PipelineSpec struct {
	Name        string         `yaml:"name" json:"name"`
	Parallelism int            `yaml:"parallelism" json:"parallelism"`
	Timeout     Duration       `yaml:"stage_timeout" json:"stage_timeout"`
	Backends    BackendsSpec   `yaml:"backends" json:"backends"`
	Nodes       []NodeSpec     `yaml:"nodes" json:"nodes"`
	Edges       []EdgeSpec     `yaml:"edges" json:"edges"`
	Outputs     []string       `yaml:"outputs" json:"outputs"`
	Variables   map[string]any `yaml:"variables" json:"variables"`
}

// BackendsSpec configures the external stores intermediate handles may use.
type BackendsSpec struct {
	DatabaseURL string            `yaml:"database_url" json:"database_url"`
	TempDir     string            `yaml:"temp_dir" json:"temp_dir"`
	Object      ObjectStorageSpec `yaml:"object_storage" json:"object_storage"`
}

// ObjectStorageSpec configures an S3-compatible object store.
type ObjectStorageSpec struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
}

// Enabled reports whether enough settings are present to build a client.
func (o ObjectStorageSpec) Enabled() bool {
	return o.Endpoint != "" && o.Bucket != ""
}

// NodeSpec declares one stage instance. Exactly one of Stage or Group is set.
type NodeSpec struct {
	ID     string         `yaml:"id" json:"id"`
	Stage  string         `yaml:"stage" json:"stage"` // csv.read, sql.run@v1, ...
	Config map[string]any `yaml:"config" json:"config"`
	Group  *GroupSpec     `yaml:"group" json:"group"`
}

// GroupSpec declares a sub-pipeline that behaves as a single meta-stage.
type GroupSpec struct {
	Inputs  []string   `yaml:"inputs" json:"inputs"`
	Outputs []string   `yaml:"outputs" json:"outputs"`
	Entry   string     `yaml:"entry" json:"entry"`
	Exit    string     `yaml:"exit" json:"exit"`
	Nodes   []NodeSpec `yaml:"nodes" json:"nodes"`
	Edges   []EdgeSpec `yaml:"edges" json:"edges"`
}

// EdgeSpec connects "node.output" to "node.input".
type EdgeSpec struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// PortRef is a parsed "node.key" reference. Key may be empty for sink nodes.
type PortRef struct {
	Node string
	Key  string
}

func (p PortRef) String() string {
	if p.Key == "" {
		return p.Node
	}
	return p.Node + "." + p.Key
}

// ParsePortRef splits "node.key" on the first dot.
func ParsePortRef(raw string) (PortRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PortRef{}, fmt.Errorf("%w: empty port reference", ErrConfigInvalid)
	}
	node, key, _ := strings.Cut(raw, ".")
	if node == "" {
		return PortRef{}, fmt.Errorf("%w: port reference %q has no node", ErrConfigInvalid, raw)
	}
	return PortRef{Node: node, Key: key}, nil
}

// Duration decodes "30s" style strings from definition files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("%w: duration %q: %v", ErrConfigInvalid, string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Validate performs structural validation of a definition: unique ids, stage or
// group set, edges and outputs referencing declared nodes.
func (p *PipelineSpec) Validate() error {
	if p.Parallelism < 0 {
		return fmt.Errorf("%w: parallelism must be >= 0", ErrConfigInvalid)
	}
	if len(p.Nodes) == 0 {
		return fmt.Errorf("%w: pipeline %q: at least one node is required", ErrConfigInvalid, p.Name)
	}
	ids, err := validateNodes(p.Name, p.Nodes)
	if err != nil {
		return err
	}
	if err := validateEdges(p.Name, p.Edges, ids); err != nil {
		return err
	}
	for i, raw := range p.Outputs {
		ref, err := ParsePortRef(raw)
		if err != nil {
			return fmt.Errorf("pipeline %q output[%d]: %w", p.Name, i, err)
		}
		if !ids[ref.Node] {
			return fmt.Errorf("%w: pipeline %q output[%d]: node %q not found", ErrConfigInvalid, p.Name, i, ref.Node)
		}
	}
	return nil
}

func validateNodes(scope string, nodes []NodeSpec) (map[string]bool, error) {
	ids := make(map[string]bool, len(nodes))
	for i, node := range nodes {
		if node.ID == "" {
			return nil, fmt.Errorf("%w: %s node[%d]: ID is required", ErrConfigInvalid, scope, i)
		}
		if strings.Contains(node.ID, ".") {
			return nil, fmt.Errorf("%w: %s node[%d]: ID %q must not contain '.'", ErrConfigInvalid, scope, i, node.ID)
		}
		if ids[node.ID] {
			return nil, fmt.Errorf("%w: %s: duplicate node ID %q", ErrConfigInvalid, scope, node.ID)
		}
		ids[node.ID] = true

		switch {
		case node.Stage == "" && node.Group == nil:
			return nil, fmt.Errorf("%w: %s node %q: stage or group is required", ErrConfigInvalid, scope, node.ID)
		case node.Stage != "" && node.Group != nil:
			return nil, fmt.Errorf("%w: %s node %q: stage and group are mutually exclusive", ErrConfigInvalid, scope, node.ID)
		case node.Group != nil:
			if err := node.Group.validate(scope + "/" + node.ID); err != nil {
				return nil, err
			}
		}
	}
	return ids, nil
}

func validateEdges(scope string, edges []EdgeSpec, ids map[string]bool) error {
	for i, edge := range edges {
		for _, raw := range []string{edge.From, edge.To} {
			ref, err := ParsePortRef(raw)
			if err != nil {
				return fmt.Errorf("%s edge[%d]: %w", scope, i, err)
			}
			if ref.Key == "" {
				return fmt.Errorf("%w: %s edge[%d]: %q needs a key", ErrConfigInvalid, scope, i, raw)
			}
			if !ids[ref.Node] {
				return fmt.Errorf("%w: %s edge[%d]: node %q not found", ErrConfigInvalid, scope, i, ref.Node)
			}
		}
	}
	return nil
}

func (g *GroupSpec) validate(scope string) error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("%w: group %s: at least one node is required", ErrConfigInvalid, scope)
	}
	ids, err := validateNodes(scope, g.Nodes)
	if err != nil {
		return err
	}
	if !ids[g.Entry] {
		return fmt.Errorf("%w: group %s: entry node %q not found", ErrConfigInvalid, scope, g.Entry)
	}
	if !ids[g.Exit] {
		return fmt.Errorf("%w: group %s: exit node %q not found", ErrConfigInvalid, scope, g.Exit)
	}
	return validateEdges(scope, g.Edges, ids)
}
