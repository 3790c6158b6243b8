package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/polisai/upsg/pkg/domain"
)

func parseHCL(data []byte, filename string) (*domain.PipelineSpec, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: failed to parse HCL file %s: %w", domain.ErrConfigInvalid, filename, diags)
	}

	var parsed hclPipelineFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("%w: failed to decode HCL file %s: %w", domain.ErrConfigInvalid, filename, diags)
	}

	spec := &domain.PipelineSpec{
		Name:        parsed.Name,
		Parallelism: parsed.Parallelism,
		Outputs:     parsed.Outputs,
	}
	if parsed.StageTimeout != "" {
		if err := spec.Timeout.UnmarshalText([]byte(parsed.StageTimeout)); err != nil {
			return nil, err
		}
	}
	vars, err := ctyToMap(parsed.Variables)
	if err != nil {
		return nil, fmt.Errorf("%w: %s variables: %v", domain.ErrConfigInvalid, filename, err)
	}
	spec.Variables = vars

	if b := parsed.Backends; b != nil {
		spec.Backends.DatabaseURL = b.DatabaseURL
		spec.Backends.TempDir = b.TempDir
		if o := b.Object; o != nil {
			spec.Backends.Object = domain.ObjectStorageSpec{
				Endpoint:  o.Endpoint,
				AccessKey: o.AccessKey,
				SecretKey: o.SecretKey,
				Bucket:    o.Bucket,
				UseSSL:    o.UseSSL,
			}
		}
	}

	if spec.Nodes, err = convertHCLNodes(parsed.Nodes); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrConfigInvalid, filename, err)
	}
	spec.Edges = convertHCLEdges(parsed.Edges)
	return spec, nil
}

func convertHCLNodes(nodes []*hclNode) ([]domain.NodeSpec, error) {
	out := make([]domain.NodeSpec, 0, len(nodes))
	for _, n := range nodes {
		cfg, err := ctyToMap(n.Config)
		if err != nil {
			return nil, fmt.Errorf("node %q config: %w", n.ID, err)
		}
		node := domain.NodeSpec{ID: n.ID, Stage: n.Stage, Config: cfg}
		if g := n.Group; g != nil {
			sub, err := convertHCLNodes(g.Nodes)
			if err != nil {
				return nil, fmt.Errorf("group %q: %w", n.ID, err)
			}
			node.Group = &domain.GroupSpec{
				Inputs:  g.Inputs,
				Outputs: g.Outputs,
				Entry:   g.Entry,
				Exit:    g.Exit,
				Nodes:   sub,
				Edges:   convertHCLEdges(g.Edges),
			}
		}
		out = append(out, node)
	}
	return out, nil
}

func convertHCLEdges(edges []*hclEdge) []domain.EdgeSpec {
	out := make([]domain.EdgeSpec, 0, len(edges))
	for _, e := range edges {
		out = append(out, domain.EdgeSpec{From: e.From, To: e.To})
	}
	return out
}
