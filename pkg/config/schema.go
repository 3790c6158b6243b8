package config

import "github.com/zclconf/go-cty/cty"

// hclPipelineFile is the top level of an HCL pipeline definition:
//
//	name        = "churn"
//	parallelism = 4
//	outputs     = ["score.output"]
//
//	node "features" {
//	  stage  = "csv.read"
//	  config = { path = "features.csv" }
//	}
//
//	edge {
//	  from = "features.output"
//	  to   = "split.input0"
//	}
type hclPipelineFile struct {
	Name         string       `hcl:"name,optional"`
	Parallelism  int          `hcl:"parallelism,optional"`
	StageTimeout string       `hcl:"stage_timeout,optional"`
	Outputs      []string     `hcl:"outputs,optional"`
	Variables    cty.Value    `hcl:"variables,optional"`
	Backends     *hclBackends `hcl:"backends,block"`
	Nodes        []*hclNode   `hcl:"node,block"`
	Edges        []*hclEdge   `hcl:"edge,block"`
}

type hclBackends struct {
	DatabaseURL string            `hcl:"database_url,optional"`
	TempDir     string            `hcl:"temp_dir,optional"`
	Object      *hclObjectStorage `hcl:"object_storage,block"`
}

type hclObjectStorage struct {
	Endpoint  string `hcl:"endpoint,optional"`
	AccessKey string `hcl:"access_key,optional"`
	SecretKey string `hcl:"secret_key,optional"`
	Bucket    string `hcl:"bucket,optional"`
	UseSSL    bool   `hcl:"use_ssl,optional"`
}

type hclNode struct {
	ID     string    `hcl:"id,label"`
	Stage  string    `hcl:"stage,optional"`
	Config cty.Value `hcl:"config,optional"`
	Group  *hclGroup `hcl:"group,block"`
}

type hclGroup struct {
	Inputs  []string   `hcl:"inputs,optional"`
	Outputs []string   `hcl:"outputs,optional"`
	Entry   string     `hcl:"entry"`
	Exit    string     `hcl:"exit"`
	Nodes   []*hclNode `hcl:"node,block"`
	Edges   []*hclEdge `hcl:"edge,block"`
}

type hclEdge struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
}
