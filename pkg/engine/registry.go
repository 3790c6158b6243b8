package engine

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/polisai/upsg/pkg/domain"
	"github.com/polisai/upsg/pkg/engine/stages"
	"github.com/polisai/upsg/pkg/pipeline"
)

// StageFactory builds a stage from a node's config map.
type StageFactory func(config map[string]any) (pipeline.Stage, error)

// StageInfo describes how a raw stage reference resolved.
type StageInfo struct {
	Kind      string
	Version   string
	Canonical string
}

// StageRegistry stores canonical stage factories and alias mappings.
type StageRegistry struct {
	mu        sync.RWMutex
	factories map[string]StageFactory
	aliases   map[string]string
}

// NewStageRegistry returns an empty registry.
func NewStageRegistry() *StageRegistry {
	return &StageRegistry{
		factories: make(map[string]StageFactory),
		aliases:   make(map[string]string),
	}
}

// DefaultStageRegistry returns a registry holding the built-in stages.
func DefaultStageRegistry() *StageRegistry {
	r := NewStageRegistry()
	for _, def := range stages.Builtins() {
		r.Register(def.Kind, def.Version, StageFactory(def.New), def.Aliases...)
	}
	return r
}

// Register adds or replaces the factory for kind@version. The bare kind
// becomes an alias of the first version registered for it.
func (r *StageRegistry) Register(kind, version string, factory StageFactory, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := canonicalKey(kind, version)
	r.factories[canonical] = factory
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = canonical
	}
	if _, exists := r.aliases[kind]; !exists {
		r.aliases[kind] = canonical
	}
}

// Resolve finds the factory for raw, which is "kind", "kind@version" or a
// registered alias.
func (r *StageRegistry) Resolve(raw string) (StageFactory, StageInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kind, version := parseStageRef(raw)
	canonical := canonicalKey(kind, version)
	if f, ok := r.factories[canonical]; ok {
		return f, StageInfo{Kind: kind, Version: version, Canonical: canonical}, true
	}
	if alias, ok := r.aliases[strings.TrimSpace(raw)]; ok {
		if f, ok := r.factories[alias]; ok {
			k, v := parseStageRef(alias)
			return f, StageInfo{Kind: k, Version: v, Canonical: alias}, true
		}
	}
	return nil, StageInfo{}, false
}

// New resolves raw and builds a stage from config.
func (r *StageRegistry) New(raw string, config map[string]any) (pipeline.Stage, StageInfo, error) {
	factory, info, ok := r.Resolve(raw)
	if !ok {
		return nil, StageInfo{}, fmt.Errorf("%w: %q", domain.ErrUnknownStage, raw)
	}
	s, err := factory(config)
	if err != nil {
		return nil, info, fmt.Errorf("stage %s: %w", info.Canonical, err)
	}
	return s, info, nil
}

// Kinds lists canonical keys in lexical order.
func (r *StageRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func parseStageRef(raw string) (string, string) {
	kind, version, _ := strings.Cut(strings.TrimSpace(raw), "@")
	return kind, version
}

func canonicalKey(kind, version string) string {
	kind = strings.TrimSpace(kind)
	version = strings.TrimSpace(version)
	if version == "" {
		return kind
	}
	return kind + "@" + version
}
