package stages

import (
	"context"
	"fmt"

	"github.com/polisai/upsg/pkg/data"
	"github.com/polisai/upsg/pkg/domain"
	"github.com/polisai/upsg/pkg/pipeline"
)

// ObjectRead exposes an existing CSV object in the object store.
type ObjectRead struct {
	bucket    string
	key       string
	delimiter rune
}

// NewObjectRead reads "key" and optional "bucket" and "delimiter". An empty
// bucket means the store's default bucket.
func NewObjectRead(config map[string]any) (pipeline.Stage, error) {
	key, err := stringParam(config, "key", true)
	if err != nil {
		return nil, err
	}
	bucket, err := stringParam(config, "bucket", false)
	if err != nil {
		return nil, err
	}
	delim, err := delimiterParam(config)
	if err != nil {
		return nil, err
	}
	return &ObjectRead{bucket: bucket, key: key, delimiter: delim}, nil
}

func (s *ObjectRead) InputKeys() []string  { return nil }
func (s *ObjectRead) OutputKeys() []string { return []string{"output"} }

func (s *ObjectRead) Run(ctx context.Context, rc *pipeline.RunContext) (map[string]*data.Handle, error) {
	if rc.Env == nil || rc.Env.Objects == nil {
		return nil, fmt.Errorf("object.read: %w: no object store", domain.ErrNoBackend)
	}
	ok, err := rc.Env.Objects.Exists(ctx, s.bucket, s.key)
	if err != nil {
		return nil, fmt.Errorf("object.read: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("object.read: object %q not found", s.key)
	}
	h := rc.NewHandle()
	ref := data.ObjectRef{Bucket: s.bucket, Key: s.key, Delimiter: s.delimiter}
	if err := h.AttachExternal(data.KindObject, ref); err != nil {
		return nil, err
	}
	return map[string]*data.Handle{"output": h}, nil
}
