// Package stages provides the built-in stage kinds that pipeline definitions
// can reference.
package stages

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/polisai/upsg/pkg/domain"
	"github.com/polisai/upsg/pkg/pipeline"
)

// Definition registers one stage kind.
type Definition struct {
	Kind    string
	Version string
	Aliases []string
	New     func(config map[string]any) (pipeline.Stage, error)
}

// Builtins returns the built-in stage kinds.
func Builtins() []Definition {
	return []Definition{
		{Kind: "literal", Version: "v1", Aliases: []string{"table.literal"}, New: NewLiteral},
		{Kind: "csv.read", Version: "v1", Aliases: []string{"read.csv"}, New: NewCSVRead},
		{Kind: "csv.write", Version: "v1", Aliases: []string{"write.csv"}, New: NewCSVWrite},
		{Kind: "object.read", Version: "v1", Aliases: []string{"s3.read"}, New: NewObjectRead},
		{Kind: "sql.run", Version: "v1", Aliases: []string{"sql"}, New: NewRunSQL},
		{Kind: "split.train_test", Version: "v1", Aliases: []string{"split"}, New: NewSplitTrainTest},
		{Kind: "kafka.publish", Version: "v1", Aliases: []string{"kafka"}, New: NewKafkaPublish},
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

func stringParam(config map[string]any, key string, required bool) (string, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		if required {
			return "", invalid("%q is required", key)
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", invalid("%q must be a string, got %T", key, raw)
	}
	if required && strings.TrimSpace(s) == "" {
		return "", invalid("%q must not be empty", key)
	}
	return s, nil
}

func stringsParam(config map[string]any, key string) ([]string, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, invalid("%q[%d] must be a string, got %T", key, i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, invalid("%q must be a list of strings, got %T", key, raw)
	}
}

func intParam(config map[string]any, key string, def int) (int, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, invalid("%q must be an integer, got %v", key, v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, invalid("%q must be an integer: %v", key, err)
		}
		return n, nil
	default:
		return 0, invalid("%q must be an integer, got %T", key, raw)
	}
}

func floatParam(config map[string]any, key string, def float64) (float64, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, invalid("%q must be a number: %v", key, err)
		}
		return f, nil
	default:
		return 0, invalid("%q must be a number, got %T", key, raw)
	}
}

// delimiterParam reads a single-character delimiter, defaulting to ','.
func delimiterParam(config map[string]any) (rune, error) {
	s, err := stringParam(config, "delimiter", false)
	if err != nil {
		return 0, err
	}
	if s == "" {
		return ',', nil
	}
	if s == `\t` {
		return '\t', nil
	}
	r := []rune(s)
	if len(r) != 1 {
		return 0, invalid("delimiter must be one character, got %q", s)
	}
	return r[0], nil
}
