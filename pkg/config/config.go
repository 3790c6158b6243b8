// Package config loads pipeline definitions from YAML, JSON or HCL files and
// applies environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/polisai/upsg/pkg/domain"
	"gopkg.in/yaml.v3"
)

// Format names a definition file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatHCL  Format = "hcl"
)

// FormatFromPath picks the syntax from the file extension. Anything that is
// not .hcl or .json is read as YAML.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return FormatHCL
	case ".json":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Load reads a pipeline definition, applies environment overrides and
// validates the result.
func Load(path string) (*domain.PipelineSpec, error) {
	//nolint:gosec // definition path comes from the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file %s: %w", path, err)
	}
	spec, err := Parse(data, FormatFromPath(path), path)
	if err != nil {
		return nil, err
	}

	if spec.Name == "" {
		spec.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := ApplyEnvOverrides(spec); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline validation failed: %w", err)
	}
	return spec, nil
}

// Parse decodes a definition without validating it. filename is used in HCL
// diagnostics only.
func Parse(data []byte, format Format, filename string) (*domain.PipelineSpec, error) {
	var spec domain.PipelineSpec
	switch format {
	case FormatHCL:
		return parseHCL(data, filename)
	case FormatJSON:
		if err := json.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrConfigInvalid, filename, err)
		}
	default:
		if err := yaml.Unmarshal(data, &spec); err != nil {
			if jsonErr := json.Unmarshal(data, &spec); jsonErr != nil {
				return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrConfigInvalid, filename, err)
			}
		}
	}
	return &spec, nil
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment without
// overriding variables that are already set. A missing default ".env" is not
// an error; a missing explicit path is.
func LoadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnvOverrides replaces backend and parallelism settings with UPSG_*
// environment variables when they are set.
func ApplyEnvOverrides(spec *domain.PipelineSpec) error {
	if val := os.Getenv("UPSG_DATABASE_URL"); val != "" {
		spec.Backends.DatabaseURL = val
	}
	if val := os.Getenv("UPSG_TEMP_DIR"); val != "" {
		spec.Backends.TempDir = val
	}
	if val := os.Getenv("UPSG_PARALLELISM"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: UPSG_PARALLELISM=%q: %v", domain.ErrConfigInvalid, val, err)
		}
		spec.Parallelism = n
	}

	obj := &spec.Backends.Object
	if val := os.Getenv("UPSG_S3_ENDPOINT"); val != "" {
		obj.Endpoint = val
	}
	if val := os.Getenv("UPSG_S3_ACCESS_KEY"); val != "" {
		obj.AccessKey = val
	}
	if val := os.Getenv("UPSG_S3_SECRET_KEY"); val != "" {
		obj.SecretKey = val
	}
	if val := os.Getenv("UPSG_S3_BUCKET"); val != "" {
		obj.Bucket = val
	}
	if val := os.Getenv("UPSG_S3_USE_SSL"); val != "" {
		ssl, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%w: UPSG_S3_USE_SSL=%q: %v", domain.ErrConfigInvalid, val, err)
		}
		obj.UseSSL = ssl
	}
	return nil
}
