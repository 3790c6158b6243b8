// Package domain defines the core types shared by the dataflow engine.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library:
//
// - errors.go:   sentinel error kinds every other package unwraps to
// - pipeline.go: declarative pipeline definitions loaded from YAML or HCL files
//
// Other packages (data, pipeline, engine, config) depend on these types. The
// dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
