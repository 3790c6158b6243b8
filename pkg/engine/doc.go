// Package engine executes pipeline graphs.
//
// Architecture:
//
// executor.go  - Executor: expansion, planning, scheduling, handle reference counting
// result.go    - Result and NodeError
// registry.go  - StageRegistry mapping stage kinds (kind@version plus aliases) to factories
// builder.go   - Builder turning a domain.PipelineSpec into a graph and terminal ports
// simulator.go - Dry-run trace of the plan without invoking stages
// observer.go  - Conversion observer feeding handle conversions into telemetry
//
// Stages only see read-phase input handles and return read-phase outputs; the
// executor owns every handle between its producer and its last consumer.
package engine
