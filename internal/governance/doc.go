// Package governance resolves per-stage execution deadlines and classifies
// stage failures caused by them.
//
// The engine never retries a stage: a stage that overruns its deadline fails
// the run with domain.ErrStageTimeout.
package governance
