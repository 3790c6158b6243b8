// Package pipeline holds the stage contract and the port-wired graph the
// engine executes.
//
// A Graph is built single-threaded with AddNode and Connect. Wiring errors
// (unknown keys, a second producer for one input, edges that close a cycle)
// are returned by the call that introduced them. Meta-stages are spliced out
// by ExpandMetaStages, and Plan computes the minimal, deterministically
// ordered set of nodes needed for a set of terminal ports.
package pipeline
