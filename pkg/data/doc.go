// Package data implements the write-once/read-many Data Handle that carries
// intermediate results between pipeline stages.
//
// A Handle starts in the write phase, receives exactly one authoritative value
// (WriteFrom or AttachExternal) and is read-only afterwards. Readers ask for a
// representation Kind; the handle converts lazily along the shortest path in
// the converter Registry and memoizes every representation it builds.
// Resources created along the way (temp files, temp tables, uploaded objects)
// belong to the handle's Scope and are removed by Release.
package data
