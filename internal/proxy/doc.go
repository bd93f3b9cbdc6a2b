// Package proxy runs the per-request image pipeline.
//
// Service.Serve resolves the source, builds a transform spec and either
// returns the source untouched, returns a cached entry, or transforms the
// source into the cache and returns the new entry. When a transform does
// not yield a readable entry the source is returned instead.
//
// # Concurrency
//
// Identical misses are collapsed into one transform with singleflight.
// Transforms run in a bounded pool: at most Options.Workers run at once.
// A transform is detached from the request that started it and bounded by
// Options.Timeout instead, so a disconnecting client never leaves a half
// written entry behind; entries are published with an atomic rename.
package proxy
