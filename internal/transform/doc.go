// Package transform turns request parameters into an immutable transformation
// spec and derives the cache key that identifies its output.
//
// A Spec is built once per request by Parser.Parse and passed by value
// through the rest of the pipeline. Key is a pure function of a source
// identity and a Spec; it never looks at the clock or at file contents.
package transform
