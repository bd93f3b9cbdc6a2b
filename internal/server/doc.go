// Package server exposes the image proxy over HTTP.
//
// # Routes
//
//   - GET|HEAD /<path>?convert=&width=&height=&blurred=true: serve the
//     source image below the images root, transformed as requested
//   - GET /healthz: liveness probe
//   - GET /metrics: Prometheus metrics, when enabled
//
// A path that does not resolve to a readable file answers 404 with the
// plain-text body "File not found!". A transform that fails in a way the
// pipeline cannot hide answers 500 with "Image processing failed!".
// Successful responses carry an X-Cache header: PASS, HIT, MISS or
// FALLBACK.
//
// # Lifecycle
//
// Run listens until its context is cancelled, then shuts the listener down
// gracefully and waits for in-flight requests up to the shutdown timeout.
package server
