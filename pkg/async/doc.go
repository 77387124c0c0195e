// Package async provides safe concurrent execution primitives for background tasks.
//
// SafeGo runs a fire-and-forget task with a timeout and panic recovery; the
// trust layer uses it for inline audit appends when no durable queue is configured.
//
// WorkerPool is a fixed set of workers fed through a bounded channel; the audit
// dispatcher and the notary anchorer submit their work to one.
//
// Batch fans a slice of items out over a temporary pool and collects every error.
package async
