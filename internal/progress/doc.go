// Package progress provides the event primitives, non-blocking hub, and
// emitter interface the orchestrator uses to report attempts and outcomes. The
// hub batches events on a background goroutine and fans them out to pluggable
// sinks such as structured logs, Postgres, or Pub/Sub.
package progress
