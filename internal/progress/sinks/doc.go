// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors, repository-backed outcome storage, and Pub/Sub
// fan-out. Each sink satisfies the progress.Sink interface.
package sinks
