// Package store defines the persistence interfaces used by progress sinks.
// Implementations live in internal/storage; this package must not import
// database drivers or concrete clients.
package store
