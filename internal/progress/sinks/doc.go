// Package sinks implements concrete progress consumers: Prometheus collectors,
// structured logging and the in-memory run tracker behind the status API.
// Each sink satisfies progress.Sink and is safe for repeated Consume/Close
// cycles.
package sinks
