// Package sinks implements concrete progress consumers: structured logging,
// Prometheus counters and Google Cloud Pub/Sub fan-out. Each sink satisfies
// progress.Sink and tolerates repeated Consume/Close calls.
package sinks
