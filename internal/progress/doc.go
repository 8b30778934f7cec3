// Package progress is the write-only status channel of the pipeline. Components
// report through a Tracker, which keeps the latest Snapshot per component on a
// Board for the status API and emits Events onto a non-blocking Hub that
// batches them out to pluggable sinks (logs, Prometheus, Pub/Sub).
package progress
