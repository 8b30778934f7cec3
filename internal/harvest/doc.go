// Package harvest defines the domain model shared by the download pipeline:
// posts, URLs, files and hashes, the tagged handler result, ack packets, and
// the small interfaces (record store, artifact store, sources, handlers,
// progress reporting) that the loader, workers and deduplicator are wired
// through.
package harvest
