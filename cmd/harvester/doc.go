// Package main hosts the harvester entrypoint.
//
// Architecture overview:
//   - Sources: reddit listings (users, subreddits, user lists), CSV exports and plain URL lists yield
//     elements in order. The loader stores each new post with its URLs and a planned file path, skipping
//     posts it has already seen.
//   - Work & acks: URL ids flow through a bounded in-memory work queue sized by pipeline.queue_capacity to a
//     fixed worker pool sized by pipeline.workers. Workers never commit URL state themselves; they push an
//     ack packet that the loader applies in a single transaction, so a crash leaves URLs pending for the
//     next run rather than half-recorded.
//   - Handler chain: the denylist runs first, then gallery pages (Colly), rendered pages (Chromedp), page
//     metadata (goquery), and finally direct downloads. The first handler to claim a URL decides its
//     outcome; albums come back as child URLs that the loader enqueues after the parent commits.
//   - Storage: record state lives in sqlite (default), Postgres or memory behind one write lock. Artifacts
//     are written to a local directory, GCS or S3.
//   - Deduplication: the deduplicator hashes downloaded files (dHash for still images, SHA-256 otherwise),
//     matches on four hash partitions, keeps the largest copy and repoints URLs at it. A final pass runs
//     after the workers stop.
//   - Configuration & plumbing: Viper reads a config file plus HARVESTER_* env vars; zap provides
//     structured logging; Prometheus metrics and progress snapshots are served by the optional status
//     server; progress events can also be published to Pub/Sub.
//
// Quick checklist:
//   - Write a starter config: harvester config init harvester.toml
//   - Run: harvester --config harvester.toml run
//   - One-off URLs: harvester run https://example.com/a.jpg
//   - Ctrl-C stops loading, lets in-flight downloads finish and runs the final dedup pass.
package main
