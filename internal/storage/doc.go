// Package storage provides the durable record layer shared by the
// metadata, cursor, limiter and notifier-dedup stores.
//
// Records are JSON documents addressed by (bucket, key). Backends:
//   - file: snapshot + append-only journal, compacted atomically
//   - sqlite: single-file database (modernc, no cgo)
//   - postgres: shared database for multi-host deployments
package storage
