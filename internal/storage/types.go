package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Bucket names used by the typed stores built on top of this layer.
const (
	BucketMeta    = "meta"    // entity metadata, key "<interval>|<entity>"
	BucketCursor  = "cursor"  // progress cursors, key "<interval>" or "archive|<pass id>"
	BucketLimiter = "limiter" // rate limiter state, key "<interval>"
	BucketNotify  = "notify"  // notifier dedup, key = dedup key
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file
//   - "postgres": shared PostgreSQL database
type Config struct {
	Driver string
	Path   string // file, sqlite
	DSN    string // postgres

	BusyTimeout time.Duration // sqlite only; 0 means default

	// File driver knobs.
	SyncWrites   bool // fsync the journal after every write
	CompactEvery int  // journal writes between compactions; 0 means default
}
