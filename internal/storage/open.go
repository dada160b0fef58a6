package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	logx "tickerd/pkg/logx"
)

// Store is the minimal persistence API used by the typed stores.
//
// Values are JSON documents; callers marshal before Put and unmarshal after
// Get. Keys within a bucket are unique; Put overwrites.
type Store interface {
	Get(ctx context.Context, bucket, key string) (json.RawMessage, bool, error)
	Put(ctx context.Context, bucket, key string, value json.RawMessage) error
	Delete(ctx context.Context, bucket, key string) error
	// Scan returns all records in bucket whose key starts with prefix.
	// An empty prefix returns the whole bucket.
	Scan(ctx context.Context, bucket, prefix string) (map[string]json.RawMessage, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
