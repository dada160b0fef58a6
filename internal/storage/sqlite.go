package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "tickerd/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS records (
		bucket TEXT NOT NULL,
		key    TEXT NOT NULL,
		value  TEXT NOT NULL,
		PRIMARY KEY (bucket, key)
	)`,
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, bucket, key string) (json.RawMessage, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrClosed
	}
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE bucket = ? AND key = ?`, bucket, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(v), true, nil
}

func (s *sqliteStore) Put(ctx context.Context, bucket, key string, value json.RawMessage) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if key == "" {
		return errors.New("empty key")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records(bucket, key, value) VALUES(?,?,?)
		 ON CONFLICT(bucket, key) DO UPDATE SET value=excluded.value`,
		bucket, key, string(value),
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, bucket, key string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE bucket = ? AND key = ?`, bucket, key)
	return err
}

func (s *sqliteStore) Scan(ctx context.Context, bucket, prefix string) (map[string]json.RawMessage, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM records WHERE bucket = ?`, bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]json.RawMessage{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		// Prefix filtering happens here rather than in SQL so ticker symbols
		// containing LIKE metacharacters ("_") scan correctly.
		if prefix != "" && !strings.HasPrefix(k, prefix) {
			continue
		}
		out[k] = json.RawMessage(v)
	}
	return out, rows.Err()
}
