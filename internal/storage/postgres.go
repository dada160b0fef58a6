package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "tickerd/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS tickerd_records (
		bucket     TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (bucket, key)
	)`,
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if pcfg.MaxConns <= 0 || pcfg.MaxConns > 4 {
		// The scheduler writes from at most one goroutine per interval.
		pcfg.MaxConns = 4
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) Get(ctx context.Context, bucket, key string) (json.RawMessage, bool, error) {
	if s == nil || s.pool == nil {
		return nil, false, ErrClosed
	}
	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM tickerd_records WHERE bucket = $1 AND key = $2`, bucket, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(v), true, nil
}

func (s *postgresStore) Put(ctx context.Context, bucket, key string, value json.RawMessage) error {
	if s == nil || s.pool == nil {
		return ErrClosed
	}
	if key == "" {
		return errors.New("empty key")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tickerd_records(bucket, key, value) VALUES($1,$2,$3)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		bucket, key, string(value),
	)
	return err
}

func (s *postgresStore) Delete(ctx context.Context, bucket, key string) error {
	if s == nil || s.pool == nil {
		return ErrClosed
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM tickerd_records WHERE bucket = $1 AND key = $2`, bucket, key)
	return err
}

func (s *postgresStore) Scan(ctx context.Context, bucket, prefix string) (map[string]json.RawMessage, error) {
	if s == nil || s.pool == nil {
		return nil, ErrClosed
	}
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM tickerd_records WHERE bucket = $1`, bucket)
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
		if prefix != "" && !strings.HasPrefix(k, prefix) {
			continue
		}
		out[k] = json.RawMessage(v)
	}
	return out, rows.Err()
}
