package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "tickerd/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (full record map, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only journal since last snapshot)
//
// Every Put/Delete appends one journal line before returning, so a crash
// loses at most the write in flight. The journal is periodically compacted
// into the snapshot via a temp file + rename.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	records map[string]map[string]json.RawMessage // bucket -> key -> value

	writes       int
	compactEvery int
	syncWrites   bool
}

type journalRecord struct {
	Bucket string          `json:"b"`
	Key    string          `json:"k"`
	Value  json.RawMessage `json:"v,omitempty"`
	Delete bool            `json:"d,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	records := map[string]map[string]json.RawMessage{}
	if err := loadSnapshot(snapPath, records); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, records); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	compactEvery := cfg.CompactEvery
	if compactEvery <= 0 {
		compactEvery = 1000
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		records:      records,
		compactEvery: compactEvery,
		syncWrites:   cfg.SyncWrites,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	// Compact on close so reopening replays nothing.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("compact on close failed", logx.Err(err))
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) Get(ctx context.Context, bucket, key string) (json.RawMessage, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.records[bucket]
	if b == nil {
		return nil, false, nil
	}
	v, ok := b[key]
	if !ok {
		return nil, false, nil
	}
	cp := make(json.RawMessage, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (s *fileStore) Put(ctx context.Context, bucket, key string, value json.RawMessage) error {
	_ = ctx
	if key == "" {
		return errors.New("empty key")
	}
	cp := make(json.RawMessage, len(value))
	copy(cp, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}

	if err := s.appendLocked(journalRecord{Bucket: bucket, Key: key, Value: cp}); err != nil {
		return err
	}

	b := s.records[bucket]
	if b == nil {
		b = map[string]json.RawMessage{}
		s.records[bucket] = b
	}
	b[key] = cp
	return s.maybeCompactLocked()
}

func (s *fileStore) Delete(ctx context.Context, bucket, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}

	if err := s.appendLocked(journalRecord{Bucket: bucket, Key: key, Delete: true}); err != nil {
		return err
	}
	if b := s.records[bucket]; b != nil {
		delete(b, key)
	}
	return s.maybeCompactLocked()
}

func (s *fileStore) Scan(ctx context.Context, bucket, prefix string) (map[string]json.RawMessage, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]json.RawMessage{}
	for k, v := range s.records[bucket] {
		if prefix != "" && !strings.HasPrefix(k, prefix) {
			continue
		}
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out, nil
}

// appendLocked writes one journal line. The journal entry hits the file
// before the in-memory map changes, so a failed write leaves both sides
// consistent with each other.
func (s *fileStore) appendLocked(r journalRecord) error {
	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(r); err != nil {
		return err
	}
	if s.syncWrites {
		if err := s.journalFile.Sync(); err != nil {
			return err
		}
	}
	s.writes++
	return nil
}

func (s *fileStore) maybeCompactLocked() error {
	if s.writes < s.compactEvery {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		// Best-effort: the journal still holds everything.
		s.log.Debug("journal compact failed", logx.Err(err))
		return nil
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.records); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journalFile.Seek(0, 2); err != nil {
		return err
	}
	s.writes = 0
	return nil
}

func loadSnapshot(path string, out map[string]map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for b, kv := range m {
		dst := out[b]
		if dst == nil {
			dst = map[string]json.RawMessage{}
			out[b] = dst
		}
		for k, v := range kv {
			dst[k] = v
		}
	}
	return nil
}

func replayJournal(path string, out map[string]map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn tail line from a crash is expected; everything before
			// it already applied.
			continue
		}
		if r.Key == "" {
			continue
		}
		b := out[r.Bucket]
		if r.Delete {
			if b != nil {
				delete(b, r.Key)
			}
			continue
		}
		if b == nil {
			b = map[string]json.RawMessage{}
			out[r.Bucket] = b
		}
		b[r.Key] = r.Value
	}
	return sc.Err()
}
