// Package sink receives fetched bars. The scheduler core only knows the
// interface; the CSV implementation is the reference destination for local
// datasets, Discard serves dry runs.
package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tickerd/internal/fetch"
	logx "tickerd/pkg/logx"
)

type Sink interface {
	Append(ctx context.Context, entity, interval string, series fetch.TimeSeries) error
}

// Discard drops everything. Useful with -once dry runs where only the
// scheduling bookkeeping matters.
type Discard struct{}

func (Discard) Append(context.Context, string, string, fetch.TimeSeries) error { return nil }

// CSV appends bars to one file per (entity, interval) under Dir:
//
//	<dir>/<interval>/<entity>.csv
//
// Files get a header when created and grow append-only afterwards.
type CSV struct {
	dir string
	log logx.Logger
}

func NewCSV(dir string, log logx.Logger) *CSV {
	return &CSV{dir: dir, log: log.With(logx.String("comp", "sink"))}
}

var csvHeader = []string{"time", "open", "high", "low", "close", "volume"}

func (s *CSV) Append(ctx context.Context, entity, interval string, series fetch.TimeSeries) error {
	if len(series) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Join(s.dir, safePathPart(interval))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sink mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, safePathPart(entity)+".csv")

	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("sink open %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("sink header %s: %w", path, err)
		}
	}
	for _, b := range series {
		rec := []string{
			b.Time.UTC().Format(time.RFC3339),
			formatFloat(b.Open),
			formatFloat(b.High),
			formatFloat(b.Low),
			formatFloat(b.Close),
			formatFloat(b.Volume),
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("sink write %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("sink flush %s: %w", path, err)
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// safePathPart keeps ticker symbols like BRK.B as-is but rewrites path
// separators (crypto pairs like BTC/USD) so every entity maps to one file.
func safePathPart(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, string(filepath.Separator), "_")
	if s == "" {
		return "_"
	}
	return s
}
