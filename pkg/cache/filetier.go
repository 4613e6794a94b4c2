package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// FileTier is the per-host last-resort tier: one JSON file per params_hash.
// Entries older than StaleWindow are removed by the janitor.
type FileTier struct {
	dir string
}

// NewFileTier creates the directory if needed.
func NewFileTier(dir string) (*FileTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating file cache dir: %w", err)
	}
	return &FileTier{dir: dir}, nil
}

func (t *FileTier) path(paramsHash string) string {
	return filepath.Join(t.dir, paramsHash+".json")
}

// Get reads a row from disk.
func (t *FileTier) Get(_ context.Context, paramsHash string) (*Row, error) {
	raw, err := os.ReadFile(t.path(paramsHash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("file cache read: %w", err)
	}
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decoding file cache row: %w", err)
	}
	return &row, nil
}

// Put writes a row atomically (temp file + rename).
func (t *FileTier) Put(_ context.Context, row *Row) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encoding file cache row: %w", err)
	}
	tmp, err := os.CreateTemp(t.dir, "cache-*.tmp")
	if err != nil {
		return fmt.Errorf("file cache temp: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("file cache write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), t.path(row.ParamsHash))
}

// RunJanitor deletes expired entries every interval until ctx is cancelled.
func (t *FileTier) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := t.sweep()
			if err != nil {
				slog.Warn("File cache janitor sweep failed", "error", err)
			} else if removed > 0 {
				slog.Info("File cache janitor removed expired entries", "count", removed)
			}
		}
	}
}

func (t *FileTier) sweep() (int, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-StaleWindow)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(t.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Ping verifies the directory is writable.
func (t *FileTier) Ping(_ context.Context) error {
	f, err := os.CreateTemp(t.dir, "ping-*.tmp")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
