package report

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DownloadTTL is how long a generated report stays downloadable.
const DownloadTTL = time.Hour

// ObjectStore persists report bytes and hands back a URL the client can
// fetch for the TTL window.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) (url string, err error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// LocalStore keeps reports on local disk and serves them through the API's
// /files route. Suits single-host deployments; swap for an S3-style store
// behind the same interface when running multiple replicas.
type LocalStore struct {
	dir     string
	baseURL string
}

// NewLocalStore creates the store, ensuring the directory exists.
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating report dir: %w", err)
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *LocalStore) path(key string) string {
	// Keys are server-generated UUID-based names; Base guards against a
	// crafted key escaping the directory anyway.
	return filepath.Join(s.dir, filepath.Base(key))
}

// Put writes atomically via temp file and rename.
func (s *LocalStore) Put(_ context.Context, key string, data []byte) (string, error) {
	dst := s.path(key)
	tmp, err := os.CreateTemp(s.dir, ".report-*")
	if err != nil {
		return "", fmt.Errorf("creating temp report file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing report file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing report file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("publishing report file: %w", err)
	}
	return s.baseURL + "/files/" + filepath.Base(key), nil
}

// Get reads a stored report back, for the /files route.
func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("reading report file: %w", err)
	}
	return data, nil
}

// RunJanitor deletes reports older than the download TTL. Blocks until ctx
// is cancelled.
func (s *LocalStore) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *LocalStore) sweep() {
	cutoff := time.Now().Add(-DownloadTTL)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		slog.Warn("Report janitor sweep failed", "dir", s.dir, "error", err)
		return
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		slog.Info("Expired reports removed", "count", removed)
	}
}
