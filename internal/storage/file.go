package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "netpulse/pkg/logx"
	"netpulse/pkg/progress"
)

// fileStore keeps one JSON snapshot per key under a directory:
//
//	<dir>/<escaped key>.history.json
//
// Writes go to a temp file that is renamed over the snapshot.
type fileStore struct {
	dir string
	log logx.Logger

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage dir: %w", err)
	}
	return &fileStore{dir: dir, log: log}, nil
}

func (s *fileStore) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+".history.json")
}

func (s *fileStore) LoadHistory(ctx context.Context, key string) ([]progress.HistoryEntry, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return []progress.HistoryEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return decodeHistory(b)
}

func (s *fileStore) SaveHistory(ctx context.Context, key string, entries []progress.HistoryEntry) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	b, err := encodeHistory(entries)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	dst := s.path(key)
	tmp := dst + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open temp history: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp history: %w", err)
	}
	_ = f.Sync()
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp history: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace history: %w", err)
	}
	s.log.Trace("history snapshot written", logx.String("file", dst), logx.Int("entries", min(len(entries), progress.HistoryLimit)))
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
