package storage

import (
	"context"
	"sync"

	"netpulse/pkg/progress"
)

// Memory keeps encoded documents in a map so callers never share slices with
// the store.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewMemory() *Memory { return &Memory{data: map[string][]byte{}} }

func (m *Memory) LoadHistory(ctx context.Context, key string) ([]progress.HistoryEntry, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return decodeHistory(m.data[key])
}

func (m *Memory) SaveHistory(ctx context.Context, key string, entries []progress.HistoryEntry) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	b, err := encodeHistory(entries)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = b
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
