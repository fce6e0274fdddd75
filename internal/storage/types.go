package storage

import (
	"context"
	"errors"
	"time"

	"netpulse/pkg/progress"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage. Driver "" or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	InMemory    bool          // badger only

	Redis RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store persists history snapshots by key. LoadHistory returns an empty slice
// and no error when the key is absent.
type Store interface {
	LoadHistory(ctx context.Context, key string) ([]progress.HistoryEntry, error)
	SaveHistory(ctx context.Context, key string, entries []progress.HistoryEntry) error
	Close() error
}
