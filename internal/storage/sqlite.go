package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "netpulse/pkg/logx"
	"netpulse/pkg/progress"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; WAL keeps readers off its back.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) LoadHistory(ctx context.Context, key string) ([]progress.HistoryEntry, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	var doc []byte
	err = s.db.QueryRowContext(ctx, `SELECT doc FROM history WHERE key = ?`, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return []progress.HistoryEntry{}, nil
	}
	if err != nil {
		if errors.Is(err, sql.ErrConnDone) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("sqlite load: %w", err)
	}
	return decodeHistory(doc)
}

func (s *sqliteStore) SaveHistory(ctx context.Context, key string, entries []progress.HistoryEntry) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	doc, err := encodeHistory(entries)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO history(key, doc, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET doc=excluded.doc, updated_at=excluded.updated_at`,
		key, doc, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite save: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
