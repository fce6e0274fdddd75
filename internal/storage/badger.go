package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	logx "netpulse/pkg/logx"
	"netpulse/pkg/progress"
)

const badgerKeyPrefix = "history:"

type badgerStore struct {
	db  *badger.DB
	log logx.Logger
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case dir == "":
		return nil, errors.New("storage.path is required for badger driver")
	default:
		opts = badger.DefaultOptions(dir)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &badgerStore{db: db, log: log}, nil
}

func (s *badgerStore) LoadHistory(ctx context.Context, key string) ([]progress.HistoryEntry, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	var doc []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + key))
		if err != nil {
			return err
		}
		doc, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return []progress.HistoryEntry{}, nil
	}
	if err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return decodeHistory(doc)
}

func (s *badgerStore) SaveHistory(ctx context.Context, key string, entries []progress.HistoryEntry) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	doc, err := encodeHistory(entries)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+key), doc)
	})
	if err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return ErrClosed
		}
		return fmt.Errorf("badger set: %w", err)
	}
	return nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
