package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "netpulse/pkg/logx"
	"netpulse/pkg/progress"
)

const defaultRedisPrefix = "netpulse"

type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	opts := &redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	// unix socket
	if strings.HasPrefix(addr, "/") {
		opts.Network = "unix"
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := strings.TrimSpace(cfg.Redis.Prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{client: client, prefix: prefix, log: log}, nil
}

func (r *redisStore) key(k string) string {
	return r.prefix + "-history-" + k
}

func (r *redisStore) LoadHistory(ctx context.Context, key string) ([]progress.HistoryEntry, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []progress.HistoryEntry{}, nil
	}
	if err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodeHistory(b)
}

func (r *redisStore) SaveHistory(ctx context.Context, key string, entries []progress.HistoryEntry) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	b, err := encodeHistory(entries)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(key), b, 0).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *redisStore) Close() error {
	return r.client.Close()
}
