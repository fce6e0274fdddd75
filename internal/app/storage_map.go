package app

import (
	"fmt"
	"strings"
	"time"

	"netpulse/internal/config"
	"netpulse/internal/storage"
	"netpulse/pkg/archive"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	dl := strings.ToLower(driver)
	switch dl {
	case "memory":
		return storage.Config{Driver: dl}, true, nil
	case "file":
		if path == "" {
			path = "./data/history.json"
		}
		return storage.Config{Driver: dl, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: dl, Path: path, BusyTimeout: busy}, true, nil
	case "badger":
		if path == "" && !sc.InMemory {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=badger (or set in_memory)")
		}
		return storage.Config{Driver: dl, Path: path, InMemory: sc.InMemory}, true, nil
	case "redis":
		if sc.Redis == nil || strings.TrimSpace(sc.Redis.Addr) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.redis.addr is required when storage.driver=redis")
		}
		return storage.Config{Driver: dl, Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Redis.Addr),
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   strings.TrimSpace(sc.Redis.Prefix),
		}}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

// openArchive returns nil when the archive is disabled.
func openArchive(cfg *config.Config) *archive.Archive {
	if cfg == nil || cfg.Archive == nil || !cfg.Archive.Enabled {
		return nil
	}
	ac := cfg.Archive
	path := strings.TrimSpace(ac.Path)
	if path == "" {
		path = "./data/runs.ndjson"
	}
	a := archive.New(path)
	if ac.MaxRecords > 0 {
		a.MaxRecords = ac.MaxRecords
	}
	if ac.MaxAgeDays > 0 {
		a.MaxAgeDays = ac.MaxAgeDays
	}
	if ac.MaxBytes > 0 {
		a.MaxBytes = ac.MaxBytes
	}
	return a
}
