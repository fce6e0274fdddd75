package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides applied on top of the file.
const (
	EnvAPIURL        = "NETPULSE_API_URL"
	EnvWSURL         = "NETPULSE_WS_URL"
	EnvLogLevel      = "NETPULSE_LOG_LEVEL"
	EnvSessionToken  = "NETPULSE_SESSION_TOKEN"
	EnvStorageDriver = "NETPULSE_STORAGE_DRIVER"
	EnvStoragePath   = "NETPULSE_STORAGE_PATH"
	EnvRedisAddr     = "NETPULSE_REDIS_ADDR"
	EnvDebugToken    = "NETPULSE_DEBUG_TOKEN"
)

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays NETPULSE_* variables onto cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	get := func(k string) (string, bool) {
		v := strings.TrimSpace(getenv(k))
		return v, v != ""
	}

	if v, ok := get(EnvAPIURL); ok {
		cfg.API.BaseURL = v
	}
	if v, ok := get(EnvWSURL); ok {
		cfg.Transport.URL = v
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(EnvSessionToken); ok {
		cfg.Session.Token = v
	}
	if v, ok := get(EnvStorageDriver); ok {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Driver = v
	}
	if v, ok := get(EnvStoragePath); ok {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Path = v
	}
	if v, ok := get(EnvRedisAddr); ok {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		if cfg.Storage.Redis == nil {
			cfg.Storage.Redis = &RedisConfig{}
		}
		cfg.Storage.Redis.Addr = v
	}
	if v, ok := get(EnvDebugToken); ok {
		cfg.Debug.Token = v
	}
}
