package config

// Config is the root of netpulse.yaml / netpulse.json.
//
// All durations are Go duration strings (e.g. "500ms", "3s", "1m").
// Omitted fields fall back to the defaults documented on each section.
type Config struct {
	API       APIConfig       `json:"api"`
	Transport TransportConfig `json:"transport"`
	Test      TestConfig      `json:"test"`
	Session   SessionConfig   `json:"session"`
	Health    HealthConfig    `json:"health"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Archive   *ArchiveConfig  `json:"archive,omitempty"`
	Render    RenderConfig    `json:"render"`
	Debug     DebugConfig     `json:"debug,omitempty"`
}

// APIConfig controls the HTTP client for the speed-test backend.
//
// Defaults:
//   - base_url: "http://localhost:5000"
//   - timeout: "10s" (queries)
//   - start_timeout: "2m" (the initiation call may block until the run ends)
//   - rate_per_sec: 5, burst: 5
type APIConfig struct {
	BaseURL      string        `json:"base_url"`
	Timeout      string        `json:"timeout,omitempty"`
	StartTimeout string        `json:"start_timeout,omitempty"`
	RatePerSec   float64       `json:"rate_per_sec,omitempty"`
	Burst        int           `json:"burst,omitempty"`
	Breaker      BreakerConfig `json:"breaker,omitempty"`
}

// BreakerConfig tunes the circuit breaker in front of the backend.
//
// Defaults: max_requests 1, interval "60s", timeout "30s",
// min_requests 3, failure_ratio 0.6.
type BreakerConfig struct {
	MaxRequests  uint32  `json:"max_requests,omitempty"`
	Interval     string  `json:"interval,omitempty"`
	Timeout      string  `json:"timeout,omitempty"`
	MinRequests  uint32  `json:"min_requests,omitempty"`
	FailureRatio float64 `json:"failure_ratio,omitempty"`
}

// TransportConfig controls the push-event WebSocket.
//
// url defaults to base_url with the scheme switched to ws/wss.
type TransportConfig struct {
	URL              string `json:"url,omitempty"`
	ReconnectDelay   string `json:"reconnect_delay,omitempty"`   // default "3s"
	KeepAlive        string `json:"keepalive,omitempty"`         // default "25s", "0s" disables pings
	HandshakeTimeout string `json:"handshake_timeout,omitempty"` // default "10s"
	WriteTimeout     string `json:"write_timeout,omitempty"`     // default "5s"
	ReadLimit        int64  `json:"read_limit,omitempty"`        // bytes, default 1 MiB
	EventBuffer      int    `json:"event_buffer,omitempty"`      // default 256
}

// TestConfig is forwarded to the backend as testConfig on each run.
type TestConfig struct {
	DurationSec           int `json:"duration_sec,omitempty"`           // default 15
	LatencyTests          int `json:"latency_tests,omitempty"`          // default 10
	ConcurrentConnections int `json:"concurrent_connections,omitempty"` // default 4
}

// SessionConfig controls the session controller.
//
// history_source is "backend" (GET /api/speed-test/history, local cache as
// fallback) or "cache" (local cache only).
type SessionConfig struct {
	Token         string `json:"token,omitempty"` // generated when empty (do not log)
	HistorySource string `json:"history_source,omitempty"`
	HistoryLimit  int    `json:"history_limit,omitempty"`  // default 24
	RankingsLimit int    `json:"rankings_limit,omitempty"` // default 10
	NoticeTTL     string `json:"notice_ttl,omitempty"`     // default "4s"
}

type HealthConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`  // default true
	Interval string `json:"interval,omitempty"` // default "30s"
	Timeout  string `json:"timeout,omitempty"`  // default "5s"
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the local history cache. Nil or driver "none"
// disables it.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/netpulse.db" }
type StorageConfig struct {
	Driver      string       `json:"driver"`
	Path        string       `json:"path,omitempty"`
	BusyTimeout string       `json:"busy_timeout,omitempty"` // sqlite
	Redis       *RedisConfig `json:"redis,omitempty"`
	InMemory    bool         `json:"in_memory,omitempty"` // badger
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"` // default "netpulse"
}

// ArchiveConfig controls the NDJSON archive of completed runs.
type ArchiveConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path,omitempty"` // default "./data/runs.ndjson"
	MaxRecords int    `json:"max_records,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	MaxBytes   int64  `json:"max_bytes,omitempty"`
}

// RenderConfig controls console output of the live test.
type RenderConfig struct {
	Disabled      bool    `json:"disabled,omitempty"`
	SamplesPerSec float64 `json:"samples_per_sec,omitempty"` // default 2
}

// DebugConfig controls the optional debug HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6070").
//   - A non-loopback address requires a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:6070"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Profiler      bool   `json:"profiler,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// HealthEnabled resolves the optional health.enabled flag.
func (c *Config) HealthEnabled() bool {
	if c == nil || c.Health.Enabled == nil {
		return true
	}
	return *c.Health.Enabled
}
