package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	DefaultBaseURL       = "http://localhost:5000"
	DefaultHistorySource = "backend"
)

var storageDrivers = map[string]bool{
	"": true, "none": true, "memory": true, "file": true, "sqlite": true, "redis": true, "badger": true,
}

// Validate reports every invalid field at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if _, err := cfg.APIBaseURL(); err != nil {
		add(err)
	}
	if _, err := cfg.WebSocketURL(); err != nil {
		add(err)
	}
	dur("api.timeout", cfg.API.Timeout)
	dur("api.start_timeout", cfg.API.StartTimeout)
	dur("api.breaker.interval", cfg.API.Breaker.Interval)
	dur("api.breaker.timeout", cfg.API.Breaker.Timeout)
	if r := cfg.API.Breaker.FailureRatio; r < 0 || r > 1 {
		add(fmt.Errorf("api.breaker.failure_ratio: must be within [0,1], got %v", r))
	}
	if cfg.API.RatePerSec < 0 {
		add(errors.New("api.rate_per_sec: must be >= 0"))
	}

	dur("transport.reconnect_delay", cfg.Transport.ReconnectDelay)
	dur("transport.keepalive", cfg.Transport.KeepAlive)
	dur("transport.handshake_timeout", cfg.Transport.HandshakeTimeout)
	dur("transport.write_timeout", cfg.Transport.WriteTimeout)
	if cfg.Transport.ReadLimit < 0 || cfg.Transport.EventBuffer < 0 {
		add(errors.New("transport: read_limit and event_buffer must be >= 0"))
	}

	if cfg.Test.DurationSec < 0 || cfg.Test.LatencyTests < 0 || cfg.Test.ConcurrentConnections < 0 {
		add(errors.New("test: values must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Session.HistorySource)) {
	case "", "backend", "cache":
	default:
		add(fmt.Errorf("session.history_source: unknown source %q", cfg.Session.HistorySource))
	}
	if cfg.Session.HistoryLimit < 0 || cfg.Session.RankingsLimit < 0 {
		add(errors.New("session: limits must be >= 0"))
	}
	dur("session.notice_ttl", cfg.Session.NoticeTTL)

	dur("health.interval", cfg.Health.Interval)
	dur("health.timeout", cfg.Health.Timeout)

	if s := cfg.Storage; s != nil {
		d := strings.ToLower(strings.TrimSpace(s.Driver))
		if !storageDrivers[d] {
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if d == "redis" && (s.Redis == nil || strings.TrimSpace(s.Redis.Addr) == "") {
			add(errors.New("storage.redis.addr: required for the redis driver"))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	if cfg.Render.SamplesPerSec < 0 {
		add(errors.New("render.samples_per_sec: must be >= 0"))
	}

	dur("debug.read_timeout", cfg.Debug.ReadTimeout)
	dur("debug.write_timeout", cfg.Debug.WriteTimeout)
	dur("debug.idle_timeout", cfg.Debug.IdleTimeout)

	return errors.Join(errs...)
}

// APIBaseURL returns the backend base URL without a trailing slash.
func (c *Config) APIBaseURL() (string, error) {
	raw := strings.TrimSpace(c.API.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("api.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("api.base_url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("api.base_url: missing host")
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// WebSocketURL returns transport.url, or the API base URL with its scheme
// switched to ws/wss.
func (c *Config) WebSocketURL() (string, error) {
	raw := strings.TrimSpace(c.Transport.URL)
	if raw == "" {
		base, err := c.APIBaseURL()
		if err != nil {
			return "", err
		}
		raw = base
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("transport.url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transport.url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("transport.url: missing host")
	}
	return u.String(), nil
}

// HistorySource resolves session.history_source.
func (c *Config) HistorySource() string {
	s := strings.ToLower(strings.TrimSpace(c.Session.HistorySource))
	if s == "" {
		return DefaultHistorySource
	}
	return s
}
