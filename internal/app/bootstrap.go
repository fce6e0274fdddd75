package app

import (
	"net/url"
	"strings"
	"time"

	"netpulse/internal/apiclient"
	"netpulse/internal/config"
	"netpulse/internal/health"
	"netpulse/internal/observability/debugserver"
	"netpulse/internal/render"
	"netpulse/internal/session"
	"netpulse/internal/transport/ws"
	logx "netpulse/pkg/logx"
)

// The mappers below run on configs that already passed config.Validate, so
// duration fields fall back to defaults instead of failing.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapAPIConfig(cfg *config.Config) (apiclient.Config, error) {
	base, err := cfg.APIBaseURL()
	if err != nil {
		return apiclient.Config{}, err
	}
	b := cfg.API.Breaker
	return apiclient.Config{
		BaseURL:      base,
		Timeout:      config.DurationOr(cfg.API.Timeout, 0),
		StartTimeout: config.DurationOr(cfg.API.StartTimeout, 0),
		RatePerSec:   cfg.API.RatePerSec,
		Burst:        cfg.API.Burst,
		Breaker: apiclient.BreakerConfig{
			MaxRequests:  b.MaxRequests,
			Interval:     config.DurationOr(b.Interval, 0),
			Timeout:      config.DurationOr(b.Timeout, 0),
			MinRequests:  b.MinRequests,
			FailureRatio: b.FailureRatio,
		},
	}, nil
}

func mapTransportConfig(cfg *config.Config) (ws.Config, error) {
	u, err := cfg.WebSocketURL()
	if err != nil {
		return ws.Config{}, err
	}
	t := cfg.Transport
	keepAlive := 25 * time.Second
	if strings.TrimSpace(t.KeepAlive) != "" {
		// "0s" disables pings
		keepAlive = config.DurationOr(t.KeepAlive, 0)
	}
	return ws.Config{
		URL:              u,
		ReconnectDelay:   config.DurationOr(t.ReconnectDelay, 0),
		KeepAlive:        keepAlive,
		HandshakeTimeout: config.DurationOr(t.HandshakeTimeout, 0),
		WriteTimeout:     config.DurationOr(t.WriteTimeout, 0),
		ReadLimit:        t.ReadLimit,
		EventBuffer:      t.EventBuffer,
	}, nil
}

func mapSessionConfig(cfg *config.Config) session.Config {
	base, _ := cfg.APIBaseURL()
	return session.Config{
		Token:         strings.TrimSpace(cfg.Session.Token),
		HistorySource: cfg.HistorySource(),
		HistoryLimit:  cfg.Session.HistoryLimit,
		RankingsLimit: cfg.Session.RankingsLimit,
		NoticeTTL:     config.DurationOr(cfg.Session.NoticeTTL, 0),
		Test: apiclient.TestConfig{
			TestDuration:          cfg.Test.DurationSec,
			LatencyTests:          cfg.Test.LatencyTests,
			ConcurrentConnections: cfg.Test.ConcurrentConnections,
		},
		APIPort: apiPort(base),
	}
}

// apiPort is the explicit or scheme-default port of base.
func apiPort(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}

func mapHealthOptions(cfg *config.Config) health.Options {
	return health.Options{
		Interval: config.DurationOr(cfg.Health.Interval, health.DefaultInterval),
		Timeout:  config.DurationOr(cfg.Health.Timeout, health.DefaultTimeout),
	}
}

func mapDebugConfig(cfg *config.Config) debugserver.Config {
	d := cfg.Debug
	addr := strings.TrimSpace(d.Addr)
	if addr == "" {
		addr = debugserver.DefaultAddr
	}
	return debugserver.Config{
		Enabled:       d.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		Profiler:      d.Profiler,
		ReadTimeout:   config.DurationOr(d.ReadTimeout, 10*time.Second),
		WriteTimeout:  config.DurationOr(d.WriteTimeout, 0),
		IdleTimeout:   config.DurationOr(d.IdleTimeout, 60*time.Second),
	}
}

func mapRenderOptions(cfg *config.Config) render.Options {
	return render.Options{SamplesPerSec: cfg.Render.SamplesPerSec}
}
