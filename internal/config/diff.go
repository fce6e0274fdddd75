package config

import (
	"reflect"
	"sort"
	"strings"

	logx "netpulse/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields describing their new values. Tokens and passwords are
// reported only as *_set booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		base, _ := newCfg.APIBaseURL()
		attrs = append(attrs,
			logx.String("api.base_url", base),
			logx.String("api.timeout", strings.TrimSpace(newCfg.API.Timeout)),
			logx.Float64("api.rate_per_sec", newCfg.API.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Transport, newCfg.Transport) {
		changed = append(changed, "transport")
		ws, _ := newCfg.WebSocketURL()
		attrs = append(attrs,
			logx.String("transport.url", ws),
			logx.String("transport.reconnect_delay", strings.TrimSpace(newCfg.Transport.ReconnectDelay)),
			logx.String("transport.keepalive", strings.TrimSpace(newCfg.Transport.KeepAlive)),
		)
	}

	if oldCfg.Test != newCfg.Test {
		changed = append(changed, "test")
		attrs = append(attrs,
			logx.Int("test.duration_sec", newCfg.Test.DurationSec),
			logx.Int("test.latency_tests", newCfg.Test.LatencyTests),
			logx.Int("test.concurrent_connections", newCfg.Test.ConcurrentConnections),
		)
	}

	// session (never log token)
	oSess, nSess := oldCfg.Session, newCfg.Session
	tokenChanged := oSess.Token != nSess.Token
	oSess.Token, nSess.Token = "", ""
	if tokenChanged || oSess != nSess {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.Bool("session.token_set", strings.TrimSpace(newCfg.Session.Token) != ""),
			logx.Bool("session.token_changed", tokenChanged),
			logx.String("session.history_source", newCfg.HistorySource()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.Bool("health.enabled", newCfg.HealthEnabled()),
			logx.String("health.interval", strings.TrimSpace(newCfg.Health.Interval)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oDrv, oPath := storageIdentity(oldCfg.Storage)
	nDrv, nPath := storageIdentity(newCfg.Storage)
	if oDrv != nDrv || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDrv),
			logx.Bool("storage.path_set", nPath != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Archive, newCfg.Archive) {
		changed = append(changed, "archive")
		attrs = append(attrs, logx.Bool("archive.enabled", newCfg.Archive != nil && newCfg.Archive.Enabled))
	}

	if oldCfg.Render != newCfg.Render {
		changed = append(changed, "render")
		attrs = append(attrs, logx.Bool("render.disabled", newCfg.Render.Disabled))
	}

	// debug (never log token)
	od, nd := oldCfg.Debug, newCfg.Debug
	debugTokenChanged := od.Token != nd.Token
	od.Token, nd.Token = "", ""
	if debugTokenChanged || od != nd {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
			logx.Bool("debug.allow_insecure", newCfg.Debug.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// storageIdentity folds the settings that require reopening the store.
func storageIdentity(s *StorageConfig) (driver, where string) {
	if s == nil {
		return "none", ""
	}
	driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if driver == "" {
		driver = "none"
	}
	where = strings.TrimSpace(s.Path)
	if s.InMemory {
		where += "|mem"
	}
	if s.Redis != nil {
		where += "|" + s.Redis.Addr + "|" + s.Redis.Prefix
	}
	return driver, where
}

// Changed reports whether section is in the list returned by SummarizeConfigChange.
func Changed(sections []string, section string) bool {
	i := sort.SearchStrings(sections, section)
	return i < len(sections) && sections[i] == section
}
