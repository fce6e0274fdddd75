package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"netpulse/internal/config"
	"netpulse/pkg/progress"
)

func TestMapStorageConfig(t *testing.T) {
	tests := []struct {
		name    string
		sc      *config.StorageConfig
		enabled bool
		driver  string
		wantErr bool
	}{
		{name: "nil", sc: nil},
		{name: "none", sc: &config.StorageConfig{Driver: "none"}},
		{name: "memory", sc: &config.StorageConfig{Driver: "Memory"}, enabled: true, driver: "memory"},
		{name: "file default path", sc: &config.StorageConfig{Driver: "file"}, enabled: true, driver: "file"},
		{name: "sqlite needs path", sc: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "sqlite", sc: &config.StorageConfig{Driver: "sqlite", Path: "x.db"}, enabled: true, driver: "sqlite"},
		{name: "badger in memory", sc: &config.StorageConfig{Driver: "badger", InMemory: true}, enabled: true, driver: "badger"},
		{name: "badger needs path", sc: &config.StorageConfig{Driver: "badger"}, wantErr: true},
		{name: "redis needs addr", sc: &config.StorageConfig{Driver: "redis"}, wantErr: true},
		{name: "redis", sc: &config.StorageConfig{Driver: "redis", Redis: &config.RedisConfig{Addr: "localhost:6379"}}, enabled: true, driver: "redis"},
		{name: "unknown", sc: &config.StorageConfig{Driver: "etcd"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tt.sc})
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected err=%v, got %v", tt.wantErr, err)
			}
			if enabled != tt.enabled {
				t.Fatalf("expected enabled=%v, got %v", tt.enabled, enabled)
			}
			if enabled && sc.Driver != tt.driver {
				t.Fatalf("expected driver %q, got %q", tt.driver, sc.Driver)
			}
		})
	}
}

func TestAPIPort(t *testing.T) {
	tests := map[string]string{
		"http://localhost:5000":  "5000",
		"http://example.com":     "80",
		"https://example.com":    "443",
		"https://example.com:88": "88",
	}
	for in, want := range tests {
		if got := apiPort(in); got != want {
			t.Fatalf("apiPort(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestMapTransportKeepAlive(t *testing.T) {
	cfg := &config.Config{API: config.APIConfig{BaseURL: "https://api.example.com"}}
	wc, err := mapTransportConfig(cfg)
	if err != nil {
		t.Fatalf("mapTransportConfig: %v", err)
	}
	if wc.URL != "wss://api.example.com" || wc.KeepAlive != 25*time.Second {
		t.Fatalf("unexpected transport config %+v", wc)
	}
	cfg.Transport.KeepAlive = "0s"
	if wc, _ = mapTransportConfig(cfg); wc.KeepAlive != 0 {
		t.Fatalf("expected pings disabled, got %v", wc.KeepAlive)
	}
}

func TestMapSessionConfig(t *testing.T) {
	cfg := &config.Config{
		API:     config.APIConfig{BaseURL: "http://localhost:8080"},
		Test:    config.TestConfig{DurationSec: 30},
		Session: config.SessionConfig{HistorySource: "Cache", NoticeTTL: "2s"},
	}
	sc := mapSessionConfig(cfg)
	if sc.APIPort != "8080" || sc.HistorySource != "cache" || sc.NoticeTTL != 2*time.Second || sc.Test.TestDuration != 30 {
		t.Fatalf("unexpected session config %+v", sc)
	}
}

// backend is a fake speed-test backend: the REST endpoints plus a push
// socket on "/". Starting a test pushes a short run over the socket.
type backend struct {
	srv *httptest.Server

	mu    sync.Mutex
	conn  *websocket.Conn
	token string
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/api/speed-test/history", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tests":[{"timestamp":"2026-01-01T08:00:00Z","download":100,"upload":10,"latency":20,"hour":8,"time":"8:00"}]}`))
	})
	mux.HandleFunc("/api/isp/rankings", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rankings":[{"id":"1","name":"Example ISP","avgSpeed":120}]}`))
	})
	mux.HandleFunc("/api/speed-test/network-info", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"192.0.2.1","isp":"Example ISP","connectionType":"fiber","location":{"city":"Berlin","country":"DE"}}`))
	})
	mux.HandleFunc("/api/speed-test/comprehensive", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionToken string `json:"sessionToken"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		var (
			conn  *websocket.Conn
			token string
		)
		// the client reports connected as soon as its subscribe is written
		for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
			b.mu.Lock()
			conn, token = b.conn, b.token
			b.mu.Unlock()
			if conn != nil {
				break
			}
		}
		if conn == nil || req.SessionToken != token {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"unknown session"}`))
			return
		}
		for _, frame := range []string{
			`{"type":"speedtest_update","event":"test_started","data":{}}`,
			`{"type":"speedtest_update","event":"stage_started","data":{"stage":"download","progress":40}}`,
			`{"type":"speedtest_update","event":"download_progress","data":{"currentSpeed":180}}`,
			`{"type":"speedtest_update","event":"test_completed","data":{"results":{"download":{"speed":210,"consistency":95},"upload":{"speed":35,"consistency":90},"latency":{"avg":11,"min":9,"max":14,"jitter":1.2},"packetLoss":0,"quality":{"score":88,"grade":"A"}},"server":{"name":"Test"},"metadata":{"reliability":97}}}`,
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				t.Errorf("push: %v", err)
			}
		}
		_, _ = w.Write([]byte(`{"message":"started"}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub struct {
			Type         string `json:"type"`
			SessionToken string `json:"sessionToken"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		b.mu.Lock()
		b.conn, b.token = conn, sub.SessionToken
		b.mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "netpulse.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestRunOnceEndToEnd(t *testing.T) {
	b := newBackend(t)
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, fmt.Sprintf(`
api:
  base_url: %s
transport:
  reconnect_delay: 50ms
  keepalive: 0s
logging:
  level: error
storage:
  driver: memory
archive:
  enabled: true
  path: %s
`, b.srv.URL, filepath.Join(dir, "runs.ndjson")))

	var out bytes.Buffer
	a, err := NewApp(cfgPath, WithOutput(&out), WithConfigWatch(false))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap, err := a.RunOnce(ctx, 3*time.Second)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if snap.State.Stage != progress.StageComplete || snap.State.Result.Download.Speed != 210 {
		t.Fatalf("unexpected final state %+v", snap.State)
	}
	if len(snap.State.History) != 2 || snap.State.History[0].Download != 210 {
		t.Fatalf("expected new run in front of loaded history, got %+v", snap.State.History)
	}
	if snap.Network.ISP != "Example ISP" || !snap.APIConnected {
		t.Fatalf("unexpected session view %+v", snap)
	}

	recs, err := a.Archive().Recent(5)
	if err != nil || len(recs) != 1 || recs[0].Session != a.Session().Token() {
		t.Fatalf("expected archived run, got %+v (%v)", recs, err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopOnceDone); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !strings.Contains(out.String(), "Download: 210.00 Mbps") {
		t.Fatalf("expected rendered result, got %q", out.String())
	}
}

func TestReportPrintsArchiveStats(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, fmt.Sprintf(`
archive:
  enabled: true
  path: %s
`, filepath.Join(dir, "runs.ndjson")))

	var out bytes.Buffer
	if err := Report(cfgPath, &out, ReportOptions{Recent: 3}); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if !strings.Contains(out.String(), "No speed test data") || !strings.Contains(out.String(), "No archived") {
		t.Fatalf("unexpected report %q", out.String())
	}

	off := writeConfig(t, t.TempDir(), "logging:\n  level: info\n")
	if err := Report(off, &out, ReportOptions{}); err == nil {
		t.Fatalf("expected error with archive disabled")
	}
}
