package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "netpulse/pkg/logx"
	"netpulse/pkg/progress"
)

func sampleHistory(n int) []progress.HistoryEntry {
	base := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	out := make([]progress.HistoryEntry, 0, n)
	for i := 0; i < n; i++ {
		at := base.Add(-time.Duration(i) * time.Hour)
		out = append(out, progress.HistoryEntry{
			Timestamp: at,
			Download:  float64(100 + i),
			Upload:    20,
			Latency:   12.5,
			Hour:      at.Hour(),
			Time:      "10:00",
		})
	}
	return out
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	got, err := st.LoadHistory(ctx, "absent")
	if err != nil {
		t.Fatalf("LoadHistory absent: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil history, got %#v", got)
	}

	in := sampleHistory(30)
	if err := st.SaveHistory(ctx, "main", in); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}
	got, err = st.LoadHistory(ctx, "main")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(got) != progress.HistoryLimit {
		t.Fatalf("expected %d entries, got %d", progress.HistoryLimit, len(got))
	}
	if got[0].Download != 100 || !got[0].Timestamp.Equal(in[0].Timestamp) {
		t.Fatalf("unexpected first entry %+v", got[0])
	}

	if err := st.SaveHistory(ctx, "main", in[:2]); err != nil {
		t.Fatalf("SaveHistory overwrite: %v", err)
	}
	got, _ = st.LoadHistory(ctx, "main")
	if len(got) != 2 {
		t.Fatalf("expected overwrite to 2 entries, got %d", len(got))
	}

	if _, err := st.LoadHistory(ctx, "  "); err == nil {
		t.Fatalf("expected empty key error")
	}
}

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: expected disabled, got %v %v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestMemoryStore(t *testing.T) {
	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, st)
	_ = st.Close()
	if _, err := st.LoadHistory(context.Background(), "main"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, st)
	_ = st.Close()

	reopened, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.LoadHistory(context.Background(), "main")
	if err != nil || len(got) != 2 {
		t.Fatalf("expected persisted history, got %d entries (%v)", len(got), err)
	}
	if _, err := os.Stat(filepath.Join(dir, "main.history.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}

func TestFileStoreCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	if err := os.WriteFile(filepath.Join(dir, "main.history.json"), []byte("{nope"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := st.LoadHistory(context.Background(), "main"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "netpulse.db")
	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, st)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.LoadHistory(context.Background(), "main")
	if err != nil || len(got) != 2 {
		t.Fatalf("expected persisted history, got %d entries (%v)", len(got), err)
	}
}

func TestBadgerStoreInMemory(t *testing.T) {
	st, err := Open(Config{Driver: "badger", InMemory: true}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestBadgerStoreRequiresPath(t *testing.T) {
	if _, err := Open(Config{Driver: "badger"}, logx.Nop()); err == nil {
		t.Fatalf("expected path error")
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("NETPULSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NETPULSE_TEST_REDIS_ADDR not set")
	}
	st, err := Open(Config{Driver: "redis", Redis: RedisConfig{Addr: addr, Prefix: "netpulse-test-" + time.Now().Format("150405.000")}}, logx.Nop())
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestDecodeRejectsNewerVersion(t *testing.T) {
	if _, err := decodeHistory([]byte(`{"v":99,"entries":[]}`)); err == nil {
		t.Fatalf("expected version error")
	}
}
