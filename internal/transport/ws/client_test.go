package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	logx "netpulse/pkg/logx"
	"netpulse/pkg/progress"
)

// mockServer accepts sockets and hands each one to script.
type mockServer struct {
	srv     *httptest.Server
	conns   atomic.Int32
	mu      sync.Mutex
	inbound []string
	script  func(m *mockServer, n int, conn *websocket.Conn)
}

func newMockServer(t *testing.T, script func(m *mockServer, n int, conn *websocket.Conn)) *mockServer {
	t.Helper()
	m := &mockServer{script: script}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := int(m.conns.Add(1))
		m.script(m, n, conn)
	}))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockServer) url() string { return "ws" + strings.TrimPrefix(m.srv.URL, "http") }

func (m *mockServer) record(conn *websocket.Conn) (string, bool) {
	_, b, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}
	m.mu.Lock()
	m.inbound = append(m.inbound, string(b))
	m.mu.Unlock()
	return string(b), true
}

func (m *mockServer) received() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.inbound...)
}

func send(conn *websocket.Conn, v any) {
	b, _ := json.Marshal(v)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func update(event string, data any) map[string]any {
	return map[string]any{"type": TypeUpdate, "event": event, "data": data}
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testClient(url string) *Client {
	return NewClient(Config{URL: url, ReconnectDelay: 20 * time.Millisecond}, logx.Nop(), nil)
}

func nextEvent(t *testing.T, h *Handle) progress.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatalf("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return progress.Event{}
}

func TestSubscribeAndReceiveInOrder(t *testing.T) {
	m := newMockServer(t, func(m *mockServer, n int, conn *websocket.Conn) {
		if _, ok := m.record(conn); !ok {
			return
		}
		send(conn, map[string]any{"type": TypeConnected})
		send(conn, map[string]any{"type": TypeSubscribed})
		send(conn, update("test_started", nil))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
		send(conn, update("download_progress", map[string]any{"currentSpeed": 12.5}))
		send(conn, update("stage_started", map[string]any{"stage": "nowhere"}))
		send(conn, update("test_error", map[string]any{"error": "boom"}))
		drain(conn)
	})

	h, err := testClient(m.url()).Open(context.Background(), "netpulse-1-abc")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	kinds := []progress.Kind{progress.KindTestStarted, progress.KindDownloadProgress, progress.KindTestError}
	for _, want := range kinds {
		if ev := nextEvent(t, h); ev.Kind != want {
			t.Fatalf("expected %s, got %s", want, ev.Kind)
		}
	}
	if !h.Connected() {
		t.Fatalf("expected connected handle")
	}
	got := m.received()
	if len(got) == 0 || !strings.Contains(got[0], `"type":"subscribe"`) || !strings.Contains(got[0], `"sessionToken":"netpulse-1-abc"`) {
		t.Fatalf("unexpected subscribe frame %v", got)
	}
}

func TestReconnectsAfterAbnormalClose(t *testing.T) {
	m := newMockServer(t, func(m *mockServer, n int, conn *websocket.Conn) {
		if _, ok := m.record(conn); !ok {
			return
		}
		if n == 1 {
			// drop without a close frame
			return
		}
		send(conn, update("test_started", nil))
		drain(conn)
	})

	h, err := testClient(m.url()).Open(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if ev := nextEvent(t, h); ev.Kind != progress.KindTestStarted {
		t.Fatalf("unexpected event %s", ev.Kind)
	}
	if n := m.conns.Load(); n < 2 {
		t.Fatalf("expected a reconnect, got %d connections", n)
	}
	subs := 0
	for _, f := range m.received() {
		if strings.Contains(f, `"subscribe"`) {
			subs++
		}
	}
	if subs < 2 {
		t.Fatalf("expected re-subscribe on reconnect, got %d", subs)
	}
}

func TestNoReconnectAfterNormalClosure(t *testing.T) {
	m := newMockServer(t, func(m *mockServer, n int, conn *websocket.Conn) {
		if _, ok := m.record(conn); !ok {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		drain(conn)
	})

	h, err := testClient(m.url()).Open(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop after normal closure")
	}
	time.Sleep(60 * time.Millisecond)
	if n := m.conns.Load(); n != 1 {
		t.Fatalf("expected exactly 1 connection, got %d", n)
	}
	if _, ok := <-h.Events(); ok {
		t.Fatalf("expected closed events channel")
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close after loop exit: %v", err)
	}
}

func TestCloseSendsNormalClosure(t *testing.T) {
	codes := make(chan int, 1)
	m := newMockServer(t, func(m *mockServer, n int, conn *websocket.Conn) {
		if _, ok := m.record(conn); !ok {
			return
		}
		send(conn, update("test_started", nil))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					codes <- ce.Code
				}
				return
			}
		}
	})

	h, err := testClient(m.url()).Open(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = nextEvent(t, h)
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case code := <-codes:
		if code != websocket.CloseNormalClosure {
			t.Fatalf("expected close code 1000, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never saw a close frame")
	}
	if h.Connected() {
		t.Fatalf("expected disconnected after Close")
	}
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1", ReconnectDelay: time.Hour}, logx.Nop(), nil)
	h, err := c.Open(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = h.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked on reconnect timer")
	}
}

func TestKeepAlivePings(t *testing.T) {
	pinged := make(chan struct{}, 1)
	m := newMockServer(t, func(m *mockServer, n int, conn *websocket.Conn) {
		conn.SetPingHandler(func(data string) error {
			select {
			case pinged <- struct{}{}:
			default:
			}
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
		if _, ok := m.record(conn); !ok {
			return
		}
		drain(conn)
	})

	c := NewClient(Config{URL: m.url(), KeepAlive: 20 * time.Millisecond}, logx.Nop(), nil)
	h, err := c.Open(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatalf("no keep-alive ping")
	}
}

func TestQuietSocketStaysConnected(t *testing.T) {
	m := newMockServer(t, func(m *mockServer, n int, conn *websocket.Conn) {
		if _, ok := m.record(conn); !ok {
			return
		}
		drain(conn)
	})

	c := NewClient(Config{URL: m.url(), KeepAlive: 50 * time.Millisecond, ReconnectDelay: 10 * time.Millisecond}, logx.Nop(), nil)
	h, err := c.Open(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	time.Sleep(700 * time.Millisecond)
	if n := m.conns.Load(); n != 1 {
		t.Fatalf("expected one connection for a quiet socket, got %d", n)
	}
	if !h.Connected() {
		t.Fatalf("expected handle to stay connected")
	}
	if got := m.received(); len(got) != 1 || !strings.Contains(got[0], typeSubscribe) {
		t.Fatalf("expected only the subscribe frame, got %v", got)
	}
}

func TestUnansweredPingsReconnect(t *testing.T) {
	m := newMockServer(t, func(m *mockServer, n int, conn *websocket.Conn) {
		conn.SetPingHandler(func(string) error { return nil })
		if _, ok := m.record(conn); !ok {
			return
		}
		drain(conn)
	})

	c := NewClient(Config{URL: m.url(), KeepAlive: 20 * time.Millisecond, ReconnectDelay: 10 * time.Millisecond}, logx.Nop(), nil)
	h, err := c.Open(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	deadline := time.Now().Add(2 * time.Second)
	for m.conns.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a re-dial after pongs stopped")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOpenRejectsBadInput(t *testing.T) {
	if _, err := testClient("http://x").Open(context.Background(), "tok"); err == nil {
		t.Fatalf("expected scheme error")
	}
	if _, err := testClient("ws://x").Open(context.Background(), " "); err == nil {
		t.Fatalf("expected token error")
	}
}
