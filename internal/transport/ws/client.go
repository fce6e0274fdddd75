// Package ws is the push-event transport: one WebSocket per session that
// subscribes with the session token, decodes speed-test updates and
// reconnects after abnormal closes.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"netpulse/internal/metrics"
	logx "netpulse/pkg/logx"
	"netpulse/pkg/progress"
)

type Config struct {
	URL              string
	ReconnectDelay   time.Duration
	KeepAlive        time.Duration // protocol ping interval; 0 disables pings and the read deadline
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	EventBuffer      int
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	return c
}

// ConnState is the socket state reported on Handle.States.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Client struct {
	cfg     Config
	log     logx.Logger
	metrics *metrics.Metrics
	dialer  *websocket.Dialer
}

func NewClient(cfg Config, log logx.Logger, m *metrics.Metrics) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "ws")),
		metrics: m,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  cfg.HandshakeTimeout,
			EnableCompression: true,
		},
	}
}

// Open starts the connection loop for token and returns at once. The loop
// runs until Close, ctx cancellation or a normal closure (1000) by the server.
func (c *Client) Open(ctx context.Context, token string) (*Handle, error) {
	u, err := url.Parse(strings.TrimSpace(c.cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("ws url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("ws url: unsupported scheme %q", u.Scheme)
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("ws: empty session token")
	}

	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		c:      c,
		url:    u.String(),
		token:  token,
		ctx:    hctx,
		cancel: cancel,
		events: make(chan progress.Event, c.cfg.EventBuffer),
		states: make(chan ConnState, 1),
		done:   make(chan struct{}),
	}
	go h.run()
	return h, nil
}

// Handle owns one subscription. Events arrive in the order the server sent
// them; the channel is closed when the loop ends.
type Handle struct {
	c      *Client
	url    string
	token  string
	ctx    context.Context
	cancel context.CancelFunc

	events chan progress.Event
	states chan ConnState
	done   chan struct{}

	connected atomic.Bool
	closeOnce sync.Once

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (h *Handle) Events() <-chan progress.Event { return h.events }

// States delivers the latest connection state; intermediate states may be
// skipped by a slow reader.
func (h *Handle) States() <-chan ConnState { return h.states }

func (h *Handle) Connected() bool { return h.connected.Load() }

// Done is closed when the connection loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Close sends a normal closure, stops any pending reconnect and waits for the
// loop to exit. It is safe to call more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		conn := h.conn
		h.mu.Unlock()
		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		h.cancel()
		if conn != nil {
			_ = conn.Close()
		}
	})
	<-h.done
	return nil
}

func (h *Handle) setState(s ConnState) {
	h.connected.Store(s == StateConnected)
	h.c.metrics.WSConnected(s == StateConnected)
	select {
	case h.states <- s:
		return
	default:
	}
	select {
	case <-h.states:
	default:
	}
	select {
	case h.states <- s:
	default:
	}
}

func (h *Handle) run() {
	log := h.c.log
	defer func() {
		h.setState(StateDisconnected)
		close(h.events)
		close(h.states)
		close(h.done)
	}()

	for attempt := 0; ; attempt++ {
		if h.ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			h.c.metrics.WSReconnect()
		}
		h.setState(StateConnecting)

		code, err := h.session()
		if h.ctx.Err() != nil {
			return
		}
		h.setState(StateDisconnected)
		if code == websocket.CloseNormalClosure {
			log.Info("server closed the socket normally; not reconnecting")
			return
		}
		log.Warn("websocket disconnected; reconnecting",
			logx.Err(err),
			logx.Int("code", code),
			logx.Duration("delay", h.c.cfg.ReconnectDelay),
		)

		t := time.NewTimer(h.c.cfg.ReconnectDelay)
		select {
		case <-h.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session runs one connection from dial to close and returns the close code
// (0 when there was none).
func (h *Handle) session() (int, error) {
	log := h.c.log
	conn, resp, err := h.c.dialer.DialContext(h.ctx, h.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return 0, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return 0, fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(h.c.cfg.ReadLimit)

	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.conn = nil
		h.mu.Unlock()
		_ = conn.Close()
	}()

	if err := h.write(conn, subscribeMsg{Type: typeSubscribe, SessionToken: h.token}); err != nil {
		return 0, fmt.Errorf("subscribe: %w", err)
	}
	h.setState(StateConnected)
	log.Info("websocket connected", logx.String("url", h.url))

	kctx, stopKeepAlive := context.WithCancel(h.ctx)
	var wg sync.WaitGroup
	if h.c.cfg.KeepAlive > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.keepAlive(kctx, conn)
		}()
	}
	defer func() {
		stopKeepAlive()
		wg.Wait()
	}()

	return h.readLoop(conn)
}

func (h *Handle) readLoop(conn *websocket.Conn) (int, error) {
	log := h.c.log
	// Only a peer that stops answering pings is dead; a quiet one is not.
	var readTimeout time.Duration
	if h.c.cfg.KeepAlive > 0 {
		readTimeout = 3 * h.c.cfg.KeepAlive
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
	}
	for {
		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code, err
			}
			return 0, err
		}

		msg, err := Decode(raw, time.Now())
		if err != nil {
			h.c.metrics.EventDropped(DropReason(err))
			log.Debug("inbound message dropped", logx.Err(err), logx.Int("bytes", len(raw)))
			continue
		}
		if msg.Control() {
			log.Debug("control message", logx.String("type", msg.Type))
			continue
		}

		select {
		case h.events <- msg.Event:
		case <-h.ctx.Done():
			return 0, h.ctx.Err()
		}
	}
}

func (h *Handle) keepAlive(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(h.c.cfg.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.c.cfg.WriteTimeout))
			if err != nil {
				h.c.log.Debug("keep-alive failed", logx.Err(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (h *Handle) write(conn *websocket.Conn, v any) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(h.c.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}
