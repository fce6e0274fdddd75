// Package apiclient talks to the speed-test backend over HTTP: test
// initiation, history, ISP rankings, network info and health.
//
// Every call is rate limited and goes through a circuit breaker so a dead
// backend is detected quickly and not hammered. Client errors (4xx) do not
// count as breaker failures.
package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"netpulse/internal/metrics"
	logx "netpulse/pkg/logx"
	"netpulse/pkg/progress"
)

const (
	pathStart       = "/api/speed-test/comprehensive"
	pathHistory     = "/api/speed-test/history"
	pathRankings    = "/api/isp/rankings"
	pathNetworkInfo = "/api/speed-test/network-info"
	pathHealth      = "/health"

	breakerName = "backend"

	// maxErrorBody bounds how much of a failed response ends up in an error.
	maxErrorBody = 4 << 10
)

type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

type Config struct {
	BaseURL      string
	Timeout      time.Duration
	StartTimeout time.Duration
	RatePerSec   float64
	Burst        int
	Breaker      BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 2 * time.Minute
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	b := &c.Breaker
	if b.MaxRequests == 0 {
		b.MaxRequests = 1
	}
	if b.Interval <= 0 {
		b.Interval = time.Minute
	}
	if b.Timeout <= 0 {
		b.Timeout = 30 * time.Second
	}
	if b.MinRequests == 0 {
		b.MinRequests = 3
	}
	if b.FailureRatio <= 0 || b.FailureRatio > 1 {
		b.FailureRatio = 0.6
	}
	return c
}

type Client struct {
	cfg     Config
	base    string
	http    *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[[]byte]
	log     logx.Logger
	metrics *metrics.Metrics
}

func New(cfg Config, log logx.Logger, m *metrics.Metrics) (*Client, error) {
	cfg = cfg.withDefaults()
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("api base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api base url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("api base url: missing host")
	}

	c := &Client{
		cfg:     cfg,
		base:    base,
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:     log.With(logx.String("comp", "apiclient")),
		metrics: m,
	}
	bc := cfg.Breaker
	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state change",
				logx.String("breaker", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
			c.metrics.BreakerState(name, breakerGauge(to))
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var ae *APIError
			return errors.As(err, &ae) && ae.Client()
		},
	})
	m.BreakerState(breakerName, breakerGauge(gobreaker.StateClosed))
	return c, nil
}

// BaseURL is the normalized backend root without a trailing slash.
func (c *Client) BaseURL() string { return c.base }

// StartTest posts one initiation request. The call may block until the run
// is over when the backend answers synchronously.
func (c *Client) StartTest(ctx context.Context, req StartRequest) (*StartResponse, error) {
	if strings.TrimSpace(req.SessionToken) == "" {
		return nil, errors.New("start test: empty session token")
	}
	body, err := c.do(ctx, "start", http.MethodPost, pathStart, nil, req, c.cfg.StartTimeout)
	if err != nil {
		return nil, err
	}
	out := &StartResponse{}
	if t := bytes.TrimSpace(body); len(t) > 0 {
		if err := json.Unmarshal(t, out); err != nil {
			// Anything 2xx is an acknowledgement; only structured results matter.
			c.log.Debug("start test: non-JSON acknowledgement", logx.Int("bytes", len(t)))
			return &StartResponse{}, nil
		}
	}
	return out, nil
}

func (c *Client) History(ctx context.Context, token string, limit int) ([]progress.HistoryEntry, error) {
	q := url.Values{}
	q.Set("sessionToken", token)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.do(ctx, "history", http.MethodGet, pathHistory, q, nil, c.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Tests []progress.HistoryEntry `json:"tests"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	out := make([]progress.HistoryEntry, 0, len(resp.Tests))
	for _, e := range resp.Tests {
		out = append(out, normalizeEntry(e))
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Client) Rankings(ctx context.Context, limit int) ([]ISPEntry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.do(ctx, "rankings", http.MethodGet, pathRankings, q, nil, c.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Rankings []ISPEntry `json:"rankings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode rankings: %w", err)
	}
	if resp.Rankings == nil {
		resp.Rankings = []ISPEntry{}
	}
	return resp.Rankings, nil
}

// NetworkInfo returns the connection description with placeholders for
// anything the backend left out.
func (c *Client) NetworkInfo(ctx context.Context) (NetworkInfo, error) {
	body, err := c.do(ctx, "network_info", http.MethodGet, pathNetworkInfo, nil, nil, c.cfg.Timeout)
	if err != nil {
		return NetworkInfo{}, err
	}
	var ni NetworkInfo
	if err := json.Unmarshal(body, &ni); err != nil {
		return NetworkInfo{}, fmt.Errorf("decode network info: %w", err)
	}
	return ni.withDefaults(), nil
}

// Health returns nil when the backend answers /health with 2xx.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, "health", http.MethodGet, pathHealth, nil, nil, c.cfg.Timeout)
	return err
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, q url.Values, in any, timeout time.Duration) ([]byte, error) {
	start := time.Now()
	out, err := c.exec(ctx, method, path, q, in, timeout)
	c.metrics.APIRequest(endpoint, outcome(err), time.Since(start))
	if err != nil {
		c.log.Debug("api request failed",
			logx.String("endpoint", endpoint),
			logx.Err(err),
			logx.Duration("took", time.Since(start)),
		)
	}
	return out, err
}

func (c *Client) exec(ctx context.Context, method, path string, q url.Values, in any, timeout time.Duration) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", path, err)
		}
		payload = b
	}
	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	body, err := c.cb.Execute(func() ([]byte, error) {
		rctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var rd io.Reader = http.NoBody
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(rctx, method, target, rd)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, parseAPIError(resp.StatusCode, raw)
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return b, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return body, err
}

// parseAPIError prefers the backend's {"error": "..."} message and falls
// back to the status line plus raw body.
func parseAPIError(status int, raw []byte) *APIError {
	text := strings.TrimSpace(string(raw))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return &APIError{Status: status, Message: fmt.Sprintf("HTTP %d: %s", status, text)}
	}
	if body.Error == "" {
		return &APIError{Status: status, Message: fmt.Sprintf("HTTP %d", status)}
	}
	return &APIError{Status: status, Message: body.Error}
}

func outcome(err error) string {
	var ae *APIError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "rejected"
	case errors.As(err, &ae):
		return "status_" + strconv.Itoa(ae.Status/100) + "xx"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func breakerGauge(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
