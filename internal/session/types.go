package session

import (
	"context"
	"errors"
	"time"

	"netpulse/internal/apiclient"
	"netpulse/internal/eventbus"
	"netpulse/internal/metrics"
	"netpulse/internal/storage"
	"netpulse/internal/transport/ws"
	"netpulse/pkg/archive"
	logx "netpulse/pkg/logx"
	"netpulse/pkg/progress"
	"netpulse/pkg/trend"
)

var (
	// ErrRunning is returned by StartTest while a run is in flight.
	ErrRunning = errors.New("a speed test is already running")
	// ErrAPIDown is returned by StartTest when the health poller reports the
	// backend unreachable.
	ErrAPIDown = errors.New("api server is not available")
)

const (
	HistorySourceBackend = "backend"
	HistorySourceCache   = "cache"

	DefaultRankingsLimit = 10
	DefaultNoticeTTL     = 4 * time.Second
	DefaultCacheKey      = "history"
)

// API is the subset of *apiclient.Client the session needs.
type API interface {
	StartTest(ctx context.Context, req apiclient.StartRequest) (*apiclient.StartResponse, error)
	History(ctx context.Context, token string, limit int) ([]progress.HistoryEntry, error)
	Rankings(ctx context.Context, limit int) ([]apiclient.ISPEntry, error)
	NetworkInfo(ctx context.Context) (apiclient.NetworkInfo, error)
}

// Stream is one open push subscription; *ws.Handle satisfies it.
type Stream interface {
	Events() <-chan progress.Event
	States() <-chan ws.ConnState
	Close() error
}

// OpenFunc opens the push subscription for token.
type OpenFunc func(ctx context.Context, token string) (Stream, error)

// Health reports whether the backend answered its last health check.
type Health interface {
	Connected() bool
}

type Config struct {
	Token         string // generated when empty
	HistorySource string
	HistoryLimit  int
	RankingsLimit int
	NoticeTTL     time.Duration
	Test          apiclient.TestConfig
	CacheKey      string

	// APIPort is quoted in the "not available" message.
	APIPort string
}

func (c Config) withDefaults() Config {
	if c.HistorySource == "" {
		c.HistorySource = HistorySourceBackend
	}
	if c.HistoryLimit <= 0 || c.HistoryLimit > progress.HistoryLimit {
		c.HistoryLimit = progress.HistoryLimit
	}
	if c.RankingsLimit <= 0 {
		c.RankingsLimit = DefaultRankingsLimit
	}
	if c.NoticeTTL <= 0 {
		c.NoticeTTL = DefaultNoticeTTL
	}
	if c.Test == (apiclient.TestConfig{}) {
		c.Test = apiclient.DefaultTestConfig()
	}
	if c.CacheKey == "" {
		c.CacheKey = DefaultCacheKey
	}
	if c.APIPort == "" {
		c.APIPort = "5000"
	}
	return c
}

// Deps are the collaborators of a Session. Only API and Open are required.
type Deps struct {
	API     API
	Open    OpenFunc
	Health  Health
	Store   storage.Store
	Archive *archive.Archive
	Bus     *eventbus.Bus[Update]
	Metrics *metrics.Metrics
	Log     logx.Logger
}

type NoticeKind string

const (
	NoticeSuccess NoticeKind = "success"
	NoticeError   NoticeKind = "error"
	NoticeInfo    NoticeKind = "info"
)

// Notice is a transient message shown until Expires.
type Notice struct {
	Message string     `json:"message"`
	Kind    NoticeKind `json:"type"`
	Expires time.Time  `json:"expires"`
}

// Snapshot is a deep copy of everything a renderer needs.
type Snapshot struct {
	Version      uint64                `json:"version"`
	State        progress.State        `json:"state"`
	Running      bool                  `json:"running"`
	WSConnected  bool                  `json:"wsConnected"`
	APIConnected bool                  `json:"apiConnected"`
	Rankings     []apiclient.ISPEntry  `json:"rankings"`
	Network      apiclient.NetworkInfo `json:"networkInfo"`
	Notice       *Notice               `json:"notification,omitempty"`
	Heatmap      [24]trend.HourCell    `json:"heatmap"`
}

// Cause says what produced an Update.
type Cause string

const (
	CauseLoaded     Cause = "loaded"
	CauseEvent      Cause = "event"
	CauseBegin      Cause = "begin"
	CauseFail       Cause = "fail"
	CauseReset      Cause = "reset"
	CauseConnection Cause = "connection"
	CauseNotice     Cause = "notice"
)

// Update is published on the bus after every state change.
type Update struct {
	Cause    Cause
	Event    progress.Kind // set for CauseEvent
	Snapshot Snapshot
}
