// Package session owns one dashboard session: the token, the folded test
// state, connection flags, rankings, network info and notices.
//
// Push events and local actions are applied under one mutex, in arrival
// order. Every change is published on the bus as a Snapshot.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"netpulse/internal/apiclient"
	"netpulse/internal/transport/ws"
	"netpulse/pkg/archive"
	logx "netpulse/pkg/logx"
	"netpulse/pkg/progress"
	"netpulse/pkg/trend"
)

// NewToken returns a fresh "netpulse-<unix ms>-<9 chars>" session token.
func NewToken() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "netpulse-" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + id[:9]
}

type Session struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	now  func() time.Time

	mu       sync.Mutex
	token    string
	state    progress.State
	wsUp     bool
	rankings []apiclient.ISPEntry
	network  apiclient.NetworkInfo
	notice   *Notice
	version  uint64
	// epoch changes on every Begin and Reset so a late initiation response
	// cannot touch a run it does not belong to.
	epoch uint64

	loaded     chan struct{}
	loadedOnce sync.Once
}

func New(cfg Config, deps Deps) (*Session, error) {
	if deps.API == nil {
		return nil, errors.New("session: missing API client")
	}
	if deps.Open == nil {
		return nil, errors.New("session: missing transport")
	}
	cfg = cfg.withDefaults()
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		token = NewToken()
	}
	return &Session{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Log.With(logx.String("comp", "session")),
		now:      time.Now,
		token:    token,
		state:    progress.Initial(),
		rankings: []apiclient.ISPEntry{},
		network:  apiclient.UnknownNetwork(),
		loaded:   make(chan struct{}),
	}, nil
}

// Token is the session token sent with every subscribe and initiation.
func (s *Session) Token() string { return s.token }

// Apply swaps the tunables that may change at runtime. The token is fixed for
// the life of the session.
func (s *Session) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	cfg.Token = s.cfg.Token
	s.cfg = cfg
	s.mu.Unlock()
}

// Run loads the initial data, opens the push transport and folds events
// until ctx ends. Failing to load history, rankings or network info is not
// fatal; failing to open the transport is.
func (s *Session) Run(ctx context.Context) error {
	s.mount(ctx)

	stream, err := s.deps.Open(ctx, s.token)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			s.log.Warn("transport close failed", logx.Err(err))
		}
		s.setConnected(false)
	}()

	events, states := stream.Events(), stream.States()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				s.log.Info("push transport ended; runs continue over HTTP only")
				events = nil
				continue
			}
			s.Fold(ctx, ev)
		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			s.setConnected(st == ws.StateConnected)
		}
	}
}

func (s *Session) mount(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	history, fromBackend := s.loadHistory(ctx, cfg)

	rankings, err := s.deps.API.Rankings(ctx, cfg.RankingsLimit)
	if err != nil {
		s.log.Warn("failed to fetch ISP rankings", logx.Err(err))
	}
	network, netErr := s.deps.API.NetworkInfo(ctx)
	if netErr != nil {
		s.log.Warn("failed to fetch network info", logx.Err(netErr))
	}

	s.mu.Lock()
	// runs that completed while loading stay in front
	s.state = s.state.WithHistory(append(slices.Clone(s.state.History), history...))
	if rankings != nil {
		s.rankings = rankings
	}
	if netErr == nil {
		s.network = network
	}
	s.mu.Unlock()

	if fromBackend {
		s.persist(ctx, history)
	}
	s.publish(CauseLoaded, "")
	s.loadedOnce.Do(func() { close(s.loaded) })
}

// Loaded is closed once the initial history, rankings and network info have
// been applied.
func (s *Session) Loaded() <-chan struct{} { return s.loaded }

// loadHistory reads the backend history, falling back to the local cache.
func (s *Session) loadHistory(ctx context.Context, cfg Config) ([]progress.HistoryEntry, bool) {
	if cfg.HistorySource == HistorySourceBackend {
		h, err := s.deps.API.History(ctx, s.token, cfg.HistoryLimit)
		if err == nil {
			return h, true
		}
		s.log.Warn("failed to fetch test history; using local cache", logx.Err(err))
	}
	if s.deps.Store == nil {
		return nil, false
	}
	h, err := s.deps.Store.LoadHistory(ctx, cfg.CacheKey)
	if err != nil {
		s.log.Warn("failed to load cached history", logx.Err(err))
		return nil, false
	}
	return h, false
}

// Fold applies one push event.
func (s *Session) Fold(ctx context.Context, ev progress.Event) {
	s.mu.Lock()
	prev := s.state
	s.state = progress.Reduce(prev, ev)
	next := s.state
	s.mu.Unlock()

	s.deps.Metrics.EventFolded(string(ev.Kind))
	s.afterTransition(ctx, prev, next)
	s.publish(CauseEvent, ev.Kind)
}

// afterTransition records run outcomes. It runs outside the lock.
func (s *Session) afterTransition(ctx context.Context, prev, next progress.State) {
	if next.Stage == prev.Stage || !next.Stage.Terminal() {
		return
	}
	switch next.Stage {
	case progress.StageComplete:
		s.completed(ctx, next)
	case progress.StageError:
		s.deps.Metrics.Run("error")
		s.log.Warn("speed test failed", logx.String("error", next.Error))
	}
}

func (s *Session) completed(ctx context.Context, st progress.State) {
	r := st.Result
	s.deps.Metrics.Run("complete")
	s.deps.Metrics.LastResult(r.Download.Speed, r.Upload.Speed, r.Latency.Avg, r.Latency.Jitter, r.PacketLoss, r.Quality.Score)
	s.log.Info("speed test completed",
		logx.Float64("download_mbps", r.Download.Speed),
		logx.Float64("upload_mbps", r.Upload.Speed),
		logx.Float64("latency_ms", r.Latency.Avg),
		logx.String("grade", r.Quality.Grade),
	)

	s.persist(ctx, st.History)
	if len(st.History) > 0 && s.deps.Archive != nil {
		err := s.deps.Archive.Append(archive.Record{
			Session:      s.token,
			Grade:        r.Quality.Grade,
			HistoryEntry: st.History[0],
		})
		if err != nil {
			s.log.Warn("failed to archive run", logx.Err(err))
		}
	}
}

func (s *Session) persist(ctx context.Context, history []progress.HistoryEntry) {
	if s.deps.Store == nil {
		return
	}
	s.mu.Lock()
	key := s.cfg.CacheKey
	s.mu.Unlock()
	if len(history) > progress.HistoryLimit {
		history = history[:progress.HistoryLimit]
	}
	if err := s.deps.Store.SaveHistory(ctx, key, history); err != nil {
		s.log.Warn("failed to save history", logx.Err(err))
	}
}

func (s *Session) setConnected(up bool) {
	s.mu.Lock()
	changed := s.wsUp != up
	s.wsUp = up
	s.mu.Unlock()
	if changed {
		s.publish(CauseConnection, "")
	}
}

// APIChanged publishes a connection update after the health dependency
// reported a transition.
func (s *Session) APIChanged(up bool) {
	s.log.Debug("api connection changed", logx.Bool("up", up))
	s.publish(CauseConnection, "")
}

func (s *Session) apiConnected() bool {
	return s.deps.Health == nil || s.deps.Health.Connected()
}

// Snapshot returns a deep copy of the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	st := s.state.Clone()
	snap := Snapshot{
		Version:      s.version,
		State:        st,
		Running:      st.Running(),
		WSConnected:  s.wsUp,
		APIConnected: s.apiConnected(),
		Rankings:     slices.Clone(s.rankings),
		Network:      s.network,
		Heatmap:      trend.Heatmap(st.History),
	}
	if s.network.Location != nil {
		loc := *s.network.Location
		snap.Network.Location = &loc
	}
	if n := s.notice; n != nil && s.now().Before(n.Expires) {
		cp := *n
		snap.Notice = &cp
	}
	return snap
}

func (s *Session) publish(cause Cause, kind progress.Kind) {
	s.mu.Lock()
	s.version++
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(Update{Cause: cause, Event: kind, Snapshot: snap})
	}
}
