package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"netpulse/internal/apiclient"
	logx "netpulse/pkg/logx"
	"netpulse/pkg/progress"
)

// StartTest initiates a run. It returns ErrRunning while one is in flight and
// ErrAPIDown when the backend is known to be unreachable; both leave a
// visible state behind (the latter as an error stage).
//
// When the backend answers with results the run is completed locally; a
// later push test_completed for the same run is ignored by the reducer.
// Otherwise the run continues over the push transport.
func (s *Session) StartTest(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Running() {
		s.mu.Unlock()
		return ErrRunning
	}
	if !s.apiConnected() {
		msg := fmt.Sprintf("API server is not available. Please check if the backend is running on port %s.", s.cfg.APIPort)
		s.state = progress.Fail(s.state, msg)
		s.mu.Unlock()
		s.deps.Metrics.Run("unavailable")
		s.publish(CauseFail, "")
		return ErrAPIDown
	}
	s.epoch++
	epoch := s.epoch
	s.state = progress.Begin(s.state)
	s.notice = nil
	req := apiclient.StartRequest{SessionToken: s.token, TestConfig: s.cfg.Test}
	s.mu.Unlock()

	s.log.Info("starting speed test")
	s.publish(CauseBegin, "")

	resp, err := s.deps.API.StartTest(ctx, req)
	if err != nil {
		s.fail(epoch, err)
		return err
	}
	if !resp.HasResults() {
		s.log.Debug("speed test initiated; waiting for push updates", logx.String("message", resp.Message))
		return nil
	}

	var server json.RawMessage
	if resp.Metadata != nil {
		server = resp.Metadata.Server
	}
	ev := progress.TestCompleted(resp.Results, server, resp.Metadata)
	ev.At = s.now()

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.Fold(ctx, ev)

	r := progress.NewTestResult(resp.Results, resp.Metadata)
	s.Notify(fmt.Sprintf("Speed test completed! Download: %.1f Mbps, Upload: %.1f Mbps", r.Download.Speed, r.Upload.Speed), NoticeSuccess)
	return nil
}

// fail records an initiation failure unless the run was reset, restarted or
// already completed by push events in the meantime.
func (s *Session) fail(epoch uint64, err error) {
	msg := err.Error()
	if msg == "" {
		msg = "Speed test failed to start"
	}

	s.mu.Lock()
	if s.epoch != epoch || s.state.Stage == progress.StageComplete {
		s.mu.Unlock()
		return
	}
	wasError := s.state.Stage == progress.StageError
	s.state = progress.Fail(s.state, msg)
	s.mu.Unlock()

	if !wasError {
		s.deps.Metrics.Run("error")
	}
	s.log.Warn("speed test failed to start", logx.Err(err))
	s.publish(CauseFail, "")
}

// Stop abandons the current run and returns to idle. History is kept.
func (s *Session) Stop() {
	s.mu.Lock()
	running := s.state.Running()
	s.epoch++
	s.state = progress.Reset(s.state)
	s.mu.Unlock()

	if running {
		s.deps.Metrics.Run("stopped")
		s.log.Info("speed test stopped")
	}
	s.publish(CauseReset, "")
}

// Notify shows msg until the configured notice TTL elapses.
func (s *Session) Notify(msg string, kind NoticeKind) {
	s.mu.Lock()
	s.notice = &Notice{Message: msg, Kind: kind, Expires: s.now().Add(s.cfg.NoticeTTL)}
	s.mu.Unlock()
	s.publish(CauseNotice, "")
}

// Wait blocks until the state reaches a terminal stage and returns the
// snapshot at that point. It needs a bus.
func (s *Session) Wait(ctx context.Context) (Snapshot, error) {
	if s.deps.Bus == nil {
		return Snapshot{}, errors.New("session: wait needs an event bus")
	}
	ch, unsub := s.deps.Bus.Subscribe(64)
	defer unsub()

	check := time.NewTicker(time.Second)
	defer check.Stop()
	for {
		if snap := s.Snapshot(); snap.State.Stage.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return s.Snapshot(), ctx.Err()
		case <-ch:
		case <-check.C:
		}
	}
}
