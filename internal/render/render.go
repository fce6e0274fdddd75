// Package render prints session updates to a terminal.
package render

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/time/rate"

	"netpulse/internal/session"
	logx "netpulse/pkg/logx"
	"netpulse/pkg/progress"
)

const DefaultSamplesPerSec = 2.0

type Options struct {
	// SamplesPerSec caps how many live sample lines are printed. Zero uses
	// DefaultSamplesPerSec, negative disables sample lines.
	SamplesPerSec float64
}

// Renderer is a line-oriented console view of a session. Only transitions
// are printed; repeated snapshots of the same stage are silent.
type Renderer struct {
	w   io.Writer
	log logx.Logger

	mu        sync.Mutex
	limiter   *rate.Limiter
	samples   bool
	stage     progress.Stage
	ws        bool
	wsSeen    bool
	noticeKey string
}

func New(w io.Writer, opts Options, log logx.Logger) *Renderer {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Renderer{
		w:       w,
		log:     log.With(logx.String("comp", "render")),
		limiter: rate.NewLimiter(rate.Limit(DefaultSamplesPerSec), 1),
		samples: true,
		stage:   progress.StageIdle,
	}
	r.Apply(opts)
	return r
}

// Apply updates the sample rate in place.
func (r *Renderer) Apply(opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case opts.SamplesPerSec < 0:
		r.samples = false
	case opts.SamplesPerSec == 0:
		r.samples = true
		r.limiter.SetLimit(rate.Limit(DefaultSamplesPerSec))
	default:
		r.samples = true
		r.limiter.SetLimit(rate.Limit(opts.SamplesPerSec))
	}
}

// Run consumes updates until ctx ends or updates is closed.
func (r *Renderer) Run(ctx context.Context, updates <-chan session.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			r.Handle(u)
		}
	}
}

// Handle renders a single update.
func (r *Renderer) Handle(u session.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := u.Snapshot
	st := snap.State

	if !r.wsSeen || snap.WSConnected != r.ws {
		if r.wsSeen || snap.WSConnected {
			if snap.WSConnected {
				r.println("🟢 Live updates connected")
			} else {
				r.println("🔴 Live updates disconnected")
			}
		}
		r.ws, r.wsSeen = snap.WSConnected, true
	}

	if u.Cause == session.CauseLoaded {
		r.println(fmt.Sprintf("🌐 %s | %s | %s (%d past tests)",
			snap.Network.ISP, snap.Network.Place(), snap.Network.ConnectionType, len(st.History)))
	}

	if st.Stage != r.stage {
		prev := r.stage
		r.stage = st.Stage
		switch st.Stage {
		case progress.StageComplete:
			r.println(formatResult(snap))
		case progress.StageError:
			r.println("❌ Speed test failed: " + st.Error)
		case progress.StageIdle:
			if prev.Active() {
				r.println("⏹️  Speed test stopped")
			}
		default:
			r.println(formatStage(st))
		}
	} else if u.Cause == session.CauseEvent && st.Stage.Active() && r.samples {
		switch u.Event {
		case progress.KindLatencySample, progress.KindDownloadProgress, progress.KindUploadProgress:
			if r.limiter.Allow() {
				r.println(formatSample(st, u.Event))
			}
		}
	}

	if n := snap.Notice; n != nil {
		key := n.Message + "|" + n.Expires.String()
		if key != r.noticeKey {
			r.noticeKey = key
			r.println(noticeIcon(n.Kind) + " " + n.Message)
		}
	}
}

func (r *Renderer) println(s string) {
	if _, err := fmt.Fprintln(r.w, s); err != nil {
		r.log.Debug("render write failed", logx.Err(err))
	}
}

func noticeIcon(k session.NoticeKind) string {
	switch k {
	case session.NoticeSuccess:
		return "✅"
	case session.NoticeError:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}
