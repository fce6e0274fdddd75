// Package health polls the backend's /health endpoint on a fixed interval and
// tracks whether the API is reachable.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"netpulse/internal/metrics"
	logx "netpulse/pkg/logx"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Checker is satisfied by *apiclient.Client.
type Checker interface {
	Health(ctx context.Context) error
}

type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	// OnChange is called after the first check and on every transition.
	OnChange func(connected bool)
}

type Poller struct {
	checker  Checker
	log      logx.Logger
	metrics  *metrics.Metrics
	onChange func(bool)

	connected atomic.Bool
	known     atomic.Bool
	checks    atomic.Uint64

	mu       sync.Mutex
	interval time.Duration
	timeout  time.Duration
	c        *cron.Cron
	entry    cron.EntryID
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(checker Checker, opts Options, log logx.Logger, m *metrics.Metrics) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Poller{
		checker:  checker,
		log:      log.With(logx.String("comp", "health")),
		metrics:  m,
		onChange: opts.OnChange,
		interval: opts.Interval,
		timeout:  opts.Timeout,
	}
}

// Start runs one check synchronously and then schedules the rest. Calling
// Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.c != nil {
		p.mu.Unlock()
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.c = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	p.entry = p.c.Schedule(cron.Every(p.interval), cron.FuncJob(p.tick))
	c, pctx := p.c, p.ctx
	p.mu.Unlock()

	p.Check(pctx)
	c.Start()
	p.log.Info("health poller started", logx.Duration("interval", p.Interval()))
}

// Stop cancels any in-flight check and waits for running jobs.
func (p *Poller) Stop() {
	p.mu.Lock()
	c, cancel := p.c, p.cancel
	p.c, p.cancel = nil, nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
}

// Apply changes the interval and timeout. A running poller is rescheduled.
func (p *Poller) Apply(interval, timeout time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if interval == p.interval && timeout == p.timeout {
		return
	}
	p.interval, p.timeout = interval, timeout
	if p.c != nil {
		p.c.Remove(p.entry)
		p.entry = p.c.Schedule(cron.Every(interval), cron.FuncJob(p.tick))
	}
	p.log.Info("health poller rescheduled", logx.Duration("interval", interval))
}

func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Connected reports the result of the latest check; false until one ran.
func (p *Poller) Connected() bool { return p.connected.Load() }

// Checks is the number of completed checks.
func (p *Poller) Checks() uint64 { return p.checks.Load() }

func (p *Poller) tick() {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	p.Check(ctx)
}

// Check runs one health request and records the outcome.
func (p *Poller) Check(ctx context.Context) bool {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, timeout)
	err := p.checker.Health(cctx)
	cancel()
	if ctx.Err() != nil {
		return p.connected.Load()
	}

	up := err == nil
	prev := p.connected.Swap(up)
	first := !p.known.Swap(true)
	p.checks.Add(1)
	p.metrics.APIUp(up)

	if first || prev != up {
		if up {
			p.log.Info("API server is connected")
		} else {
			p.log.Warn("API server connection failed", logx.Err(err))
		}
		if p.onChange != nil {
			p.onChange(up)
		}
	}
	return up
}
