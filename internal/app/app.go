package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"netpulse/internal/apiclient"
	"netpulse/internal/config"
	"netpulse/internal/eventbus"
	"netpulse/internal/health"
	"netpulse/internal/metrics"
	"netpulse/internal/observability/debugserver"
	"netpulse/internal/render"
	rtsup "netpulse/internal/runtime/supervisor"
	"netpulse/internal/session"
	"netpulse/internal/storage"
	"netpulse/internal/transport/ws"
	"netpulse/pkg/archive"
	logx "netpulse/pkg/logx"
	"netpulse/pkg/progress"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	metrics *metrics.Metrics
	bus     *eventbus.Bus[session.Update]
	store   storage.Store
	archive *archive.Archive

	api    *apiclient.Client
	health *health.Poller
	ws     *ws.Client
	sess   *session.Session
	render *render.Renderer
	debug  *debugserver.Service
}

type options struct {
	out   io.Writer
	watch bool
}

type Option func(*options)

// WithOutput sets where the console renderer writes (default stdout).
func WithOutput(w io.Writer) Option { return func(o *options) { o.out = w } }

// WithConfigWatch toggles hot reload of the config file (default on).
func WithConfigWatch(enabled bool) Option { return func(o *options) { o.watch = enabled } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	o := options{out: os.Stdout, watch: true}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if !o.watch {
		cfgPath = ""
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	m := metrics.New()
	bus := eventbus.New[session.Update]()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	arch := openArchive(cfg)

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	api, err := apiclient.New(apiCfg, log, m)
	if err != nil {
		closeStore(store)
		return nil, err
	}

	wsCfg, err := mapTransportConfig(cfg)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	wsClient := ws.NewClient(wsCfg, log, m)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		metrics: m,
		bus:     bus,
		store:   store,
		archive: arch,
		api:     api,
		ws:      wsClient,
	}

	deps := session.Deps{
		API: api,
		Open: func(ctx context.Context, token string) (session.Stream, error) {
			h, err := wsClient.Open(ctx, token)
			if err != nil {
				return nil, err
			}
			return h, nil
		},
		Store:   store,
		Archive: arch,
		Bus:     bus,
		Metrics: m,
		Log:     log,
	}
	if cfg.HealthEnabled() {
		hopts := mapHealthOptions(cfg)
		hopts.OnChange = func(up bool) {
			if a.sess != nil {
				a.sess.APIChanged(up)
			}
		}
		a.health = health.New(api, hopts, log, m)
		deps.Health = a.health
	}

	sess, err := session.New(mapSessionConfig(cfg), deps)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	a.sess = sess

	if !cfg.Render.Disabled && o.out != nil {
		a.render = render.New(o.out, mapRenderOptions(cfg), log)
	}

	a.debug = debugserver.New(mapDebugConfig(cfg), debugserver.Sources{
		Session:     sess,
		Archive:     arch,
		Metrics:     m,
		Supervisors: a.Supervisors,
	}, log)

	return a, nil
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

func (a *App) Session() *session.Session { return a.sess }

func (a *App) Archive() *archive.Archive { return a.archive }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Supervisors exposes runtime stats for the debug server.
func (a *App) Supervisors() map[string]rtsup.Snapshot {
	out := map[string]rtsup.Snapshot{}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAPIConfig(cfg); err != nil {
			return err
		}
		_, err := mapTransportConfig(cfg)
		return err
	})

	// subscribe before the session runs so the loaded snapshot is rendered
	if a.render != nil {
		updates, unsub := a.bus.Subscribe(256)
		a.sup.Go("render", func(c context.Context) error {
			defer unsub()
			return a.render.Run(c, updates)
		})
	}

	if a.health != nil {
		a.health.Start(a.sup.Context())
	}

	a.sup.Go("session", a.sess.Run)

	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	if a.cfgPath != "" {
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started", logx.String("session", a.sess.Token()), logx.String("api", a.api.BaseURL()))
	return nil
}

// RunOnce waits for the session to load, starts one test and blocks until it
// reaches a terminal stage. A failed run is returned as an error together
// with its snapshot.
func (a *App) RunOnce(ctx context.Context, pushWait time.Duration) (session.Snapshot, error) {
	select {
	case <-a.sess.Loaded():
	case <-ctx.Done():
		return a.sess.Snapshot(), ctx.Err()
	}
	a.awaitPush(ctx, pushWait)

	if err := a.sess.StartTest(ctx); err != nil {
		return a.sess.Snapshot(), err
	}
	snap, err := a.sess.Wait(ctx)
	if err != nil {
		return snap, err
	}
	if snap.State.Stage == progress.StageError {
		return snap, errors.New(snap.State.Error)
	}
	return snap, nil
}

// awaitPush gives the push transport up to d to subscribe so no early event
// of the run is missed. Runs still work without it.
func (a *App) awaitPush(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	updates, unsub := a.bus.Subscribe(16)
	defer unsub()
	if a.sess.Snapshot().WSConnected {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.log.Warn("push transport not connected; starting without live updates")
			return
		case u, ok := <-updates:
			if !ok || u.Snapshot.WSConnected {
				return
			}
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; report a leak if it does not
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("debugserver", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("health", 1*time.Second, func(c context.Context) error {
		if a.health != nil {
			a.health.Stop()
		}
		return nil
	})
	// session closes the push transport as it unwinds
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
