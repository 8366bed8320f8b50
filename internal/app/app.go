// Package app wires all oddtts subsystems into a running service.
//
// The App struct owns the full lifecycle: New builds the backends, the
// dispatcher, the voice catalog and the HTTP surface, Run serves until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject a listener, metrics or a log level via functional
// options (WithListener, WithMetrics, etc.). Backends always come from the
// [config.Registry] passed to New, so tests register mock factories there.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/oddmeta/oddtts/internal/api"
	"github.com/oddmeta/oddtts/internal/catalog"
	"github.com/oddmeta/oddtts/internal/config"
	"github.com/oddmeta/oddtts/internal/dispatch"
	"github.com/oddmeta/oddtts/internal/health"
	"github.com/oddmeta/oddtts/internal/mcpserver"
	"github.com/oddmeta/oddtts/internal/observe"
	"github.com/oddmeta/oddtts/internal/resilience"
	"github.com/oddmeta/oddtts/internal/speech"
	"github.com/oddmeta/oddtts/internal/tempfiles"
	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

const (
	// retryMin and retryMax bound the backoff between failed catalog populates.
	retryMin = time.Second
	retryMax = time.Minute

	// serverDrainTimeout bounds in-flight requests once Run's context ends.
	serverDrainTimeout = 15 * time.Second
)

// App owns all subsystem lifetimes of the oddtts service.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	metrics  *observe.Metrics
	level    *slog.LevelVar
	version  string

	// Subsystems, initialised in New.
	files      *tempfiles.Store
	dispatcher *dispatch.Dispatcher
	catalog    *catalog.Catalog
	speech     *speech.Service
	handler    http.Handler
	server     *http.Server
	listener   net.Listener

	// Config reload.
	watchPath     string
	watchInterval time.Duration
	watcher       *config.Watcher
	repopulate    chan struct{}

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics injects the metrics recorder instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar sets the level variable the default logger was built with.
// Config reloads adjust it in place.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithListener makes Run serve on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigWatch enables polling of the config file at path. Changes of
// server.log_level and tts.type are applied in place.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchInterval = interval
	}
}

// WithVersion sets the version reported by the MCP server.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg, building every enabled backend through reg.
//
// New performs the initial catalog populate synchronously, bounded by
// catalog.populate_timeout. A failed populate is logged and retried in the
// background once Run starts; until then readiness reports not ready.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:        cfg,
		registry:   reg,
		version:    "dev",
		repopulate: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Level())
	}

	// ── 1. Output directory ──────────────────────────────────────────────
	files, err := tempfiles.New(cfg.Audio.OutputDir,
		tempfiles.WithTTL(cfg.Audio.FileTTL),
		tempfiles.WithInterval(cfg.Audio.ReapInterval),
		tempfiles.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init output dir: %w", err)
	}
	a.files = files
	a.closers = append(a.closers, func() error {
		_, err := files.Reap(context.Background(), time.Now())
		return err
	})
	// Backends write into the resolved absolute directory.
	cfg.Audio.OutputDir = files.Dir()

	// ── 2. Backends + dispatcher ─────────────────────────────────────────
	if err := a.initDispatcher(); err != nil {
		return nil, fmt.Errorf("app: init dispatcher: %w", err)
	}

	// ── 3. Catalog ───────────────────────────────────────────────────────
	a.catalog = catalog.New(a.dispatcher,
		catalog.WithWaitTimeout(cfg.Catalog.WaitTimeout),
		catalog.WithMetrics(a.metrics),
	)
	a.speech = speech.New(a.dispatcher, a.catalog, cfg.TTS.Type)
	if err := a.populate(ctx); err != nil {
		slog.Warn("initial catalog populate failed, will retry", "backend", a.speech.Active(), "err", err)
	}

	// ── 4. Config watcher ────────────────────────────────────────────────
	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.onConfigChange, config.WithInterval(a.watchInterval))
		if err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initDispatcher instantiates every registered backend and wraps each in a
// circuit breaker. Backends whose factory reports [config.ErrBackendDisabled]
// are left out.
func (a *App) initDispatcher() error {
	breaker := resilience.CircuitBreakerConfig{
		MaxFailures:  a.cfg.CircuitBreaker.MaxFailures,
		ResetTimeout: a.cfg.CircuitBreaker.ResetTimeout,
		HalfOpenMax:  a.cfg.CircuitBreaker.HalfOpenMax,
	}

	var backends []dispatch.Backend
	for _, reg := range a.registry.Registrations() {
		spec := a.registry.Spec(reg.Token, a.cfg)
		p, err := reg.Factory(spec)
		if errors.Is(err, config.ErrBackendDisabled) {
			slog.Info("backend disabled", "backend", reg.Token, "reason", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("create backend %q: %w", reg.Token, err)
		}

		breaker.Name = reg.Token
		guard := resilience.NewGuard(p, breaker, a.metrics)

		b := dispatch.Backend{
			Token:   reg.Token,
			Aliases: reg.Aliases,
			Decode:  reg.Decode,
		}
		switch reg.Lifetime {
		case config.PerCall:
			b.Acquire = dispatch.PerCall(perCall(reg, spec, guard))
		default:
			b.Acquire = dispatch.Shared(guard)
		}
		backends = append(backends, b)
		slog.Info("backend created", "backend", reg.Token, "base_url", spec.Entry.BaseURL)
	}

	d, err := dispatch.New(backends,
		dispatch.WithDefault(a.cfg.TTS.DefaultType),
		dispatch.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.dispatcher = d
	return nil
}

// perCall returns a constructor building a fresh provider per request. Every
// instance reports into guard's breaker. The factory already succeeded once
// for spec, so a later failure falls back to the guarded startup instance.
func perCall(reg config.Registration, spec config.BackendSpec, guard *resilience.Guard) func() tts.Provider {
	return func() tts.Provider {
		p, err := reg.Factory(spec)
		if err != nil {
			slog.Warn("per-call backend construction failed, reusing startup instance", "backend", reg.Token, "err", err)
			return guard
		}
		return guard.With(p)
	}
}

// initHTTP builds the route table and the middleware chain.
func (a *App) initHTTP() {
	mux := http.NewServeMux()

	apiOpts := []api.Option{api.WithMetrics(a.metrics)}
	if rl := a.cfg.Server.RateLimit; rl.RPS > 0 {
		apiOpts = append(apiOpts, api.WithRateLimit(rl.RPS, rl.Burst))
	}
	api.New(a.speech, a.files, apiOpts...).Register(mux)

	health.New("oddtts", health.Checker{Name: "catalog", Check: a.catalog.Check}).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	if a.cfg.MCP.Enabled {
		mux.Handle("/mcp", mcpserver.Handler(mcpserver.New(a.speech, a.version)))
	}

	a.handler = observe.Middleware(a.metrics)(api.CORS(a.cfg.Server.CORSOrigins)(mux))
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Catalog ─────────────────────────────────────────────────────────────────

// populate fetches the active backend's voices once.
func (a *App) populate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Catalog.PopulateTimeout)
	defer cancel()
	_, err := a.catalog.Populate(ctx, a.speech.Active())
	return err
}

// current reports whether the catalog holds the active backend's voices.
func (a *App) current() bool {
	snap := a.catalog.Snapshot()
	return snap != nil && snap.Backend == a.speech.Active()
}

// runCatalog keeps the catalog in sync with the active backend. Failed
// populates are retried with capped exponential backoff. It always returns
// nil.
func (a *App) runCatalog(ctx context.Context) error {
	delay := retryMin
	timer := time.NewTimer(delay)
	if a.current() {
		timer.Stop()
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.repopulate:
			delay = retryMin
			timer.Reset(0)
		case <-timer.C:
			if err := a.populate(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Warn("catalog populate failed", "backend", a.speech.Active(), "retry_in", delay, "err", err)
				timer.Reset(delay)
				delay = min(delay*2, retryMax)
				continue
			}
			delay = retryMin
		}
	}
}

// onConfigChange applies the reloadable parts of a new config.
func (a *App) onConfigChange(_, _ *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged {
		a.level.Set(diff.NewLogLevel.Level())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.TTSTypeChanged {
		a.speech.SetActive(diff.NewTTSType)
		slog.Info("active backend changed", "backend", a.speech.Active())
		select {
		case a.repopulate <- struct{}{}:
		default:
		}
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes take effect after a restart", "paths", diff.RestartRequired)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Speech returns the request service shared by the HTTP API and MCP.
func (a *App) Speech() *speech.Service { return a.speech }

// Dispatcher returns the backend dispatcher.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Catalog returns the voice catalog.
func (a *App) Catalog() *catalog.Catalog { return a.catalog }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and runs the background loops (file reaper, catalog
// retry, config watcher) until ctx is cancelled. When ctx is done, Run
// drains the HTTP server and returns ctx.Err(). A listener failure ends Run
// early with that error.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), serverDrainTimeout)
		defer cancel()
		if err := a.server.Shutdown(drainCtx); err != nil {
			slog.Warn("http server drain incomplete", "err", err)
		}
		return nil
	})
	g.Go(func() error { return a.files.Run(gctx) })
	g.Go(func() error { return a.runCatalog(gctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("app running",
		"addr", ln.Addr().String(),
		"backends", a.dispatcher.Tokens(),
		"active", a.speech.Active(),
		"mcp", a.cfg.MCP.Enabled,
	)

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server if it is still running and then runs the
// registered closers. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
			shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
