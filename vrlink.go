// Package vrlink embeds the VR lifecycle daemon: the process watcher, the
// SteamVR and Link run-state trackers, link service control and the
// automatic recovery and focus policies, plus the optional HTTP API,
// Prometheus metrics and history sinks around them.
package vrlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/vrlink/internal/config"
	"github.com/loykin/vrlink/internal/desktop"
	"github.com/loykin/vrlink/internal/history"
	"github.com/loykin/vrlink/internal/history/factory"
	"github.com/loykin/vrlink/internal/manager"
	"github.com/loykin/vrlink/internal/metrics"
	"github.com/loykin/vrlink/internal/procwatch"
	iapi "github.com/loykin/vrlink/internal/server"
	"github.com/loykin/vrlink/internal/service"
	"github.com/loykin/vrlink/internal/timers"
)

// Re-export core types for external consumers.

type Config = config.Config

type Preferences = config.Preferences

type Status = manager.Status

type AppStatus = manager.AppStatus

type HistorySink = history.Sink

type Manager = manager.Manager

func LoadConfig(path string) (*Config, error) { return config.Load(path) }
func DefaultConfig() *Config                  { return config.Default() }

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// ServeMetrics binds addr and serves /metrics from the default registry in
// the background.
func ServeMetrics(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return srv, nil
}

// Option overrides a host integration, mostly for tests and embedding.
type Option func(*options)

type options struct {
	lister     procwatch.Lister
	killer     procwatch.Killer
	desktop    desktop.Desktop
	backend    service.Backend
	logger     *slog.Logger
	registerer prometheus.Registerer
}

func WithLister(l procwatch.Lister) Option          { return func(o *options) { o.lister = l } }
func WithKiller(k procwatch.Killer) Option          { return func(o *options) { o.killer = k } }
func WithDesktop(d desktop.Desktop) Option          { return func(o *options) { o.desktop = d } }
func WithServiceBackend(b service.Backend) Option   { return func(o *options) { o.backend = b } }
func WithLogger(l *slog.Logger) Option              { return func(o *options) { o.logger = l } }
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registerer = r } }

// Daemon owns one manager and the surfaces configured around it.
type Daemon struct {
	cfg       *Config
	log       *slog.Logger
	logCloser io.Closer
	mgr       *manager.Manager
	prefs     *config.PreferenceStore
	resources *metrics.ResourceCollector
	reg       prometheus.Registerer

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	api     *http.Server
	metrics *http.Server
}

// New builds a daemon from cfg. Nothing touches the host until Start.
func New(cfg *Config, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	d := &Daemon{cfg: cfg, reg: o.registerer}
	if o.logger != nil {
		d.log = o.logger
	} else {
		d.log, d.logCloser = cfg.Log.NewSloggerWithFile()
	}
	if d.reg == nil {
		d.reg = prometheus.DefaultRegisterer
	}

	backend := o.backend
	if backend == nil {
		backend = newBackend(cfg.Service)
	}
	watcher := procwatch.New(procwatch.Options{
		Lister:   o.lister,
		Interval: cfg.Watcher.Interval,
		Logger:   d.log,
	})
	for _, name := range cfg.Watcher.Ignore {
		watcher.IgnoreExeName(name)
	}

	d.prefs = config.NewPreferenceStore(cfg.Preferences)
	d.prefs.OnChange(func(old, cur config.Preferences) {
		d.log.Info("preferences changed",
			"exit_link_on_steamvr_exit", cur.ExitLinkOnSteamVRExit,
			"steamvr_focus_fix", cur.SteamVRFocusFix)
	})

	d.mgr = manager.New(manager.Options{
		Watcher:          watcher,
		Services:         service.New(service.Options{Backend: backend, Timeout: cfg.Service.Timeout, Logger: d.log}),
		Killer:           o.killer,
		Desktop:          o.desktop,
		Timers:           timers.New(d.log),
		Preferences:      d.managerPreferences,
		LinkService:      cfg.Service.Name,
		RelaunchDelay:    cfg.Recovery.RelaunchDelay,
		FocusInterval:    cfg.Recovery.FocusInterval,
		RecoveryInterval: cfg.Recovery.MinInterval,
		RecoveryBurst:    cfg.Recovery.Burst,
		Logger:           d.log,
	})
	d.resources = metrics.NewResourceCollector(cfg.Metrics.Resources)
	return d, nil
}

// newBackend picks the service backend. The memory backend starts with the
// link service registered, stopped and on manual startup.
func newBackend(c config.ServiceConfig) service.Backend {
	if c.Backend == "memory" {
		b := service.NewMemoryBackend()
		b.Add(c.Name, service.Stopped, service.Manual)
		return b
	}
	return service.NewSystemBackend()
}

func (d *Daemon) managerPreferences() manager.Preferences {
	p := d.prefs.Get()
	return manager.Preferences{
		ExitLinkOnSteamVRExit: p.ExitLinkOnSteamVRExit,
		SteamVRFocusFix:       p.SteamVRFocusFix,
	}
}

func (d *Daemon) Manager() *manager.Manager            { return d.mgr }
func (d *Daemon) Preferences() *config.PreferenceStore { return d.prefs }
func (d *Daemon) Logger() *slog.Logger                 { return d.log }
func (d *Daemon) Status() Status                       { return d.mgr.Status() }

// APIAddr returns the bound API address, or "" when the server is off.
func (d *Daemon) APIAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.api == nil {
		return ""
	}
	return d.api.Addr
}

// Start opens history sinks, registers metrics, starts the manager and
// binds the configured listeners. On error everything started so far is
// torn down.
func (d *Daemon) Start(ctx context.Context) (err error) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.mu.Unlock()

	defer func() {
		if err != nil {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = d.Shutdown(sctx)
		}
	}()

	if d.cfg.History.Enabled {
		sinks, err := factory.NewSinks(d.cfg.History.DSNs)
		if err != nil {
			return err
		}
		d.mgr.SetHistorySinks(sinks...)
	}

	if d.cfg.Metrics.Enabled {
		if err := metrics.Register(d.reg); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		if err := d.resources.RegisterMetrics(d.reg); err != nil {
			return fmt.Errorf("register resource metrics: %w", err)
		}
	}

	if err := d.mgr.Start(ctx); err != nil {
		return err
	}
	d.resources.Start(runCtx, d.mgr.TrackedPIDs)

	if path := d.cfg.Path(); path != "" {
		if err := d.prefs.Watch(runCtx, path, d.log); err != nil {
			d.log.Warn("preference reload disabled", "path", path, "error", err)
		}
	}

	if d.cfg.Metrics.Enabled && d.cfg.Metrics.Listen != "" {
		srv, err := ServeMetrics(d.cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics listen %s: %w", d.cfg.Metrics.Listen, err)
		}
		d.mu.Lock()
		d.metrics = srv
		d.mu.Unlock()
		d.log.Info("metrics listening", "addr", srv.Addr)
	}

	if d.cfg.Server.Enabled {
		r := iapi.NewRouter(d.mgr, d.cfg.Server.BasePath).WithResources(d.resources)
		if d.cfg.Metrics.Enabled && d.cfg.Metrics.Listen == "" {
			r = r.WithMetrics()
		}
		srv, err := iapi.NewServer(d.cfg.Server.Listen, r)
		if err != nil {
			return fmt.Errorf("api listen %s: %w", d.cfg.Server.Listen, err)
		}
		d.mu.Lock()
		d.api = srv
		d.mu.Unlock()
		d.log.Info("api listening", "addr", srv.Addr, "base", d.cfg.Server.BasePath)
	}
	return nil
}

// Run starts the daemon and blocks until ctx ends, then shuts down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return d.Shutdown(sctx)
}

// Shutdown stops the listeners first so no command races the manager's
// teardown, then the manager, then the log file.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	api, msrv, cancel := d.api, d.metrics, d.cancel
	d.api, d.metrics, d.cancel = nil, nil, nil
	d.mu.Unlock()

	var errs []error
	for _, srv := range []*http.Server{api, msrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	if cancel != nil {
		cancel()
	}
	d.resources.Stop()
	if err := d.mgr.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	d.log.Info("daemon stopped")
	if d.logCloser != nil {
		if err := d.logCloser.Close(); err != nil {
			errs = append(errs, err)
		}
		d.logCloser = nil
	}
	return errors.Join(errs...)
}
