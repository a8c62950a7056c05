// Package manager coordinates the SteamVR compositor and the Meta Quest Link
// runtime: it owns both run-state trackers, the link service controller and
// the policies that react to compositor transitions.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loykin/vrlink/internal/desktop"
	"github.com/loykin/vrlink/internal/history"
	"github.com/loykin/vrlink/internal/metrics"
	"github.com/loykin/vrlink/internal/observer"
	"github.com/loykin/vrlink/internal/procwatch"
	"github.com/loykin/vrlink/internal/runstate"
	"github.com/loykin/vrlink/internal/service"
	"github.com/loykin/vrlink/internal/timers"
)

const (
	LinkService   = "OVRService"
	CompositorApp = "SteamVR"
	RuntimeApp    = "Link"

	FocusTimerID  = "SteamVR Focus Fix"
	TaskViewTitle = "Task View"

	DefaultRelaunchDelay = 2 * time.Second
	DefaultFocusInterval = time.Second
)

// Preferences are the user toggles the policies consult on every decision.
type Preferences struct {
	ExitLinkOnSteamVRExit bool `json:"exit_link_on_steamvr_exit"`
	SteamVRFocusFix       bool `json:"steamvr_focus_fix"`
}

// Options wires a Manager to its collaborators. Nil collaborators are
// replaced with the system implementations.
type Options struct {
	Watcher     *procwatch.Watcher
	Services    *service.Controller
	Killer      procwatch.Killer
	Desktop     desktop.Desktop
	Timers      *timers.Registry
	Preferences func() Preferences

	LinkService   string
	RelaunchDelay time.Duration
	FocusInterval time.Duration
	// RecoveryInterval is the minimum spacing between automatic recoveries;
	// zero disables throttling.
	RecoveryInterval time.Duration
	RecoveryBurst    int

	Logger *slog.Logger
}

// RecoveryReport summarizes the last recovery run.
type RecoveryReport struct {
	At      time.Time `json:"at"`
	Trigger string    `json:"trigger"`
	Outcome string    `json:"outcome"`
	Errors  []string  `json:"errors,omitempty"`
}

type Manager struct {
	log     *slog.Logger
	watcher *procwatch.Watcher
	svc     *service.Controller
	killer  procwatch.Killer
	desk    desktop.Desktop
	timers  *timers.Registry
	prefs   func() Preferences
	limiter *rate.Limiter

	linkService   string
	relaunchDelay time.Duration
	focusInterval time.Duration

	compositor *runstate.Tracker
	runtime    *runstate.Tracker

	cancel context.CancelFunc
	h      *handler
	tasks  *delayed

	mu           sync.Mutex
	histSinks    []history.Sink
	tokens       []*observer.Token
	started      bool
	closed       bool
	watchErr     error
	lastRecovery *RecoveryReport
}

func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Watcher == nil {
		opts.Watcher = procwatch.New(procwatch.Options{Logger: opts.Logger})
	}
	if opts.Services == nil {
		opts.Services = service.New(service.Options{Logger: opts.Logger})
	}
	if opts.Killer == nil {
		opts.Killer = procwatch.SystemKiller{}
	}
	if opts.Desktop == nil {
		opts.Desktop = desktop.System()
	}
	if opts.Timers == nil {
		opts.Timers = timers.New(opts.Logger)
	}
	if opts.Preferences == nil {
		opts.Preferences = func() Preferences { return Preferences{} }
	}
	if opts.LinkService == "" {
		opts.LinkService = LinkService
	}
	if opts.RelaunchDelay <= 0 {
		opts.RelaunchDelay = DefaultRelaunchDelay
	}
	if opts.FocusInterval <= 0 {
		opts.FocusInterval = DefaultFocusInterval
	}

	var limiter *rate.Limiter
	if opts.RecoveryInterval > 0 {
		burst := opts.RecoveryBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Every(opts.RecoveryInterval), burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:           opts.Logger.With("component", "manager"),
		watcher:       opts.Watcher,
		svc:           opts.Services,
		killer:        opts.Killer,
		desk:          opts.Desktop,
		timers:        opts.Timers,
		prefs:         opts.Preferences,
		limiter:       limiter,
		linkService:   opts.LinkService,
		relaunchDelay: opts.RelaunchDelay,
		focusInterval: opts.FocusInterval,
		compositor:    runstate.New(CompositorApp, runstate.CompositorNames, opts.Logger),
		runtime:       runstate.New(RuntimeApp, runstate.RuntimeNames, opts.Logger),
		cancel:        cancel,
		tasks:         newDelayed(ctx),
	}
	m.h = newHandler(m.exec)
	go m.h.run(ctx)
	return m
}

// SetHistorySinks configures external history sinks (SQLite, Postgres,
// ClickHouse, OpenSearch). Passing nil or no sinks clears the list.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.mu.Lock()
	m.histSinks = append([]history.Sink(nil), sinks...)
	m.mu.Unlock()
}

// HistoryReader returns the first configured sink that can be queried.
func (m *Manager) HistoryReader() (history.Reader, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.histSinks {
		if r, ok := s.(history.Reader); ok {
			return r, true
		}
	}
	return nil, false
}

func (m *Manager) record(t history.EventType, rec history.Record) {
	m.mu.Lock()
	sinks := append([]history.Sink(nil), m.histSinks...)
	m.mu.Unlock()
	if len(sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = history.SendAll(ctx, sinks, history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec})
}

// Start registers the link service, wires the policies and starts the
// watcher, seeding both trackers from the watcher's baseline listing. A
// watcher that cannot start leaves the manager usable for explicit commands;
// the error is logged and kept for Status.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if err := m.svc.Register(m.linkService); err != nil {
		m.log.Warn("link service unavailable; link commands will fail", "service", m.linkService, "error", err)
	}

	tokens := []*observer.Token{
		m.watcher.Subscribe(m.onSignal),
		m.compositor.OnChange(m.onCompositorChange),
		m.compositor.OnChange(m.recordTransition),
		m.runtime.OnChange(m.recordTransition),
	}
	m.mu.Lock()
	m.tokens = tokens
	m.mu.Unlock()

	if err := m.timers.Create(FocusTimerID, m.focusInterval, m.focusTick, true); err != nil && !errors.Is(err, timers.ErrExists) {
		m.log.Warn("focus fix timer unavailable", "error", err)
	}

	err := m.watcher.StartSeeded(ctx, func(procs []procwatch.Proc) {
		m.compositor.Seed(procs)
		m.runtime.Seed(procs)
	})
	if err != nil {
		m.log.Warn("initial process scan failed; trackers start as not running", "error", err)
		m.mu.Lock()
		m.watchErr = err
		m.mu.Unlock()
		return nil
	}
	if m.compositor.IsRunning(runstate.VRServer) {
		m.startFocusFix()
	}
	m.log.Info("manager started",
		"compositor_running", m.compositor.IsRunning(runstate.VRServer),
		"runtime_running", m.runtime.AnyRunning(),
		"link", m.svc.GetState(m.linkService))
	return nil
}

func (m *Manager) onSignal(sig procwatch.Signal) {
	m.compositor.Handle(sig)
	m.runtime.Handle(sig)
}

func (m *Manager) recordTransition(c runstate.Change) {
	m.record(history.EventTransition, history.Record{
		App:  c.App,
		Name: c.Name,
		PID:  c.PID,
		From: c.From.String(),
		To:   c.To.String(),
	})
}

// onCompositorChange runs on the watcher goroutine and must not block.
func (m *Manager) onCompositorChange(c runstate.Change) {
	if c.Name != runstate.VRServer {
		return
	}
	suppressed := m.compositor.ConsumeSuppression()
	switch c.To {
	case runstate.Running:
		m.startFocusFix()
	case runstate.NotRunning:
		m.stopFocusFix()
		m.maybeRecover(suppressed)
	}
}

func (m *Manager) maybeRecover(suppressed bool) {
	outcome := ""
	switch {
	case suppressed:
		outcome = "suppressed"
	case !m.prefs().ExitLinkOnSteamVRExit:
		outcome = "disabled"
	case m.limiter != nil && !m.limiter.Allow():
		outcome = "throttled"
	case !m.h.post(CtrlRecover):
		outcome = "dropped"
	}
	if outcome == "" {
		m.log.Info("compositor exited; recovery queued")
		return
	}
	m.log.Info("compositor exited; recovery skipped", "reason", outcome)
	metrics.IncRecovery(outcome)
}

func (m *Manager) exec(ctx context.Context, t CtrlType) error {
	switch t {
	case CtrlStartLink:
		return m.startLink(ctx)
	case CtrlStopLink:
		return m.stopLink(ctx)
	case CtrlResetLink:
		return m.resetLink(ctx)
	case CtrlRecover:
		return m.runRecovery(ctx, "compositor_exit")
	case CtrlCloseCompositor:
		return m.runRecovery(ctx, "request")
	}
	return fmt.Errorf("unknown control message %d", t)
}

// StartLink starts the link service unless it is running.
func (m *Manager) StartLink(ctx context.Context) error { return m.h.call(ctx, CtrlStartLink) }

// StopLink stops the link service if it is running.
func (m *Manager) StopLink(ctx context.Context) error { return m.h.call(ctx, CtrlStopLink) }

// ResetLink restarts the link service if it is running.
func (m *Manager) ResetLink(ctx context.Context) error { return m.h.call(ctx, CtrlResetLink) }

// CloseCompositorAndResetLink runs the recovery sequence on request.
func (m *Manager) CloseCompositorAndResetLink(ctx context.Context) error {
	return m.h.call(ctx, CtrlCloseCompositor)
}

func (m *Manager) startLink(ctx context.Context) error {
	if m.svc.GetState(m.linkService) == service.Running {
		return nil
	}
	err := m.svc.Start(ctx, m.linkService)
	m.recordLink("start", err)
	return err
}

func (m *Manager) stopLink(ctx context.Context) error {
	if m.svc.GetState(m.linkService) != service.Running {
		return nil
	}
	m.armIfCompositorRunning()
	err := m.svc.Stop(ctx, m.linkService)
	m.recordLink("stop", err)
	return err
}

func (m *Manager) resetLink(ctx context.Context) error {
	if m.svc.GetState(m.linkService) != service.Running {
		return nil
	}
	m.armIfCompositorRunning()
	err := m.svc.Stop(ctx, m.linkService)
	if err == nil {
		err = m.svc.Start(ctx, m.linkService)
	}
	m.recordLink("reset", err)
	return err
}

// armIfCompositorRunning arms the latch only when a compositor exit is
// actually expected, so an idle latch cannot swallow a later crash.
func (m *Manager) armIfCompositorRunning() bool {
	if !m.compositor.IsRunning(runstate.VRServer) {
		return false
	}
	m.compositor.ArmSuppression()
	return true
}

func (m *Manager) recordLink(op string, err error) {
	reason := op
	if err != nil {
		reason = op + ": " + err.Error()
		m.log.Warn("link command failed", "op", op, "service", m.linkService, "error", err)
	} else {
		m.log.Info("link command done", "op", op, "service", m.linkService)
	}
	m.record(history.EventLink, history.Record{App: RuntimeApp, Name: m.linkService, Reason: reason})
}

// runRecovery closes the compositor family, stops the link and schedules the
// relaunch. Each step's failure is logged and the sequence continues.
func (m *Manager) runRecovery(ctx context.Context, trigger string) error {
	var errs []error
	step := func(name string, err error) {
		if err != nil {
			m.log.Warn("recovery step failed", "step", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("close compositor", m.killCompositor(ctx))
	step("stop link", m.stopLink(ctx))
	// processes can respawn while the service shuts down
	step("close compositor", m.killCompositor(ctx))

	m.tasks.schedule("start link", m.relaunchDelay, func(ctx context.Context) {
		if err := m.h.call(ctx, CtrlStartLink); err != nil && ctx.Err() == nil {
			m.log.Warn("delayed link start failed", "error", err)
		}
	})

	rep := &RecoveryReport{At: time.Now(), Trigger: trigger, Outcome: "ok"}
	if len(errs) > 0 {
		rep.Outcome = "partial"
		for _, e := range errs {
			rep.Errors = append(rep.Errors, e.Error())
		}
	}
	m.mu.Lock()
	m.lastRecovery = rep
	m.mu.Unlock()
	metrics.IncRecovery(rep.Outcome)
	m.record(history.EventRecovery, history.Record{App: CompositorApp, Name: runstate.VRServer, Reason: rep.Outcome})
	m.log.Info("recovery sequence ran; link relaunch scheduled", "trigger", trigger, "outcome", rep.Outcome, "delay", m.relaunchDelay)
	return errors.Join(errs...)
}

func (m *Manager) killCompositor(ctx context.Context) error {
	// a running vrserver is about to exit because of us
	wasArmed := m.compositor.SuppressionArmed()
	armed := m.armIfCompositorRunning() && !wasArmed
	var errs []error
	serverKilled := 0
	for _, name := range []string{runstate.VRServer, runstate.VRMonitor} {
		n, err := m.killer.KillByName(ctx, name)
		if err != nil {
			errs = append(errs, err)
		}
		if name == runstate.VRServer {
			serverKilled = n
		}
	}
	if armed && serverKilled == 0 {
		m.compositor.ConsumeSuppression()
	}
	return errors.Join(errs...)
}

func (m *Manager) startFocusFix() {
	if err := m.timers.Start(FocusTimerID); err != nil {
		m.log.Debug("focus fix timer not started", "error", err)
	}
}

func (m *Manager) stopFocusFix() {
	if err := m.timers.Stop(FocusTimerID); err != nil {
		m.log.Debug("focus fix timer not stopped", "error", err)
	}
}

// focusTick brings the SteamVR monitor back to the front when Windows Task
// View has stolen focus.
func (m *Manager) focusTick(time.Time) {
	if !m.compositor.IsRunning(runstate.VRServer) || !m.prefs().SteamVRFocusFix {
		return
	}
	title, err := m.desk.ForegroundTitle()
	if err != nil || title != TaskViewTitle {
		return
	}
	pid := m.compositor.PIDs()[runstate.VRMonitor]
	if pid == 0 {
		return
	}
	if err := m.desk.FocusProcess(int(pid)); err != nil {
		m.log.Debug("focus fix failed", "pid", pid, "error", err)
		return
	}
	m.log.Debug("focus restored to SteamVR monitor", "pid", pid)
}

// Shutdown cancels pending delayed tasks, stops the watcher, disposes timers
// and closes services and history sinks.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tokens := m.tokens
	m.tokens = nil
	sinks := m.histSinks
	m.histSinks = nil
	m.mu.Unlock()

	if n := m.tasks.cancelAll(); n > 0 {
		m.log.Info("cancelled pending tasks", "count", n)
	}
	m.cancel()
	for _, t := range tokens {
		t.Cancel()
	}
	m.watcher.Close()
	m.timers.DisposeAll()

	var errs []error
	if err := m.tasks.wait(ctx); err != nil {
		errs = append(errs, err)
	}
	select {
	case <-m.h.done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	if err := m.svc.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := history.CloseAll(sinks); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Compositor returns the SteamVR tracker.
func (m *Manager) Compositor() *runstate.Tracker { return m.compositor }

// Runtime returns the Link runtime tracker.
func (m *Manager) Runtime() *runstate.Tracker { return m.runtime }

func (m *Manager) Watcher() *procwatch.Watcher   { return m.watcher }
func (m *Manager) Services() *service.Controller { return m.svc }
func (m *Manager) Timers() *timers.Registry      { return m.timers }
func (m *Manager) Preferences() Preferences      { return m.prefs() }
func (m *Manager) PendingTasks() []PendingTask   { return m.tasks.list() }
func (m *Manager) LinkServiceName() string       { return m.linkService }

// TrackedPIDs returns the pid of every running tracked process, keyed by
// name, for the resource collector.
func (m *Manager) TrackedPIDs() map[string]int32 {
	out := m.compositor.PIDs()
	for n, p := range m.runtime.PIDs() {
		out[n] = p
	}
	return out
}
