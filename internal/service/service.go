// Package service wraps the host service manager into a small state machine
// with bounded wait-for-transition semantics.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/vrlink/internal/metrics"
)

var (
	ErrNotRegistered = errors.New("service not registered")
	ErrNotElevated   = errors.New("changing the startup mode requires elevation")
	ErrUnsupported   = errors.New("service control not supported on this platform")
	ErrTimeout       = errors.New("timed out waiting for service status")
	ErrInvalidMode   = errors.New("invalid startup mode")
)

// State is the observed status of a service.
type State int

const (
	NotFound State = iota
	Stopped
	StartPending
	StopPending
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case StartPending:
		return "StartPending"
	case StopPending:
		return "StopPending"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	default:
		return "NotFound"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for c := NotFound; c <= Paused; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("invalid service state %q", b)
}

// RunningLike reports whether s counts as "running" for Start/Stop idempotence.
func (s State) RunningLike() bool {
	switch s {
	case Running, Paused, StartPending, StopPending:
		return true
	}
	return false
}

// StartupMode is the boot-time start classification of a service.
type StartupMode int

const (
	StartupUnknown StartupMode = iota
	Automatic
	Manual
	Disabled
)

func (m StartupMode) String() string {
	switch m {
	case Automatic:
		return "Automatic"
	case Manual:
		return "Manual"
	case Disabled:
		return "Disabled"
	default:
		return "Unknown"
	}
}

func (m StartupMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *StartupMode) UnmarshalText(b []byte) error {
	for c := StartupUnknown; c <= Disabled; c++ {
		if c.String() == string(b) {
			*m = c
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidMode, b)
}

// ParseStartupMode accepts "auto", "automatic" or "manual" (any case).
func ParseStartupMode(s string) (StartupMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "automatic":
		return Automatic, nil
	case "manual", "demand":
		return Manual, nil
	}
	return StartupUnknown, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Handle is an open reference to one service.
type Handle interface {
	Query() (State, error)
	Start() error
	Stop() error
	StartMode() (StartupMode, error)
	Close() error
}

// Backend is the host service manager.
type Backend interface {
	Open(name string) (Handle, error)
	SetStartMode(name string, mode StartupMode) error
	IsElevated() bool
}

// Options configures a Controller.
type Options struct {
	Backend      Backend
	Timeout      time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

const (
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// Controller caches service handles by name. Handles are resolved once by
// Register; every state query goes to the host.
type Controller struct {
	backend  Backend
	timeout  time.Duration
	interval time.Duration
	log      *slog.Logger

	mu      sync.RWMutex
	handles map[string]Handle
}

func New(opts Options) *Controller {
	if opts.Backend == nil {
		opts.Backend = NewSystemBackend()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		backend:  opts.Backend,
		timeout:  opts.Timeout,
		interval: opts.PollInterval,
		log:      opts.Logger.With("component", "service"),
		handles:  make(map[string]Handle),
	}
}

// Register resolves and caches the handle for name. Calling it again for a
// registered name does nothing.
func (c *Controller) Register(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handles[name]; ok {
		return nil
	}
	h, err := c.backend.Open(name)
	if err != nil {
		c.log.Error("unable to load or find service", "service", name, "error", err)
		return fmt.Errorf("open service %s: %w", name, err)
	}
	c.handles[name] = h
	return nil
}

// Registered reports whether name has a cached handle.
func (c *Controller) Registered(name string) bool {
	_, ok := c.handle(name)
	return ok
}

func (c *Controller) handle(name string) (Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handles[name]
	return h, ok
}

// GetState queries the live status of name. Unregistered services and failed
// queries report NotFound.
func (c *Controller) GetState(name string) State {
	h, ok := c.handle(name)
	if !ok {
		return NotFound
	}
	st, err := h.Query()
	if err != nil {
		c.log.Debug("service query failed", "service", name, "error", err)
		return NotFound
	}
	return st
}

// GetStartup returns the configured startup mode of name.
func (c *Controller) GetStartup(name string) StartupMode {
	h, ok := c.handle(name)
	if !ok {
		return StartupUnknown
	}
	m, err := h.StartMode()
	if err != nil {
		c.log.Debug("service config query failed", "service", name, "error", err)
		return StartupUnknown
	}
	return m
}

// Start starts name unless it is already running-like, then waits for Running.
// Failures are logged and returned; callers should re-query GetState.
func (c *Controller) Start(ctx context.Context, name string) error {
	return c.transition(ctx, name, "start", true)
}

// Stop stops name unless it is already stopped, then waits for Stopped.
func (c *Controller) Stop(ctx context.Context, name string) error {
	return c.transition(ctx, name, "stop", false)
}

// ManageService starts or stops name and reports whether it succeeded.
func (c *Controller) ManageService(ctx context.Context, name string, start bool) bool {
	var err error
	if start {
		err = c.Start(ctx, name)
	} else {
		err = c.Stop(ctx, name)
	}
	return err == nil
}

func (c *Controller) transition(ctx context.Context, name, op string, start bool) error {
	h, ok := c.handle(name)
	if !ok {
		metrics.IncServiceOp(name, op, "unregistered")
		c.log.Warn("service not registered", "service", name, "op", op)
		return fmt.Errorf("%s %s: %w", op, name, ErrNotRegistered)
	}
	st, err := h.Query()
	if err != nil {
		metrics.IncServiceOp(name, op, "error")
		c.log.Error("unable to query service", "service", name, "op", op, "error", err)
		return fmt.Errorf("query %s: %w", name, err)
	}
	if st.RunningLike() == start {
		metrics.IncServiceOp(name, op, "noop")
		return nil
	}

	if start {
		err = h.Start()
	} else {
		err = h.Stop()
	}
	if err != nil {
		metrics.IncServiceOp(name, op, "error")
		c.log.Error("unable to "+op+" service", "service", name, "error", err)
		return fmt.Errorf("%s %s: %w", op, name, err)
	}

	want := Stopped
	if start {
		want = Running
	}
	begin := time.Now()
	err = c.waitFor(ctx, h, want)
	metrics.ObserveServiceWait(name, op, time.Since(begin).Seconds())
	if err != nil {
		metrics.IncServiceOp(name, op, "timeout")
		c.log.Error("unable to "+op+" service", "service", name, "want", want.String(), "error", err)
		return fmt.Errorf("%s %s: %w", op, name, err)
	}
	metrics.IncServiceOp(name, op, "ok")
	c.log.Info("service "+op+" complete", "service", name, "took", time.Since(begin))
	return nil
}

func (c *Controller) waitFor(ctx context.Context, h Handle, want State) error {
	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.interval)
	defer tick.Stop()
	for {
		st, err := h.Query()
		if err == nil && st == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if err != nil {
				return fmt.Errorf("%w (last query error: %v)", ErrTimeout, err)
			}
			return fmt.Errorf("%w: still %s after %s", ErrTimeout, st, c.timeout)
		case <-tick.C:
		}
	}
}

// SetStartupMode changes the boot-time classification of name. Only Automatic
// and Manual are accepted, and the process must be elevated.
func (c *Controller) SetStartupMode(name string, mode StartupMode) error {
	if mode != Automatic && mode != Manual {
		return fmt.Errorf("%w: %s", ErrInvalidMode, mode)
	}
	if !c.Registered(name) {
		c.log.Warn("service not registered", "service", name, "op", "startup")
		return fmt.Errorf("startup %s: %w", name, ErrNotRegistered)
	}
	if !c.backend.IsElevated() {
		metrics.IncServiceOp(name, "startup", "denied")
		c.log.Warn("unable to change startup mode without elevation", "service", name, "mode", mode.String())
		return ErrNotElevated
	}
	if err := c.backend.SetStartMode(name, mode); err != nil {
		metrics.IncServiceOp(name, "startup", "error")
		c.log.Error("unable to change startup mode", "service", name, "mode", mode.String(), "error", err)
		return fmt.Errorf("startup %s: %w", name, err)
	}
	metrics.IncServiceOp(name, "startup", "ok")
	c.log.Info("service startup mode changed", "service", name, "mode", mode.String())
	return nil
}

// Close releases every cached handle.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for name, h := range c.handles {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(c.handles, name)
	}
	return errors.Join(errs...)
}
