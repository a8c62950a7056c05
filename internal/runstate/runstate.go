// Package runstate tracks whether the processes that make up one VR
// application are running, and tells observers when that changes.
//
// A Tracker owns a fixed set of process names, matched case-insensitively.
// State moves only on watcher signals for those names and observers hear
// about a name only when its running boolean flips. Each tracker also holds
// a one-shot suppression latch that the link controller arms before a
// deliberate compositor shutdown.
package runstate

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/vrlink/internal/metrics"
	"github.com/loykin/vrlink/internal/observer"
	"github.com/loykin/vrlink/internal/procwatch"
)

// Process names of the compositor (SteamVR) and runtime (Meta Quest Link).
const (
	Steam     = "steam.exe"
	VRServer  = "vrserver.exe"
	VRMonitor = "vrmonitor.exe"

	OculusClient = "OculusClient.exe"
	OVRServer    = "OVRServer_x64.exe"
	OVRRedir     = "OVRRedir.exe"
)

var (
	CompositorNames = []string{Steam, VRServer, VRMonitor}
	RuntimeNames    = []string{OculusClient, OVRServer, OVRRedir}
)

type State int

const (
	Unknown State = iota
	NotRunning
	Running
)

func (s State) String() string {
	switch s {
	case NotRunning:
		return "not_running"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, c := range []State{Unknown, NotRunning, Running} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("invalid run state %q", b)
}

// Change is delivered to observers when a tracked name flips.
type Change struct {
	App  string    `json:"app"`
	Name string    `json:"name"`
	PID  int       `json:"pid"`
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Entry is the current state of one tracked name.
type Entry struct {
	Name  string    `json:"name"`
	State State     `json:"state"`
	PID   int       `json:"pid,omitempty"`
	Since time.Time `json:"since"`
}

type Tracker struct {
	app string
	log *slog.Logger

	mu      sync.RWMutex
	names   []string          // canonical, in construction order
	byLower map[string]string // lowercase -> canonical
	entries map[string]*Entry

	observers  observer.List[Change]
	suppressed atomic.Bool
}

// New returns a tracker for app with every name NotRunning.
func New(app string, names []string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		app:     app,
		log:     logger.With("component", "runstate", "app", app),
		byLower: make(map[string]string, len(names)),
		entries: make(map[string]*Entry, len(names)),
	}
	now := time.Now()
	for _, n := range names {
		key := strings.ToLower(n)
		if _, dup := t.byLower[key]; dup {
			continue
		}
		t.byLower[key] = n
		t.names = append(t.names, n)
		t.entries[n] = &Entry{Name: n, State: NotRunning, Since: now}
		metrics.SetRunning(app, n, false)
	}
	return t
}

func (t *Tracker) App() string { return t.app }

// Names returns the tracked names in construction order.
func (t *Tracker) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.names...)
}

// Tracks reports whether name belongs to this tracker.
func (t *Tracker) Tracks(name string) bool {
	_, ok := t.canonical(name)
	return ok
}

func (t *Tracker) canonical(name string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byLower[strings.ToLower(name)]
	return n, ok
}

// Seed sets every tracked name from a startup listing without notifying.
func (t *Tracker) Seed(procs []procwatch.Proc) {
	pids := make(map[string]int)
	for _, p := range procs {
		if n, ok := t.canonical(p.Name); ok {
			if _, seen := pids[n]; !seen {
				pids[n] = p.PID
			}
		}
	}
	now := time.Now()
	t.mu.Lock()
	for _, n := range t.names {
		e := t.entries[n]
		pid, up := pids[n]
		if up {
			e.State, e.PID = Running, pid
		} else {
			e.State, e.PID = NotRunning, 0
		}
		e.Since = now
		metrics.SetRunning(t.app, n, up)
	}
	t.mu.Unlock()
	t.log.Debug("seeded", "running", len(pids))
}

// Handle applies a watcher signal. It reports whether observers were
// notified.
func (t *Tracker) Handle(sig procwatch.Signal) bool {
	name, ok := t.canonical(sig.Name)
	if !ok {
		return false
	}
	to := NotRunning
	if sig.Kind == procwatch.Started {
		to = Running
	}
	at := sig.At
	if at.IsZero() {
		at = time.Now()
	}

	t.mu.Lock()
	e := t.entries[name]
	from := e.State
	if from == to {
		// a second instance starting, or a stray exit, keeps the first pid
		if to == NotRunning || e.PID == 0 {
			e.PID = pidFor(to, sig.PID)
		}
		t.mu.Unlock()
		return false
	}
	e.State = to
	e.PID = pidFor(to, sig.PID)
	e.Since = at
	t.mu.Unlock()

	c := Change{App: t.app, Name: name, PID: sig.PID, From: from, To: to, At: at}
	t.log.Info("state changed", "name", name, "pid", sig.PID, "from", from, "to", to)
	metrics.RecordStateTransition(t.app, name, from.String(), to.String())
	metrics.SetRunning(t.app, name, to == Running)
	t.observers.Notify(c)
	return true
}

func pidFor(s State, pid int) int {
	if s == Running {
		return pid
	}
	return 0
}

// OnChange registers fn for every state flip. Observers run on the
// goroutine that called Handle.
func (t *Tracker) OnChange(fn func(Change)) *observer.Token {
	return t.observers.Subscribe(fn)
}

// State returns the state of name, or Unknown if name is not tracked.
func (t *Tracker) State(name string) State {
	n, ok := t.canonical(name)
	if !ok {
		return Unknown
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[n].State
}

func (t *Tracker) IsRunning(name string) bool { return t.State(name) == Running }

// AnyRunning reports whether at least one tracked name is running.
func (t *Tracker) AnyRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.State == Running {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of every entry sorted by name.
func (t *Tracker) Snapshot() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PIDs returns the pid of every running name.
func (t *Tracker) PIDs() map[string]int32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int32)
	for n, e := range t.entries {
		if e.State == Running && e.PID > 0 {
			out[n] = int32(e.PID)
		}
	}
	return out
}

// ArmSuppression marks the next compositor exit as intentional.
func (t *Tracker) ArmSuppression() { t.suppressed.Store(true) }

// ConsumeSuppression clears the latch and reports whether it was armed.
func (t *Tracker) ConsumeSuppression() bool { return t.suppressed.Swap(false) }

func (t *Tracker) SuppressionArmed() bool { return t.suppressed.Load() }
