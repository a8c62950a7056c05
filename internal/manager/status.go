package manager

import (
	"time"

	"github.com/loykin/vrlink/internal/runstate"
	"github.com/loykin/vrlink/internal/service"
)

type AppStatus struct {
	App              string           `json:"app"`
	Running          bool             `json:"running"`
	SuppressionArmed bool             `json:"suppression_armed"`
	Processes        []runstate.Entry `json:"processes"`
}

type LinkStatus struct {
	Service    string              `json:"service"`
	Registered bool                `json:"registered"`
	State      service.State       `json:"state"`
	Startup    service.StartupMode `json:"startup"`
}

type WatcherStatus struct {
	Running bool     `json:"running"`
	Error   string   `json:"error,omitempty"`
	Ignored []string `json:"ignored"`
}

// Status is a point-in-time view of everything the manager coordinates.
type Status struct {
	Compositor   AppStatus       `json:"compositor"`
	Runtime      AppStatus       `json:"runtime"`
	Link         LinkStatus      `json:"link"`
	Watcher      WatcherStatus   `json:"watcher"`
	Preferences  Preferences     `json:"preferences"`
	Pending      []PendingTask   `json:"pending"`
	LastRecovery *RecoveryReport `json:"last_recovery,omitempty"`
	At           time.Time       `json:"at"`
}

func appStatus(t *runstate.Tracker) AppStatus {
	return AppStatus{
		App:              t.App(),
		Running:          t.AnyRunning(),
		SuppressionArmed: t.SuppressionArmed(),
		Processes:        t.Snapshot(),
	}
}

// App returns the status of one tracker: "compositor" or "runtime". The
// tracker's app name is accepted too.
func (m *Manager) App(name string) (AppStatus, bool) {
	switch name {
	case "compositor", "steamvr", CompositorApp:
		return appStatus(m.compositor), true
	case "runtime", "link", RuntimeApp:
		return appStatus(m.runtime), true
	}
	return AppStatus{}, false
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	watchErr := m.watchErr
	var last *RecoveryReport
	if m.lastRecovery != nil {
		cp := *m.lastRecovery
		last = &cp
	}
	m.mu.Unlock()

	ws := WatcherStatus{Running: m.watcher.Running(), Ignored: m.watcher.Ignored()}
	if watchErr != nil {
		ws.Error = watchErr.Error()
	}
	return Status{
		Compositor: appStatus(m.compositor),
		Runtime:    appStatus(m.runtime),
		Link: LinkStatus{
			Service:    m.linkService,
			Registered: m.svc.Registered(m.linkService),
			State:      m.svc.GetState(m.linkService),
			Startup:    m.svc.GetStartup(m.linkService),
		},
		Watcher:      ws,
		Preferences:  m.prefs(),
		Pending:      m.tasks.list(),
		LastRecovery: last,
		At:           time.Now(),
	}
}
