package client

import "time"

// ProcessEntry is one tracked executable.
type ProcessEntry struct {
	Name  string    `json:"name"`
	State string    `json:"state"`
	PID   int       `json:"pid,omitempty"`
	Since time.Time `json:"since,omitempty"`
}

// AppStatus is the run state of one application family.
type AppStatus struct {
	App              string         `json:"app"`
	Running          bool           `json:"running"`
	SuppressionArmed bool           `json:"suppression_armed"`
	Processes        []ProcessEntry `json:"processes"`
}

// LinkStatus is the state of the link service.
type LinkStatus struct {
	Service    string `json:"service"`
	Registered bool   `json:"registered"`
	State      string `json:"state"`
	Startup    string `json:"startup"`
}

type WatcherStatus struct {
	Running bool     `json:"running"`
	Error   string   `json:"error,omitempty"`
	Ignored []string `json:"ignored"`
}

type Preferences struct {
	ExitLinkOnSteamVRExit bool `json:"exit_link_on_steamvr_exit"`
	SteamVRFocusFix       bool `json:"steamvr_focus_fix"`
}

type PendingTask struct {
	Name string    `json:"name"`
	Due  time.Time `json:"due"`
}

type RecoveryReport struct {
	At      time.Time `json:"at"`
	Trigger string    `json:"trigger"`
	Outcome string    `json:"outcome"`
	Errors  []string  `json:"errors,omitempty"`
}

// Status is the daemon-wide view returned by GET /status.
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

// ServiceStatus is returned by the /services endpoints.
type ServiceStatus struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Startup string `json:"startup"`
}

type TimerInfo struct {
	ID        string        `json:"id"`
	Interval  time.Duration `json:"interval"`
	Repeating bool          `json:"repeating"`
	Enabled   bool          `json:"enabled"`
	Fires     uint64        `json:"fires"`
}

type HistoryRecord struct {
	App    string `json:"app"`
	Name   string `json:"name"`
	PID    int    `json:"pid"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type HistoryEvent struct {
	Type       string        `json:"type"`
	OccurredAt time.Time     `json:"occurred_at"`
	Record     HistoryRecord `json:"record"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
