package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags locate the daemon. An empty URL is derived from --config, or
// falls back to the default local listener.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type StatusFlags struct {
	App string // compositor, runtime or "" for everything
	APIFlags
}

type ServiceFlags struct {
	Mode string // startup mode for "service startup"
	APIFlags
}

type HistoryFlags struct {
	Limit int
	APIFlags
}

type ScanFlags struct {
	All bool // include untracked processes
}
