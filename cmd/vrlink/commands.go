package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/loykin/vrlink/internal/manager"
	"github.com/loykin/vrlink/internal/procwatch"
	"github.com/loykin/vrlink/internal/runstate"
	"github.com/loykin/vrlink/pkg/client"
)

type command struct {
	global *GlobalFlags
	out    io.Writer
	lister procwatch.Lister
}

func newCommand(global *GlobalFlags) command {
	return command{global: global, out: os.Stdout, lister: procwatch.SystemLister{}}
}

// connect builds a client for f and fails early when nothing answers.
func (c command) connect(ctx context.Context, f APIFlags) (*client.Client, error) {
	configPath := ""
	if c.global != nil {
		configPath = c.global.ConfigPath
	}
	apiURL, err := resolveAPIURL(f.APIUrl, configPath)
	if err != nil {
		return nil, err
	}
	api := client.New(client.Config{BaseURL: apiURL, Timeout: f.APITimeout})
	if !api.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'vrlink serve'", apiURL)
	}
	return api, nil
}

func (c command) Status(ctx context.Context, f StatusFlags) error {
	api, err := c.connect(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	if f.App != "" {
		st, err := api.App(ctx, f.App)
		if err != nil {
			return err
		}
		printJSON(c.out, st)
		return nil
	}
	st, err := api.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

// Service runs one service operation: state, start, stop or startup.
func (c command) Service(ctx context.Context, op, name string, f ServiceFlags) error {
	api, err := c.connect(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	var st client.ServiceStatus
	switch op {
	case "state":
		st, err = api.Service(ctx, name)
	case "start":
		st, err = api.StartService(ctx, name)
	case "stop":
		st, err = api.StopService(ctx, name)
	case "startup":
		if f.Mode == "" {
			return fmt.Errorf("--mode is required (automatic or manual)")
		}
		st, err = api.SetStartup(ctx, name, f.Mode)
	default:
		return fmt.Errorf("unknown service operation %q", op)
	}
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

// Link runs start, stop, reset or recover against the link service.
func (c command) Link(ctx context.Context, op string, f APIFlags) error {
	api, err := c.connect(ctx, f)
	if err != nil {
		return err
	}
	var st client.LinkStatus
	switch op {
	case "start":
		st, err = api.StartLink(ctx)
	case "stop":
		st, err = api.StopLink(ctx)
	case "reset":
		st, err = api.ResetLink(ctx)
	case "recover":
		st, err = api.RunRecovery(ctx)
	default:
		return fmt.Errorf("unknown link operation %q", op)
	}
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c command) Timers(ctx context.Context, f APIFlags) error {
	api, err := c.connect(ctx, f)
	if err != nil {
		return err
	}
	list, err := api.Timers(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, list)
	return nil
}

// Ignore lists, adds or removes watcher ignore entries.
func (c command) Ignore(ctx context.Context, op, name string, f APIFlags) error {
	api, err := c.connect(ctx, f)
	if err != nil {
		return err
	}
	switch op {
	case "add":
		err = api.Ignore(ctx, name)
	case "remove":
		err = api.Unignore(ctx, name)
	case "list":
	default:
		return fmt.Errorf("unknown ignore operation %q", op)
	}
	if err != nil {
		return err
	}
	list, err := api.Ignored(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, list)
	return nil
}

func (c command) History(ctx context.Context, f HistoryFlags) error {
	api, err := c.connect(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	events, err := api.History(ctx, f.Limit)
	if err != nil {
		return err
	}
	printJSON(c.out, events)
	return nil
}

type scanResult struct {
	Compositor []runstate.Entry       `json:"compositor"`
	Runtime    []runstate.Entry       `json:"runtime"`
	Install    manager.RuntimeInstall `json:"runtime_install"`
	Others     []procwatch.Proc       `json:"others,omitempty"`
}

// Scan inspects the local process table without a daemon and reports what
// the trackers would see.
func (c command) Scan(ctx context.Context, f ScanFlags) error {
	procs, err := c.lister.List(ctx)
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}
	comp := runstate.New(manager.CompositorApp, runstate.CompositorNames, nil)
	rt := runstate.New(manager.RuntimeApp, runstate.RuntimeNames, nil)
	comp.Seed(procs)
	rt.Seed(procs)

	res := scanResult{
		Compositor: comp.Snapshot(),
		Runtime:    rt.Snapshot(),
		Install:    manager.DetectRuntimeInstall(),
	}
	if f.All {
		for _, p := range procs {
			if !comp.Tracks(p.Name) && !rt.Tracks(p.Name) {
				res.Others = append(res.Others, p)
			}
		}
		sort.Slice(res.Others, func(i, j int) bool {
			return strings.ToLower(res.Others[i].Name) < strings.ToLower(res.Others[j].Name)
		})
	}
	printJSON(c.out, res)
	return nil
}
