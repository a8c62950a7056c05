package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot wires every subcommand to a shared command value.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	vrCommand := newCommand(globalFlags)

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(vrCommand, &StatusFlags{}),
		createServiceCommand(vrCommand, &ServiceFlags{}),
		createLinkCommand(vrCommand, &APIFlags{}),
		createRecoverCommand(vrCommand, &APIFlags{}),
		createTimersCommand(vrCommand, &APIFlags{}),
		createIgnoreCommand(vrCommand, &APIFlags{}),
		createHistoryCommand(vrCommand, &HistoryFlags{}),
		createScanCommand(vrCommand, &ScanFlags{}),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "vrlink",
		Short: "Meta Quest Link and SteamVR lifecycle helper",
		Long: `vrlink watches SteamVR and Meta Quest Link, stops or restarts the
Link service when SteamVR exits, and keeps SteamVR windows focused.

Examples:
  vrlink serve vrlink.toml          # Start daemon
  vrlink status                     # Daemon-wide status
  vrlink link reset                 # Restart the Link service
  vrlink scan                       # Inspect local processes without a daemon`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (e.g. http://127.0.0.1:8089/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 70*time.Second, "request timeout")
}

func createStatusCommand(vrCommand command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tracker, link and watcher status",
		Long: `Show the daemon-wide status or the status of one application family.

Examples:
  vrlink status
  vrlink status --app=compositor
  vrlink status --api-url=http://127.0.0.1:8089/api`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return vrCommand.Status(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.App, "app", "", "compositor or runtime (optional)")
	addAPIFlags(cmd, &flags.APIFlags)
	return cmd
}

func createServiceCommand(vrCommand command, flags *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Query and control host services",
		Long: `Query or control a host service by name through the daemon.

Examples:
  vrlink service state OVRService
  vrlink service start OVRService
  vrlink service startup OVRService --mode=manual`,
	}
	for _, op := range []struct{ use, short string }{
		{"state", "Show a service's state and startup mode"},
		{"start", "Start a service and wait for it to run"},
		{"stop", "Stop a service and wait for it to stop"},
		{"startup", "Change a service's startup mode (requires elevation)"},
	} {
		sub := &cobra.Command{
			Use:   op.use + " NAME",
			Short: op.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return vrCommand.Service(cmd.Context(), op.use, args[0], *flags)
			},
		}
		if op.use == "startup" {
			sub.Flags().StringVar(&flags.Mode, "mode", "", "automatic or manual (required)")
			if err := sub.MarkFlagRequired("mode"); err != nil {
				panic(err)
			}
		}
		addAPIFlags(sub, &flags.APIFlags)
		cmd.AddCommand(sub)
	}
	return cmd
}

func createLinkCommand(vrCommand command, flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Start, stop or reset the Link service",
		Long: `Control the Meta Quest Link service. Stopping it while SteamVR runs
keeps the resulting SteamVR exit from triggering a recovery.

Examples:
  vrlink link start
  vrlink link stop
  vrlink link reset`,
	}
	for _, op := range []struct{ use, short string }{
		{"start", "Start the Link service"},
		{"stop", "Stop the Link service"},
		{"reset", "Stop then start the Link service if it is running"},
	} {
		sub := &cobra.Command{
			Use:   op.use,
			Short: op.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return vrCommand.Link(cmd.Context(), op.use, *flags)
			},
		}
		addAPIFlags(sub, flags)
		cmd.AddCommand(sub)
	}
	return cmd
}

func createRecoverCommand(vrCommand command, flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Close SteamVR and restart the Link service",
		Long: `Kill the SteamVR processes, stop the Link service and start it again
after the configured relaunch delay.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return vrCommand.Link(cmd.Context(), "recover", *flags)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createTimersCommand(vrCommand command, flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timers",
		Short: "List the daemon's named timers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return vrCommand.Timers(cmd.Context(), *flags)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createIgnoreCommand(vrCommand command, flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ignore",
		Short: "Manage executables the process watcher skips",
		Long: `Executables on the ignore list never produce start or exit signals.

Examples:
  vrlink ignore list
  vrlink ignore add chrome.exe
  vrlink ignore remove chrome.exe`,
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "Show ignored executables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return vrCommand.Ignore(cmd.Context(), "list", "", *flags)
		},
	}
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Ignore an executable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return vrCommand.Ignore(cmd.Context(), "add", args[0], *flags)
		},
	}
	remove := &cobra.Command{
		Use:   "remove NAME",
		Short: "Stop ignoring an executable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return vrCommand.Ignore(cmd.Context(), "remove", args[0], *flags)
		},
	}
	for _, sub := range []*cobra.Command{list, add, remove} {
		addAPIFlags(sub, flags)
		cmd.AddCommand(sub)
	}
	return cmd
}

func createHistoryCommand(vrCommand command, flags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent state transitions and link commands",
		Long: `Show the newest history events. Requires a queryable history sink
(sqlite or postgres) in the daemon's config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return vrCommand.History(cmd.Context(), *flags)
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 20, "number of events")
	addAPIFlags(cmd, &flags.APIFlags)
	return cmd
}

func createScanCommand(vrCommand command, flags *ScanFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Inspect local VR processes without a daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return vrCommand.Scan(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.All, "all", false, "include untracked processes")
	return cmd
}
