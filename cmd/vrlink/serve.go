package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/vrlink"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the vrlink daemon",
		Long: `Start the daemon that watches SteamVR and Meta Quest Link and serves
the HTTP API. Without a config file the built-in defaults are used.

Examples:
  vrlink serve                      # Defaults, or --config
  vrlink serve vrlink.toml          # Start with specific config file
  vrlink serve --daemonize --pidfile=vrlink.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServeCommand(cmd.Context(), serveFlags, args)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon stdout and stderr to file")
	return cmd
}

func runServeCommand(ctx context.Context, flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}

	cfg, err := vrlink.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize && !isDaemonChild() {
		pid, err := daemonize(flags.LogFile)
		if err != nil {
			return err
		}
		fmt.Printf("Daemon started with PID %d\n", pid)
		return nil
	}

	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	d, err := vrlink.New(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(d.Logger())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return err
	}
	if addr := d.APIAddr(); addr != "" {
		fmt.Printf("Starting vrlink HTTP server on %s%s\n", addr, cfg.Server.BasePath)
	}

	<-ctx.Done()
	fmt.Println("Shutting down...")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.Shutdown(sctx)
}
