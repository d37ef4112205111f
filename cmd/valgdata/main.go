// Package main provides valgdata, the operator command for the election
// results downloader: one-off discovery and cleanup, run history and the
// entity registry.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/valgresultat/downloader/internal/app"
	"github.com/valgresultat/downloader/pkg/config"
)

var version = "dev"

// cli carries state shared by the subcommands.
type cli struct {
	output  string
	verbose bool
	format  outputFormat
	cfg     *config.Config
	app     *app.App
	stdout  io.Writer
	stderr  io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}

	rootCmd := &cobra.Command{
		Use:   "valgdata",
		Short: "Operate the election results downloader",
		Long: `valgdata runs one-off tasks against the downloader's data directory
and state database.

It can discover the entity hierarchy, prune snapshots by the retention
policy, show the recorded run history and list the known entities.
Configuration is read from the same environment variables and YAML file
as the monitor service.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseOutputFormat(c.output)
			if err != nil {
				return err
			}
			c.format = format

			level := slog.LevelInfo
			if c.verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)

			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			c.cfg = cfg

			a, err := app.New(cfg, logger, nil)
			if err != nil {
				return err
			}
			c.app = a
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.app == nil {
				return nil
			}
			return c.app.Close()
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	config.BindFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().StringVarP(&c.output, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVar(&c.verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(newDiscoverCmd(c))
	rootCmd.AddCommand(newCleanupCmd(c))
	rootCmd.AddCommand(newStatusCmd(c))
	rootCmd.AddCommand(newEntitiesCmd(c))

	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
