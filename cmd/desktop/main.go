// Package main provides the fieldmap command: a local sync server for
// offline-first plant photo uploads, plus one-shot queue commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldmap/backend/internal/app"
	"github.com/kimhsiao/fieldmap/backend/internal/config"
)

// cli holds state shared by all commands.
type cli struct {
	configPath string
	logLevel   string
	offline    bool
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "fieldmap",
		Short: "Offline-first plant photo sync",
		Long: `fieldmap uploads geotagged plant photos to the records service.

Photos taken while offline are kept in a durable local queue and replayed
when connectivity returns. Run 'fieldmap serve' for the local API, websocket
feed and inbox watcher, or use the one-shot commands below.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			if c.logLevel != "" {
				cfg.Log.Level = c.logLevel
			}
			c.cfg = cfg
			app.InitLogging(cfg)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default ./fieldmap.yaml or ~/.fieldmap/fieldmap.yaml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&c.offline, "offline", false, "do not contact the network; uploads are queued")

	root.AddCommand(
		newServeCmd(c),
		newUploadCmd(c),
		newReplayCmd(c),
		newRefreshCmd(c),
		newQueueCmd(c),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
