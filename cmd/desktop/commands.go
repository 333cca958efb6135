package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/fieldmap/backend/internal/app"
	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
	"github.com/kimhsiao/fieldmap/backend/internal/inbox"
	"github.com/kimhsiao/fieldmap/backend/internal/logging"
	"github.com/kimhsiao/fieldmap/backend/internal/models"
	syncpkg "github.com/kimhsiao/fieldmap/backend/internal/sync"
	"github.com/kimhsiao/fieldmap/backend/internal/sync/scheduler"
)

const shutdownTimeout = 5 * time.Second

func (c *cli) open() (*app.App, error) {
	return app.New(c.cfg, app.Options{ForceOffline: c.offline})
}

// requireOnline probes connectivity for one-shot commands.
func requireOnline(ctx context.Context, a *app.App) error {
	if !a.CheckOnline(ctx) {
		return apperrors.New(apperrors.ErrOffline, "records service is unreachable")
	}
	return nil
}

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local API, websocket feed, scheduler and inbox watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app.App) error {
	cfg := a.Config

	hub := NewWSHub()
	defer hub.Close()
	a.Notifier.Add(hub)
	stopWatch := hub.WatchCache(a.Cache)
	defer stopWatch()

	if n, err := a.Engine.Restore(ctx); err != nil {
		logging.Error("Failed to restore queued plants", err)
	} else if n > 0 {
		logging.Info("Queued plants restored", map[string]interface{}{"count": n})
	}
	if a.CheckOnline(ctx) {
		if _, err := a.Engine.Refresh(ctx); err != nil {
			logging.Warn("Initial refresh failed", map[string]interface{}{"error": err.Error()})
		}
	}

	sched := scheduler.NewScheduler(a.Engine, a.Signal, a.Notifier, &scheduler.SchedulerConfig{
		LiveEnabled:   cfg.Live.Enabled,
		LiveInterval:  cfg.Live.Interval,
		RetryInterval: cfg.Queue.RetryInterval,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(a, hub, sched),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("fieldmap server starting", map[string]interface{}{"addr": cfg.Server.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.Prober != nil {
		g.Go(func() error { return a.Prober.Run(gctx) })
	}

	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	if cfg.Inbox.Dir != "" {
		w, err := inbox.NewWatcher(cfg.Inbox.Dir, a.Engine, cfg.Inbox.Settle)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	err := g.Wait()
	logging.Info("fieldmap server stopped", nil)
	return err
}

func newUploadCmd(c *cli) *cobra.Command {
	var health, crop string

	cmd := &cobra.Command{
		Use:   "upload <files...>",
		Short: "Upload plant photos, queueing them when offline",
		Long: `Upload one or more plant photos.

File names of the form <id>_latitude_<lat>_longitude_<lon>.jpg supply a
provisional identity and position until the server computes its own.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			healthState, err := models.ParseHealthState(health)
			if err != nil {
				return err
			}
			ann := models.Annotations{HealthState: healthState, DetectedCrop: crop}

			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			a.CheckOnline(ctx)

			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(out, "FILE\tOUTCOME\tID\tJOB\tERROR")

			failed := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				res, err := a.Engine.SubmitUpload(ctx, syncpkg.UploadRequest{
					ImageName:   filepath.Base(path),
					Image:       data,
					Annotations: ann,
				})
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s\terror\t\t\t%v\n", filepath.Base(path), err)
					continue
				}
				if res.Outcome == syncpkg.OutcomeFailed {
					failed++
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n", filepath.Base(path), res.Outcome, res.Record.ID, res.JobID, res.Error)
			}
			out.Flush()

			if failed > 0 {
				return fmt.Errorf("%d of %d uploads did not sync", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&health, "health", "", "health state: healthy, pest, disease, water-stress")
	cmd.Flags().StringVar(&crop, "crop", "", "detected crop name")
	return cmd
}

func newReplayCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay queued uploads now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := requireOnline(ctx, a); err != nil {
				return err
			}
			if _, err := a.Engine.Restore(ctx); err != nil {
				return err
			}

			result, err := a.Engine.ReplayQueue(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d, failed %d, held %d (%s)\n",
				result.Synced, result.Failed, result.Skipped, result.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newRefreshCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Fetch the remote plant collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Engine.Refresh(cmd.Context())
			if err != nil {
				return err
			}

			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(out, "ID\tIMAGE\tLATITUDE\tLONGITUDE\tCREATED")
			for _, p := range a.Cache.SelectAll() {
				fmt.Fprintf(out, "%s\t%s\t%.6f\t%.6f\t%s\n", p.ID, p.ImageName, p.Latitude, p.Longitude, p.CreatedAt.Format(time.RFC3339))
			}
			out.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "%d plants\n", n)
			return nil
		},
	}
}

func newQueueCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the offline queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			jobs, err := a.Queue.ListPending(ctx)
			if err != nil {
				return err
			}
			stats, err := a.Queue.Stats(ctx)
			if err != nil {
				return err
			}

			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(out, "JOB\tPLANT\tFILE\tSTATUS\tATTEMPTS\tENQUEUED\tLAST ERROR")
			for _, j := range jobs {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					j.ID, j.PlantID, j.ImageName, j.Status, j.Attempts, j.EnqueuedAt.Format(time.RFC3339), j.LastError)
			}
			out.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "%d jobs (%d pending, %d held, %d bytes)\n",
				stats.Total, stats.Pending, stats.Held, stats.Bytes)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <job-id>",
		Short: "Release a held job and replay it once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := requireOnline(ctx, a); err != nil {
				return err
			}
			if _, err := a.Engine.Restore(ctx); err != nil {
				return err
			}
			rec, err := a.Engine.RetryJob(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Synced as %s\n", rec.ID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Delete stored photos no queued job references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Queue.Prune(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d payloads\n", n)
			return nil
		},
	})

	return cmd
}
