package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/possync/internal/archive"
	"github.com/xtxerr/possync/internal/loader"
	"github.com/xtxerr/possync/internal/scheduler"
	"github.com/xtxerr/possync/internal/server"
	"github.com/xtxerr/possync/internal/store"
	possync "github.com/xtxerr/possync/internal/sync"
)

// pruneInterval is how often history retention is applied.
const pruneInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run scheduled syncs",
	Long: `Serve the HTTP API and run the configured schedule until SIGINT/SIGTERM.

Endpoints:
  POST /sync               trigger a sync ({"syncType":"incremental","tables":["customers"]})
  GET  /sync               source connectivity and row counts
  GET  /sync/history       recent runs (?databaseId=north&limit=20)
  GET  /sync/history/:id   one run
  GET  /sync/events        WebSocket stream of run events
  GET  /healthz            destination health`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}
	defer closeLog()

	log.Info("possyncd starting", "version", Version, "sources", len(cfg.Sources))

	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	a.hub.Start()
	defer a.hub.Stop()

	srv, err := server.New(server.Config{
		Listen:          cfg.Listen,
		Tokens:          cfg.Tokens(),
		ShutdownTimeout: cfg.ShutdownTimeout.Duration(),
		Syncer:          a.orch,
		Prober:          a.prober,
		History:         a.store,
		Health:          a.store,
		Events:          a.hub,
	})
	if err != nil {
		return err
	}
	if len(cfg.Auth.Tokens) == 0 {
		log.Warn("no auth tokens configured, API is unauthenticated")
	}

	sched := scheduler.New(scheduler.DefaultConfig(), func(ctx context.Context, e scheduler.Entry) error {
		return runScheduled(ctx, a.orch, e)
	})
	for _, e := range cfg.ScheduleEntries() {
		if err := sched.Add(e); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	if cfg.History.Retention > 0 || cfg.History.ArchiveRetention > 0 {
		g.Go(func() error {
			pruneLoop(ctx, a.store, cfg.History)
			return nil
		})
	}

	err = g.Wait()
	log.Info("possyncd stopped")
	return err
}

// runScheduled runs one schedule entry. A failed run is an error so the
// scheduler counts it; partial runs are not.
func runScheduled(ctx context.Context, orch *possync.Orchestrator, e scheduler.Entry) error {
	req := e.Request
	req.Trigger = e.Trigger()

	rep, err := orch.Run(ctx, req)
	if err != nil {
		return err
	}
	if rep.Summary.Status == possync.StatusFailed {
		return fmt.Errorf("run %s failed with %d errors", rep.Summary.RunID, rep.Summary.ErrorCount)
	}
	return nil
}

// pruneLoop applies history retention to the database and the archive,
// once at start and then every pruneInterval.
func pruneLoop(ctx context.Context, st *store.Store, h loader.HistoryConfig) {
	prune := func() {
		if retention := h.Retention.Duration(); retention > 0 {
			n, err := st.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Warn("prune history failed", "error", err)
			} else if n > 0 {
				log.Info("pruned history", "runs", n, "retention", retention)
			}
		}
		if retention := h.ArchiveRetention.Duration(); retention > 0 {
			res := archive.Cleanup(h.ArchiveDir, time.Now().Add(-retention), false)
			for _, err := range res.Errors {
				log.Warn("archive cleanup failed", "error", err)
			}
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			prune()
		case <-ctx.Done():
			return
		}
	}
}
