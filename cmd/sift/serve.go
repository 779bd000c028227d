package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eargollo/sift/internal/api"
	"github.com/eargollo/sift/internal/config"
	"github.com/eargollo/sift/internal/db"
	"github.com/eargollo/sift/internal/metrics"
	"github.com/eargollo/sift/internal/scan"
	"github.com/eargollo/sift/internal/scheduler"
)

// pruneSchedule runs history pruning daily.
const pruneSchedule = "0 3 * * *"

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with scheduled scans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	// ── Config ─────────────────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Re-configure logging with the level from config unless the flag set one.
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl == "" {
		setupLogging(cfg.LogLevel)
	}
	slog.Info("sift starting",
		"version", version,
		"log_level", cfg.LogLevel,
		"http_addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
		"scan_paths", cfg.ScanPaths)

	// ── Database ───────────────────────────────────────────────────────────
	unlock, err := db.Lock(cfg.DBPath)
	if err != nil {
		return err
	}
	defer unlock()

	database, err := db.OpenMigrated(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	// Mark any scans that were 'running' when last process exited as failed.
	if err := scan.MarkStaleScansFailed(database); err != nil {
		slog.Warn("mark stale scans", "error", err)
	}

	// ── Scan manager ───────────────────────────────────────────────────────
	m := metrics.New()
	mgr := scan.NewManager(database, cfg.ScanOptions(), m)

	// ── Scheduler ──────────────────────────────────────────────────────────
	sched := scheduler.New()
	if len(cfg.ScanPaths) > 0 {
		if err := sched.Set(scheduler.JobScan, cfg.Schedule, func() {
			slog.Info("scheduled scan triggered")
			if _, err := mgr.Start(context.Background(), "schedule"); err != nil {
				slog.Warn("scheduled scan start", "error", err)
			}
		}); err != nil {
			slog.Warn("invalid cron expression", "expr", cfg.Schedule, "error", err)
		}
	} else {
		slog.Warn("no scan_paths configured; scheduled scans disabled")
	}

	if retention := cfg.HistoryRetention(); retention > 0 {
		if err := sched.Set(scheduler.JobPrune, pruneSchedule, func() {
			cutoff := time.Now().Add(-retention)
			n, err := scan.PruneHistory(context.Background(), database, cutoff)
			if err != nil {
				slog.Error("history prune failed", "error", err)
				return
			}
			slog.Info("history pruned", "scans", n, "cutoff", cutoff)
		}); err != nil {
			slog.Warn("failed to register prune job", "error", err)
		}
	}

	sched.Start()
	defer sched.Stop()

	// ── HTTP server ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := api.New(cfg.HTTPAddr, database, mgr, sched, m.Handler(), version)
	if err := srv.Run(ctx); err != nil {
		return err
	}

	// Let a running scan store its partial report before the DB closes.
	if active, err := mgr.Cancel(); err == nil {
		slog.Info("waiting for active scan to stop", "id", active.ID)
		<-active.Done()
	}
	slog.Info("sift stopped")
	return nil
}
