// Package daemon assembles the long-running process: supervisor pool,
// sweeper, notification dispatcher and HTTP API over one shared store.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"promptforge/internal/config"
	"promptforge/internal/db"
	"promptforge/internal/httpapi"
	"promptforge/internal/httputil"
	"promptforge/internal/launcher"
	"promptforge/internal/metrics"
	"promptforge/internal/notify"
	"promptforge/internal/orchestrator"
	"promptforge/internal/supervisor"
	"promptforge/internal/sweep"
)

const notifySendTimeout = 10 * time.Second

// Run starts the daemon and blocks until SIGINT/SIGTERM.
func Run(cfg *config.Config) error {
	// Write PID file.
	if err := os.MkdirAll(filepath.Dir(cfg.Daemon.PIDFile), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := WritePID(cfg.Daemon.PIDFile); err != nil {
		return err
	}
	defer RemovePID(cfg.Daemon.PIDFile)

	// Open DB.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	rec := metrics.NewRecorder()

	// Signal context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Crash recovery: the sweeper's startup pass fails jobs whose worker
	// died with the previous daemon. Before the pool starts, hint it at
	// jobs still waiting for a worker.
	sweeper := sweep.New(store, rec, cfg.LivenessTimeout())
	if swept, err := sweeper.Sweep(ctx); err != nil {
		slog.Warn("startup sweep incomplete", "err", err)
	} else if swept > 0 {
		slog.Info("startup sweep failed orphaned jobs", "count", swept)
	}

	jobCh := make(chan string, 100)
	pending, err := store.ListJobs(ctx, db.StatusStarting, 0)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		select {
		case jobCh <- job.ID:
		default:
		}
	}

	// Worker launcher + supervisor pool.
	l := launcher.New(store, cfg)
	launch := supervisor.LauncherFunc(func(ctx context.Context, jobID string) (supervisor.Handle, error) {
		h, err := l.Start(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return h, nil
	})
	pool := supervisor.NewPool(cfg.Daemon.MaxWorkers, store, cfg, launch, rec, jobCh)
	pool.Start(ctx)

	var wg sync.WaitGroup

	// Sweeper loop.
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx, cfg.SweepInterval())
	}()

	// Notification dispatcher.
	senders := notify.BuildSenders(cfg.Notifications,
		httputil.NewClient(notifySendTimeout, httputil.DefaultRetryConfig()))
	dispatcher := notify.NewDispatcher(store, senders, cfg.Notifications.Events, rec)
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	// HTTP API.
	orch := orchestrator.New(store, cfg, l, jobCh, rec)
	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      httpapi.NewServer(cfg, store, orch, rec),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("api server starting", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api server error", "err", err)
		}
	}()

	slog.Info("daemon started", "workers", cfg.Daemon.MaxWorkers, "addr", cfg.Server.ListenAddr)

	// Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutdown signal received, stopping...")

	// Force-exit on second signal.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Error("second signal received, forcing exit")
		os.Exit(1)
	}()

	// Graceful shutdown with hard deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = httpSrv.Shutdown(shutdownCtx)
		pool.Stop()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("daemon stopped")
	case <-shutdownCtx.Done():
		slog.Error("shutdown timed out after 10s, forcing exit")
		os.Exit(1)
	}

	return nil
}
