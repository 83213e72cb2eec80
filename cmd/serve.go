package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pentestexpress/scanpipe/internal/api"
	"github.com/pentestexpress/scanpipe/internal/core"
	"github.com/pentestexpress/scanpipe/internal/database"
	"github.com/pentestexpress/scanpipe/internal/invoker"
	"github.com/pentestexpress/scanpipe/internal/jobs"
	"github.com/pentestexpress/scanpipe/internal/normalize"
	"github.com/pentestexpress/scanpipe/internal/notify"
	"github.com/pentestexpress/scanpipe/internal/orchestrator"
	"github.com/pentestexpress/scanpipe/internal/progress"
	"github.com/pentestexpress/scanpipe/internal/report"
	"github.com/pentestexpress/scanpipe/internal/stages"
	"github.com/pentestexpress/scanpipe/internal/telemetry"
	"github.com/pentestexpress/scanpipe/internal/worker"
	"github.com/pentestexpress/scanpipe/internal/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the worker pool",
	Long: `Start the scan API together with an in-process worker pool. Jobs are
queued through Redis so additional worker processes (scanpipe workers
start) can share the load; without Redis the server falls back to an
in-memory queue serving this process only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		store, err := database.NewStore(cfg.Database, log)
		if err != nil {
			return fmt.Errorf("failed to initialize result store: %w", err)
		}
		defer store.Close()

		queue, progressStore := connectRedis()
		defer queue.Close()
		defer progressStore.Close()

		tel, err := telemetry.New(ctx, cfg.Telemetry)
		if err != nil {
			log.Warnw("Telemetry init failed, continuing without it", "error", err)
			tel = telemetry.Noop()
		}
		defer tel.Close()

		pipeline := orchestrator.NewPipeline(
			workspace.NewManager(cfg.Workspace.Root, cfg.Workspace.RetainOnFailure, log),
			stages.New(cfg.Tools, invoker.New(log), normalize.New(log), log),
			progressStore,
			store,
			report.NewAssembler(cfg.Report, log),
			notify.NewMailer(cfg.Notify, log),
			tel,
			log,
		)

		pool := worker.NewWorkerPool(cfg.Worker, queue, pipeline, tel, log)
		if err := pool.Start(ctx, cfg.Worker.Count); err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}

		server := &http.Server{
			Addr:              cfg.API.Addr,
			Handler:           api.NewServer(cfg.API, queue, progressStore, store, pool, log).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		color.Cyan("Scanpipe API listening on %s\n", cfg.API.Addr)
		color.White("Submit scans: POST http://localhost%s/api/scans\n\n", cfg.API.Addr)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			purgeLoop(gctx, store)
			return nil
		})
		g.Go(func() error {
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			select {
			case sig := <-sigChan:
				color.Yellow("\nReceived %s - shutting down\n", sig)
			case <-gctx.Done():
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warnw("HTTP server shutdown failed", "error", err)
			}
			if err := pool.Stop(); err != nil {
				log.Warnw("Worker pool shutdown failed", "error", err)
			}
			cancel()
			return nil
		})
		return g.Wait()
	},
}

// connectRedis returns the Redis-backed queue and progress store, or their
// in-memory equivalents when Redis is unreachable.
func connectRedis() (core.JobQueue, core.ProgressStore) {
	queue, err := jobs.NewRedisQueue(cfg.Redis)
	if err != nil {
		log.Warnw("Redis unavailable, using in-memory queue",
			"addr", cfg.Redis.Addr,
			"error", err,
		)
		return jobs.NewMemoryQueue(), progress.NewMemoryStore()
	}
	progressStore, err := progress.NewRedisStore(cfg.Redis)
	if err != nil {
		log.Warnw("Redis progress store unavailable, using in-memory store", "error", err)
		return queue, progress.NewMemoryStore()
	}
	return queue, progressStore
}

// purgeLoop removes terminal scan records past the retention window.
func purgeLoop(ctx context.Context, store core.ResultStore) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.PurgeExpired(ctx, cfg.Database.Retention)
			if err != nil {
				log.Warnw("Retention purge failed", "error", err)
				continue
			}
			if removed > 0 {
				log.Infow("Purged expired scans", "count", removed)
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
