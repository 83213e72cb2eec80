package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

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

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Manage standalone pipeline workers",
}

var workersStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a worker pool consuming the shared Redis queue",
	Long: `Start a worker pool without the HTTP API. Workers pop jobs from the
shared Redis queue, so this command requires a reachable Redis; jobs are
submitted through a separate scanpipe serve process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		if count <= 0 {
			count = cfg.Worker.Count
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		queue, err := jobs.NewRedisQueue(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis queue: %w", err)
		}
		defer queue.Close()

		progressStore, err := progress.NewRedisStore(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis progress store: %w", err)
		}
		defer progressStore.Close()

		store, err := database.NewStore(cfg.Database, log)
		if err != nil {
			return fmt.Errorf("failed to initialize result store: %w", err)
		}
		defer store.Close()

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
		if err := pool.Start(ctx, count); err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}

		color.Cyan("Worker pool started with %d workers\n", count)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		color.Yellow("\nReceived %s - stopping workers\n", sig)

		return pool.Stop()
	},
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.AddCommand(workersStartCmd)

	workersStartCmd.Flags().Int("count", 0, "Number of workers (default: worker.count config)")
}
