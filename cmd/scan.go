package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pentestexpress/scanpipe/internal/database"
	"github.com/pentestexpress/scanpipe/internal/invoker"
	"github.com/pentestexpress/scanpipe/internal/normalize"
	"github.com/pentestexpress/scanpipe/internal/notify"
	"github.com/pentestexpress/scanpipe/internal/orchestrator"
	"github.com/pentestexpress/scanpipe/internal/progress"
	"github.com/pentestexpress/scanpipe/internal/report"
	"github.com/pentestexpress/scanpipe/internal/stages"
	"github.com/pentestexpress/scanpipe/internal/telemetry"
	"github.com/pentestexpress/scanpipe/internal/validation"
	"github.com/pentestexpress/scanpipe/internal/workspace"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

var scanCmd = &cobra.Command{
	Use:   "scan <domain>",
	Short: "Run the full reconnaissance pipeline against one domain",
	Long: `Run all six pipeline stages in process and write the report to the
configured output directory. No Redis or worker pool is involved; results
are persisted to the configured database, or kept in memory when the
database is unreachable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain := validation.Normalize(args[0])
		if err := validation.Validate(domain); err != nil {
			return err
		}
		requester, _ := cmd.Flags().GetString("requester")

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			color.Yellow("\nReceived %s - cancelling scan\n", sig)
			cancel()
		}()

		store, err := database.NewStore(cfg.Database, log)
		if err != nil {
			log.Warnw("Database unavailable, results will not be persisted",
				"driver", cfg.Database.Driver,
				"error", err,
			)
			store = database.NewMemoryStore()
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
			progress.NewMemoryStore(),
			store,
			report.NewAssembler(cfg.Report, log),
			notify.NewMailer(cfg.Notify, log),
			tel,
			log,
		)

		job := &types.ScanJob{
			ID:        uuid.New().String(),
			Domain:    domain,
			Requester: requester,
			State:     types.StateRunning,
		}

		color.Cyan("Scanning %s (job %s)\n\n", domain, job.ID)

		outcome, err := pipeline.Execute(ctx, job)
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}

		printOutcome(outcome)
		return nil
	},
}

func printOutcome(outcome *types.ScanOutcome) {
	color.White("Stages:")
	for _, res := range outcome.StageResults {
		switch res.Outcome {
		case types.OutcomeOK:
			color.Green("  %-16s ok        (%s)", res.Stage, res.Invocation.Tool)
		case types.OutcomeDegraded:
			color.Yellow("  %-16s degraded  (%s unavailable, fallback used)", res.Stage, res.Invocation.Tool)
		default:
			color.Red("  %-16s failed    (%s)", res.Stage, res.Error)
		}
	}

	s := outcome.Summary
	fmt.Println()
	color.White("Summary for %s:", outcome.Domain)
	color.White("  Subdomains:       %d", s.Subdomains)
	color.White("  Endpoints:        %d", s.Endpoints)
	if s.Vulnerabilities > 0 {
		color.Red("  Vulnerabilities:  %d", s.Vulnerabilities)
	} else {
		color.Green("  Vulnerabilities:  0")
	}
	color.White("  Compromised:      %d", s.CompromisedAddr)
	color.White("  Typosquats:       %d", s.Typosquats)

	if len(s.DegradedStages) > 0 {
		color.Yellow("\n%d of %d stages ran degraded; treat their sections as incomplete.",
			len(s.DegradedStages), len(types.Stages))
	}
	if outcome.ReportPath != "" {
		fmt.Println()
		color.Cyan("Report: %s", outcome.ReportPath)
	}
	color.White("Elapsed: %s", outcome.Elapsed.Round(time.Millisecond))
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().String("requester", "", "Email address notified when the report is ready")
}
