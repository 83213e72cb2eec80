// Package orchestrator runs the six stage reconnaissance pipeline for one
// job end to end. The design principle is liveness over completeness: a
// stage that cannot produce verified data degrades and the pipeline keeps
// going. Only scaffolding failures, meaning the workspace, the progress
// store, or the result store, can fail a job.
package orchestrator

import (
	"context"
	"time"

	"github.com/pentestexpress/scanpipe/internal/core"
	"github.com/pentestexpress/scanpipe/internal/logger"
	"github.com/pentestexpress/scanpipe/internal/stages"
	"github.com/pentestexpress/scanpipe/internal/validation"
	"github.com/pentestexpress/scanpipe/internal/workspace"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

// Pipeline progress steps: six stages plus aggregation.
const totalSteps = 7

// Pipeline wires the stage executors to the scaffolding around them. One
// Pipeline serves many jobs; all per-job state lives in the Env.
type Pipeline struct {
	workspaces *workspace.Manager
	stages     []stages.Stage
	progress   core.ProgressStore
	store      core.ResultStore
	reports    core.ReportAssembler
	notifier   core.Notifier
	telemetry  core.Telemetry
	log        *logger.Logger
}

func NewPipeline(
	workspaces *workspace.Manager,
	stageList []stages.Stage,
	progress core.ProgressStore,
	store core.ResultStore,
	reports core.ReportAssembler,
	notifier core.Notifier,
	telemetry core.Telemetry,
	log *logger.Logger,
) *Pipeline {
	return &Pipeline{
		workspaces: workspaces,
		stages:     stageList,
		progress:   progress,
		store:      store,
		reports:    reports,
		notifier:   notifier,
		telemetry:  telemetry,
		log:        log.WithComponent("pipeline"),
	}
}

// Execute runs the full pipeline for one job and always returns a
// well-formed outcome. The returned error is non-nil only for scaffolding
// failures; stage-level degradation is reported through the outcome's
// stage results instead.
func (p *Pipeline) Execute(ctx context.Context, job *types.ScanJob) (*types.ScanOutcome, error) {
	start := time.Now()
	log := p.log.WithJobID(job.ID).WithDomain(job.Domain)

	outcome := &types.ScanOutcome{
		JobID:        job.ID,
		Domain:       job.Domain,
		StageResults: []types.StageResult{},
	}

	domain := validation.Normalize(job.Domain)
	if err := validation.Validate(domain); err != nil {
		// Rejected before any side effect: no workspace, no stage runs.
		log.Warnw("Domain rejected", "error", err)
		p.publishTerminal(ctx, job.ID, types.StateFailed, err.Error())
		outcome.State = types.StateFailed
		outcome.Error = err.Error()
		outcome.Elapsed = time.Since(start)
		return outcome, err
	}
	job.Domain = domain
	outcome.Domain = domain

	ws, err := p.workspaces.Acquire(domain)
	if err != nil {
		log.LogError(ctx, err, "Workspace acquisition failed")
		p.publishTerminal(ctx, job.ID, types.StateFailed, "workspace acquisition failed")
		outcome.State = types.StateFailed
		outcome.Error = err.Error()
		outcome.Elapsed = time.Since(start)
		return outcome, err
	}

	jobFailed := false
	defer func() {
		p.workspaces.Release(ws, jobFailed)
	}()

	env := &stages.Env{
		Domain:    domain,
		Workspace: ws,
		Set:       types.NewCanonicalArtifactSet(domain),
		Log:       log,
	}

	ctx, span := log.StartOperation(ctx, "pipeline.execute",
		"job_id", job.ID,
		"domain", domain,
	)

	for _, stage := range p.stages {
		ordinal := stage.Name().Ordinal()
		p.publish(ctx, types.ProgressSnapshot{
			JobID:        job.ID,
			State:        types.StateRunning,
			Stage:        string(stage.Name()),
			StageOrdinal: ordinal,
			TotalStages:  totalSteps,
			Percentage:   ordinal * 100 / totalSteps,
			Message:      "running " + string(stage.Name()),
		})

		stageStart := time.Now()
		res := stage.Run(ctx, env)
		outcome.StageResults = append(outcome.StageResults, res)

		p.telemetry.RecordStage(res.Stage, time.Since(stageStart).Seconds(), res.Outcome)
		if res.Invocation.FallbackUsed {
			p.telemetry.RecordFallback(res.Stage, res.Invocation.Tool)
		}

		log.LogStageProgress(ctx, job.ID, string(res.Stage), ordinal, totalSteps,
			"outcome", string(res.Outcome),
			"fallback_used", res.Invocation.FallbackUsed,
			"elapsed", res.Invocation.Elapsed,
		)
	}

	p.publish(ctx, types.ProgressSnapshot{
		JobID:        job.ID,
		State:        types.StateRunning,
		Stage:        "aggregate",
		StageOrdinal: totalSteps,
		TotalStages:  totalSteps,
		Percentage:   90,
		Message:      "aggregating results",
	})

	outcome.Summary = types.Summarize(env.Set, outcome.StageResults)

	if err := p.persist(ctx, job, outcome); err != nil {
		log.LogError(ctx, err, "Result persistence failed")
		jobFailed = true
		outcome.State = types.StateFailed
		outcome.Error = err.Error()
		outcome.Elapsed = time.Since(start)
		p.publishTerminal(ctx, job.ID, types.StateFailed, "result persistence failed")
		log.FinishOperation(ctx, span, "pipeline.execute", start, err)
		p.telemetry.RecordJob(time.Since(start).Seconds(), false)
		return outcome, &types.OrchestrationError{Op: "persist results", Err: err}
	}

	// The assembler degrades internally: a markdown render failure still
	// yields the JSON report. An error here means not even a minimal report
	// was written, which fails the job. The requester gets an explicit
	// failure notice instead of silence.
	reportPath, err := p.reports.Assemble(ctx, env.Set, outcome.Summary)
	if err != nil {
		log.LogError(ctx, err, "Report assembly failed")
		jobFailed = true
		outcome.State = types.StateFailed
		outcome.Error = err.Error()
		outcome.Elapsed = time.Since(start)

		if job.Requester != "" {
			if nerr := p.notifier.NotifyFailure(ctx, job.Requester, domain, err.Error()); nerr != nil {
				log.Warnw("Failure notice delivery failed",
					"recipient", job.Requester,
					"error", nerr,
				)
			}
		}

		job.State = types.StateFailed
		job.UpdatedAt = time.Now().UTC()
		if uerr := p.store.UpdateScan(ctx, job); uerr != nil {
			log.Warnw("Failed to record job failure", "error", uerr)
		}

		p.publishTerminal(ctx, job.ID, types.StateFailed, "report assembly failed")
		log.FinishOperation(ctx, span, "pipeline.execute", start, err)
		p.telemetry.RecordJob(time.Since(start).Seconds(), false)
		return outcome, err
	}

	outcome.ReportPath = reportPath
	if job.Requester != "" {
		if err := p.notifier.Notify(ctx, job.Requester, domain, reportPath); err != nil {
			log.Warnw("Report notification failed",
				"recipient", job.Requester,
				"error", err,
			)
		}
	}

	outcome.State = types.StateCompleted
	outcome.Elapsed = time.Since(start)
	p.publishTerminal(ctx, job.ID, types.StateCompleted, "scan completed")

	log.FinishOperation(ctx, span, "pipeline.execute", start, nil)
	p.telemetry.RecordJob(time.Since(start).Seconds(), true)

	log.Infow("Pipeline completed",
		"elapsed", outcome.Elapsed,
		"degraded_stages", len(outcome.Summary.DegradedStages),
		"report", outcome.ReportPath,
	)
	return outcome, nil
}

func (p *Pipeline) persist(ctx context.Context, job *types.ScanJob, outcome *types.ScanOutcome) error {
	job.State = types.StateCompleted
	job.UpdatedAt = time.Now().UTC()
	if err := p.store.UpdateScan(ctx, job); err != nil {
		return err
	}
	if err := p.store.SaveStageResults(ctx, job.ID, outcome.StageResults); err != nil {
		return err
	}
	return p.store.SaveSummary(ctx, job.ID, outcome.Summary)
}

func (p *Pipeline) publish(ctx context.Context, snapshot types.ProgressSnapshot) {
	snapshot.UpdatedAt = time.Now().UTC()
	if err := p.progress.Publish(ctx, snapshot); err != nil {
		p.log.Warnw("Progress publish failed",
			"job_id", snapshot.JobID,
			"stage", string(snapshot.Stage),
			"error", err,
		)
	}
}

func (p *Pipeline) publishTerminal(ctx context.Context, jobID string, state types.JobState, message string) {
	p.publish(ctx, types.ProgressSnapshot{
		JobID:        jobID,
		State:        state,
		StageOrdinal: totalSteps,
		TotalStages:  totalSteps,
		Percentage:   100,
		Message:      message,
	})
}
