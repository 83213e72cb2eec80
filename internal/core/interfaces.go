package core

import (
	"context"
	"time"

	"github.com/pentestexpress/scanpipe/pkg/types"
)

// JobQueue hands scan jobs from the API to the worker pool. At most one
// worker executes a given job at a time.
type JobQueue interface {
	Push(ctx context.Context, job *types.ScanJob) error
	Pop(ctx context.Context, workerID string) (*types.ScanJob, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, reason string) error
	Retry(ctx context.Context, jobID string) error
	GetStatus(ctx context.Context, jobID string) (*types.ScanJob, error)
	Close() error
}

// ProgressStore records each job's current stage and terminal state. Jobs
// only ever write their own key; snapshots for a job are monotonically
// non-decreasing in stage ordinal.
type ProgressStore interface {
	Publish(ctx context.Context, snapshot types.ProgressSnapshot) error
	Get(ctx context.Context, jobID string) (types.ProgressSnapshot, error)
	// Subscribe emits snapshots on change at the given poll interval. The
	// channel closes after a terminal snapshot or context cancellation.
	Subscribe(ctx context.Context, jobID string, interval time.Duration) <-chan types.ProgressSnapshot
	Close() error
}

// ResultStore persists job metadata, stage results, and summaries.
type ResultStore interface {
	SaveScan(ctx context.Context, job *types.ScanJob) error
	UpdateScan(ctx context.Context, job *types.ScanJob) error
	GetScan(ctx context.Context, jobID string) (*types.ScanJob, error)
	SaveStageResults(ctx context.Context, jobID string, results []types.StageResult) error
	GetStageResults(ctx context.Context, jobID string) ([]types.StageResult, error)
	SaveSummary(ctx context.Context, jobID string, summary types.Summary) error
	GetSummary(ctx context.Context, jobID string) (*types.Summary, error)
	// PurgeExpired removes terminal jobs older than the retention window.
	PurgeExpired(ctx context.Context, retention time.Duration) (int64, error)
	Close() error
}

// ReportAssembler turns a canonical artifact set into a report artifact
// reference. Implementations must produce at least a minimal report or
// return an error.
type ReportAssembler interface {
	Assemble(ctx context.Context, set *types.CanonicalArtifactSet, summary types.Summary) (string, error)
}

// Notifier delivers the finished report reference to the requester.
// Failures are retried internally and never change the job's outcome.
type Notifier interface {
	Notify(ctx context.Context, recipient, domain, reportPath string) error
	// NotifyFailure tells the requester the scan failed and no report is
	// available. The requester always hears back one way or the other.
	NotifyFailure(ctx context.Context, recipient, domain, reason string) error
}

type Worker interface {
	ID() string
	Start(ctx context.Context) error
	Stop() error
	Status() *WorkerStatus
}

type WorkerPool interface {
	Start(ctx context.Context, workers int) error
	Stop() error
	Scale(workers int) error
	Status() []*WorkerStatus
}

type WorkerStatus struct {
	ID           string    `json:"id"`
	Hostname     string    `json:"hostname"`
	Status       string    `json:"status"`
	CurrentJob   string    `json:"current_job,omitempty"`
	JobsComplete int       `json:"jobs_complete"`
	LastPing     time.Time `json:"last_ping"`
}

// Telemetry records pipeline metrics.
type Telemetry interface {
	RecordStage(stage types.Stage, duration float64, outcome types.StageOutcome)
	RecordFallback(stage types.Stage, tool string)
	RecordJob(duration float64, success bool)
	RecordWorkerMetrics(status *WorkerStatus)
	Close() error
}
