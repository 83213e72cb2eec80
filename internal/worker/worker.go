// Package worker pulls scan jobs off the queue and runs them through the
// pipeline. Validation failures are final; scaffolding failures requeue
// the job until its retry budget is spent.
package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/core"
	"github.com/pentestexpress/scanpipe/internal/logger"
	"github.com/pentestexpress/scanpipe/internal/orchestrator"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

type worker struct {
	id        string
	hostname  string
	cfg       config.WorkerConfig
	queue     core.JobQueue
	pipeline  *orchestrator.Pipeline
	telemetry core.Telemetry
	log       *logger.Logger

	status   core.WorkerStatus
	statusMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(
	cfg config.WorkerConfig,
	queue core.JobQueue,
	pipeline *orchestrator.Pipeline,
	telemetry core.Telemetry,
	log *logger.Logger,
) core.Worker {
	workerID := uuid.New().String()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &worker{
		id:        workerID,
		hostname:  hostname,
		cfg:       cfg,
		queue:     queue,
		pipeline:  pipeline,
		telemetry: telemetry,
		log: log.WithComponent("worker").WithFields(
			"worker_id", workerID,
			"hostname", hostname,
		),
		done:   make(chan struct{}),
		status: core.WorkerStatus{Status: "idle"},
	}
}

func (w *worker) ID() string {
	return w.id
}

func (w *worker) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.updateStatus("active", "")

	w.log.Infow("Worker started")

	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.LogPanic(w.ctx, r, "worker.run")
			}
		}()
		w.run()
	}()

	return nil
}

func (w *worker) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}

	select {
	case <-w.done:
		w.log.Infow("Worker stopped", "jobs_completed", w.Status().JobsComplete)
	case <-time.After(30 * time.Second):
		w.log.Warnw("Worker stop timed out, forcing shutdown")
	}

	w.updateStatus("stopped", "")
	return nil
}

func (w *worker) Status() *core.WorkerStatus {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()

	status := w.status
	status.ID = w.id
	status.Hostname = w.hostname
	status.LastPing = time.Now()
	return &status
}

func (w *worker) run() {
	defer close(w.done)

	pollInterval := w.cfg.QueuePollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	metricsTicker := time.NewTicker(5 * time.Second)
	defer metricsTicker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.log.Infow("Worker shutting down")
			return
		case <-metricsTicker.C:
			w.telemetry.RecordWorkerMetrics(w.Status())
		default:
		}

		processed, err := w.processNext()
		if err != nil {
			w.log.LogError(w.ctx, err, "worker.processNext")
		}
		if !processed {
			// Idle; wait before polling the queue again.
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(pollInterval):
			}
		}
	}
}

// processNext pops and executes one job. It reports whether a job was
// available.
func (w *worker) processNext() (bool, error) {
	job, err := w.queue.Pop(w.ctx, w.id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	w.updateStatus("active", job.ID)
	defer w.updateStatus("active", "")

	log := w.log.WithJobID(job.ID).WithDomain(job.Domain)
	log.Infow("Job picked up", "retries", job.Retries)

	jobCtx := w.ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(w.ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	outcome, execErr := w.pipeline.Execute(jobCtx, job)
	if execErr == nil {
		w.statusMu.Lock()
		w.status.JobsComplete++
		w.statusMu.Unlock()
		return true, w.queue.Complete(w.ctx, job.ID)
	}

	var ve *types.ValidationError
	if errors.As(execErr, &ve) {
		// A malformed domain will never become valid; no retry.
		return true, w.queue.Fail(w.ctx, job.ID, execErr.Error())
	}

	if job.Retries < w.cfg.MaxRetries {
		log.Warnw("Job failed, requeueing",
			"error", execErr,
			"retries", job.Retries,
			"max_retries", w.cfg.MaxRetries,
		)
		return true, w.queue.Retry(w.ctx, job.ID)
	}

	log.Errorw("Job failed permanently",
		"error", execErr,
		"state", string(outcome.State),
	)
	return true, w.queue.Fail(w.ctx, job.ID, execErr.Error())
}

func (w *worker) updateStatus(status, currentJob string) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	w.status.Status = status
	w.status.CurrentJob = currentJob
}
