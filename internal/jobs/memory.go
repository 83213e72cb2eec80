package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pentestexpress/scanpipe/internal/core"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

// memoryQueue is a process-local JobQueue for single-node deployments and
// tests. FIFO by enqueue order.
type memoryQueue struct {
	mu      sync.Mutex
	pending []string
	jobs    map[string]*types.ScanJob
	closed  bool
}

func NewMemoryQueue() core.JobQueue {
	return &memoryQueue{jobs: make(map[string]*types.ScanJob)}
}

func (q *memoryQueue) Push(_ context.Context, job *types.ScanJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("queue closed")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.State = types.StateQueued
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt

	clone := *job
	q.jobs[job.ID] = &clone
	q.pending = append(q.pending, job.ID)
	return nil
}

func (q *memoryQueue) Pop(_ context.Context, _ string) (*types.ScanJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, nil
	}

	jobID := q.pending[0]
	q.pending = q.pending[1:]

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	job.State = types.StateRunning
	job.UpdatedAt = time.Now()

	clone := *job
	return &clone, nil
}

func (q *memoryQueue) Complete(_ context.Context, jobID string) error {
	return q.finish(jobID, types.StateCompleted, "")
}

func (q *memoryQueue) Fail(_ context.Context, jobID string, reason string) error {
	return q.finish(jobID, types.StateFailed, reason)
}

func (q *memoryQueue) finish(jobID string, state types.JobState, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	job.State = state
	job.Error = reason
	job.UpdatedAt = time.Now()
	return nil
}

func (q *memoryQueue) Retry(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	job.State = types.StateQueued
	job.Retries++
	job.UpdatedAt = time.Now()
	q.pending = append(q.pending, jobID)
	return nil
}

func (q *memoryQueue) GetStatus(_ context.Context, jobID string) (*types.ScanJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	clone := *job
	return &clone, nil
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
