package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pentestexpress/scanpipe/internal/core"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

// memoryStore is a process-local ResultStore. It backs deployments
// without a database and keeps orchestrator tests hermetic.
type memoryStore struct {
	mu        sync.RWMutex
	scans     map[string]*types.ScanJob
	stages    map[string][]types.StageResult
	summaries map[string]types.Summary
}

func NewMemoryStore() core.ResultStore {
	return &memoryStore{
		scans:     make(map[string]*types.ScanJob),
		stages:    make(map[string][]types.StageResult),
		summaries: make(map[string]types.Summary),
	}
}

func (s *memoryStore) SaveScan(_ context.Context, job *types.ScanJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *job
	s.scans[job.ID] = &clone
	return nil
}

func (s *memoryStore) UpdateScan(ctx context.Context, job *types.ScanJob) error {
	return s.SaveScan(ctx, job)
}

func (s *memoryStore) GetScan(_ context.Context, jobID string) (*types.ScanJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.scans[jobID]
	if !ok {
		return nil, fmt.Errorf("scan %s not found", jobID)
	}
	clone := *job
	return &clone, nil
}

func (s *memoryStore) SaveStageResults(_ context.Context, jobID string, results []types.StageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[jobID] = append([]types.StageResult(nil), results...)
	return nil
}

func (s *memoryStore) GetStageResults(_ context.Context, jobID string) ([]types.StageResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.StageResult(nil), s.stages[jobID]...), nil
}

func (s *memoryStore) SaveSummary(_ context.Context, jobID string, summary types.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[jobID] = summary
	return nil
}

func (s *memoryStore) GetSummary(_ context.Context, jobID string) (*types.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.summaries[jobID]
	if !ok {
		return nil, fmt.Errorf("summary for %s not found", jobID)
	}
	return &summary, nil
}

func (s *memoryStore) PurgeExpired(_ context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	var purged int64
	for id, job := range s.scans {
		if job.State.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.scans, id)
			delete(s.stages, id)
			delete(s.summaries, id)
			purged++
		}
	}
	return purged, nil
}

func (s *memoryStore) Close() error {
	return nil
}
