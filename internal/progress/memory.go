package progress

import (
	"context"
	"sync"
	"time"

	"github.com/pentestexpress/scanpipe/internal/core"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

// memoryStore is a process-local ProgressStore for single-node
// deployments and tests.
type memoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]types.ProgressSnapshot
}

func NewMemoryStore() core.ProgressStore {
	return &memoryStore{snapshots: make(map[string]types.ProgressSnapshot)}
}

func (s *memoryStore) Publish(_ context.Context, snapshot types.ProgressSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.snapshots[snapshot.JobID]; ok && !supersedes(current, snapshot) {
		return nil
	}
	s.snapshots[snapshot.JobID] = snapshot
	return nil
}

func (s *memoryStore) Get(_ context.Context, jobID string) (types.ProgressSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.snapshots[jobID]
	if !ok {
		return types.ProgressSnapshot{JobID: jobID, State: types.StateUnknown}, nil
	}
	return snapshot, nil
}

func (s *memoryStore) Subscribe(ctx context.Context, jobID string, interval time.Duration) <-chan types.ProgressSnapshot {
	return subscribe(ctx, s, jobID, interval)
}

func (s *memoryStore) Close() error {
	return nil
}
