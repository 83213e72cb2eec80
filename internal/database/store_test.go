package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/core"
	"github.com/pentestexpress/scanpipe/internal/logger"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

func newSQLiteStore(t *testing.T) core.ResultStore {
	t.Helper()

	store, err := NewStore(config.DatabaseConfig{
		Driver:         "sqlite",
		DSN:            ":memory:",
		MaxConnections: 1,
		MaxIdleConns:   1,
	}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleJob(id string) *types.ScanJob {
	now := time.Now().UTC().Truncate(time.Second)
	return &types.ScanJob{
		ID:        id,
		Domain:    "example.com",
		Requester: "analyst@pentestexpress.com",
		State:     types.StateRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestScanRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	job := sampleJob("job-1")
	require.NoError(t, store.SaveScan(ctx, job))

	got, err := store.GetScan(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.Domain, got.Domain)
	assert.Equal(t, types.StateRunning, got.State)

	job.State = types.StateCompleted
	job.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.UpdateScan(ctx, job))

	got, err = store.GetScan(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, got.State)
}

func TestUpdateScanInsertsWhenMissing(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	job := sampleJob("job-direct")
	job.State = types.StateCompleted
	require.NoError(t, store.UpdateScan(ctx, job))

	got, err := store.GetScan(ctx, "job-direct")
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, got.State)
}

func TestGetScanNotFound(t *testing.T) {
	store := newSQLiteStore(t)

	_, err := store.GetScan(context.Background(), "missing")
	assert.Error(t, err)
}

func TestStageResultsRoundTripInPipelineOrder(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	// Saved out of order on purpose.
	results := []types.StageResult{
		{
			Stage:       types.StageTLSScan,
			Outcome:     types.OutcomeDegraded,
			Invocation:  types.ToolInvocation{Tool: "testssl", FallbackUsed: true, TimeoutCount: 2},
			CompletedAt: now,
		},
		{
			Stage:       types.StageDiscover,
			Outcome:     types.OutcomeOK,
			Invocation:  types.ToolInvocation{Tool: "subfinder"},
			CompletedAt: now,
		},
	}
	require.NoError(t, store.SaveStageResults(ctx, "job-1", results))

	got, err := store.GetStageResults(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.StageDiscover, got[0].Stage)
	assert.Equal(t, types.StageTLSScan, got[1].Stage)
	assert.True(t, got[1].Invocation.FallbackUsed)
	assert.Equal(t, 2, got[1].Invocation.TimeoutCount)
}

func TestSaveStageResultsIsIdempotent(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	results := []types.StageResult{{
		Stage:       types.StageDiscover,
		Outcome:     types.OutcomeOK,
		CompletedAt: time.Now().UTC(),
	}}
	require.NoError(t, store.SaveStageResults(ctx, "job-1", results))
	require.NoError(t, store.SaveStageResults(ctx, "job-1", results))

	got, err := store.GetStageResults(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSummaryRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	summary := types.Summary{
		Subdomains:      12,
		Vulnerabilities: 3,
		BySeverity:      map[types.Severity]int{types.SeverityHigh: 3},
		DegradedStages:  []types.Stage{types.StageTLSScan},
	}
	require.NoError(t, store.SaveSummary(ctx, "job-1", summary))

	got, err := store.GetSummary(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, summary, *got)
}

func TestPurgeExpired(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	old := sampleJob("old-job")
	old.State = types.StateCompleted
	old.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.SaveScan(ctx, old))

	fresh := sampleJob("fresh-job")
	fresh.State = types.StateCompleted
	require.NoError(t, store.SaveScan(ctx, fresh))

	running := sampleJob("running-job")
	running.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.SaveScan(ctx, running))

	purged, err := store.PurgeExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	_, err = store.GetScan(ctx, "old-job")
	assert.Error(t, err)
	_, err = store.GetScan(ctx, "fresh-job")
	assert.NoError(t, err)
	_, err = store.GetScan(ctx, "running-job")
	assert.NoError(t, err, "non-terminal scans are never purged")
}

func TestMemoryStoreMatchesSQLBehavior(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	job := sampleJob("job-1")
	require.NoError(t, store.SaveScan(ctx, job))

	got, err := store.GetScan(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.Domain, got.Domain)

	_, err = store.GetSummary(ctx, "job-1")
	assert.Error(t, err)

	require.NoError(t, store.SaveSummary(ctx, "job-1", types.Summary{Subdomains: 4}))
	summary, err := store.GetSummary(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Subdomains)

	job.State = types.StateCompleted
	job.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.UpdateScan(ctx, job))
	purged, err := store.PurgeExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}
