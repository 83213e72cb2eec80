package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pentestexpress/scanpipe/pkg/types"
)

func TestMemoryQueueLifecycle(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	job := &types.ScanJob{Domain: "example.com", Requester: "analyst@pentestexpress.com"}
	require.NoError(t, q.Push(ctx, job))
	require.NotEmpty(t, job.ID)
	assert.Equal(t, types.StateQueued, job.State)

	popped, err := q.Pop(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, job.ID, popped.ID)
	assert.Equal(t, types.StateRunning, popped.State)

	require.NoError(t, q.Complete(ctx, job.ID))
	status, err := q.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, status.State)
}

func TestMemoryQueuePopEmptyReturnsNil(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	job, err := q.Pop(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	first := &types.ScanJob{Domain: "first.example.com"}
	second := &types.ScanJob{Domain: "second.example.com"}
	require.NoError(t, q.Push(ctx, first))
	require.NoError(t, q.Push(ctx, second))

	popped, err := q.Pop(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "first.example.com", popped.Domain)
}

func TestMemoryQueueRetryRequeues(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	job := &types.ScanJob{Domain: "example.com"}
	require.NoError(t, q.Push(ctx, job))

	popped, err := q.Pop(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, popped.ID, "tool exploded"))
	require.NoError(t, q.Retry(ctx, popped.ID))

	again, err := q.Pop(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.Retries)

	status, err := q.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, status.State)
}

func TestMemoryQueueUnknownJob(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	_, err := q.GetStatus(context.Background(), "nope")
	assert.Error(t, err)
}
