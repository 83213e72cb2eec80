package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitPacesLookups(t *testing.T) {
	l := New(50)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	elapsed := time.Since(start)

	// 5 lookups at 50/s with burst 1 need at least 4 inter-request gaps.
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	l := New(0.1)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	assert.Error(t, err)
}

func TestAllowDrainsBucket(t *testing.T) {
	l := New(1)

	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestNewClampsNonPositiveRate(t *testing.T) {
	l := New(0)
	assert.True(t, l.Allow())
}
