package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedJobs(t *testing.T) {
	pool := NewPool(2, 8)

	var done atomic.Int32
	for i := 0; i < 5; i++ {
		require.True(t, pool.Submit(func() { done.Add(1) }))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	assert.Equal(t, int32(5), done.Load())
}

func TestPoolRejectsWhenFull(t *testing.T) {
	pool := NewPool(1, 1)

	block := make(chan struct{})
	require.True(t, pool.Submit(func() { <-block }))

	// one job fits the queue, further submissions are rejected
	pool.Submit(func() {})
	accepted := pool.Submit(func() {})
	assert.False(t, accepted)

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
}

func TestPoolSurvivesPanickingJob(t *testing.T) {
	pool := NewPool(1, 4)

	var ran atomic.Bool
	require.True(t, pool.Submit(func() { panic("job exploded") }))
	require.True(t, pool.Submit(func() { ran.Store(true) }))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	assert.True(t, ran.Load())
}

func TestPoolRejectsAfterShutdown(t *testing.T) {
	pool := NewPool(1, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	assert.False(t, pool.Submit(func() {}))
}
