package retry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/agent-task-coordinator/internal/coordinator"
	"github.com/hochfrequenz/agent-task-coordinator/internal/domain"
	"github.com/hochfrequenz/agent-task-coordinator/internal/failure"
	"github.com/hochfrequenz/agent-task-coordinator/internal/taskstore"
)

func TestResolveRetryMax(t *testing.T) {
	cases := []struct {
		name       string
		context    map[string]any
		envDefault int
		want       int
	}{
		{"env default when context unset", nil, 3, 3},
		{"explicit zero wins over env default", map[string]any{domain.CtxRetryMax: 0}, 3, 0},
		{"explicit value wins", map[string]any{domain.CtxRetryMax: 5}, 3, 5},
		{"string value accepted", map[string]any{domain.CtxRetryMax: "2"}, 3, 2},
		{"negative clamps to zero", map[string]any{domain.CtxRetryMax: -1}, 3, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := &domain.Task{Context: tc.context}
			assert.Equal(t, tc.want, ResolveRetryMax(task, tc.envDefault))
		})
	}
}

func newFailedFixture(t *testing.T, ctx map[string]any) (taskstore.Store, *domain.Task, *coordinator.Result) {
	t.Helper()
	store := taskstore.NewMemory()
	task, err := store.CreateTask(taskstore.TaskSpec{Direction: "x", Type: domain.TypeImpl, Context: ctx})
	require.NoError(t, err)

	failed := domain.StatusFailed
	task, err = store.UpdateTask(task.ID, taskstore.TaskUpdate{Status: &failed})
	require.NoError(t, err)

	res := &coordinator.Result{
		TaskID:         task.ID,
		Status:         domain.StatusFailed,
		Err:            "HTTP 429 Too Many Requests",
		Classification: failure.Classify("", "HTTP 429 Too Many Requests", ""),
	}
	return store, task, res
}

func TestZeroRetryMaxNeverExecutesAgain(t *testing.T) {
	store, task, res := newFailedFixture(t, map[string]any{domain.CtxRetryMax: 0})

	executed := false
	p := &Policy{Store: store, EnvDefaultMax: 3, Async: func(fn func()) { fn() }}
	d := p.RecordFailureAndRetry(context.Background(), task, res, "wa", 0, func(ctx context.Context) {
		executed = true
	})

	assert.False(t, d.Retried)
	assert.False(t, executed, "execute-again must not fire with retry_max=0")

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status, "final failure stays failed")
	if n, ok := got.ContextInt(domain.CtxRetryMax); assert.True(t, ok) {
		assert.Equal(t, 0, n, "retry_max recorded in context")
	}
	_, hasCount := got.ContextInt(domain.CtxRetryCount)
	assert.False(t, hasCount, "retry_count must not be bumped on finalize")
}

func TestRetryRequeuesAndExecutes(t *testing.T) {
	store, task, res := newFailedFixture(t, nil)

	executed := false
	p := &Policy{Store: store, EnvDefaultMax: 3, Async: func(fn func()) { fn() }}
	d := p.RecordFailureAndRetry(context.Background(), task, res, "wa", 0, func(ctx context.Context) {
		executed = true
	})

	assert.True(t, d.Retried)
	assert.Equal(t, 1, d.RetryCount)
	assert.True(t, executed)

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status, "task re-queued to pending")
	if n, ok := got.ContextInt(domain.CtxRetryCount); assert.True(t, ok) {
		assert.Equal(t, 1, n)
	}
}

func TestExhaustedDepthFinalizes(t *testing.T) {
	store, task, res := newFailedFixture(t, nil)

	p := &Policy{Store: store, EnvDefaultMax: 2, Async: func(fn func()) { fn() }}
	d := p.RecordFailureAndRetry(context.Background(), task, res, "wa", 2, nil)

	assert.False(t, d.Retried)
	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
}

func TestPaidProviderBlockedNeverRetries(t *testing.T) {
	for _, text := range []string{
		"Blocked: task routes to a paid provider and AGENT_ALLOW_PAID_PROVIDERS is disabled.",
		"Blocked: paid provider quota exhausted.",
		"Blocked: paid provider window budget exhausted.",
	} {
		store, task, res := newFailedFixture(t, nil)
		res.Err = text
		res.Classification = failure.Classify("", text, "")

		executed := false
		p := &Policy{Store: store, EnvDefaultMax: 3, Async: func(fn func()) { fn() }}
		d := p.RecordFailureAndRetry(context.Background(), task, res, "wa", 0, func(ctx context.Context) {
			executed = true
		})

		assert.False(t, d.Retried, "text: %s", text)
		assert.False(t, executed, "blocked paid route must not be hammered: %s", text)
	}
}
