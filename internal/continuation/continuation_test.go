package continuation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/agent-task-coordinator/internal/coordinator"
	"github.com/hochfrequenz/agent-task-coordinator/internal/domain"
	"github.com/hochfrequenz/agent-task-coordinator/internal/taskstore"
	"github.com/hochfrequenz/agent-task-coordinator/internal/worker"
)

type fakeInventory struct {
	specGap  []string
	roi      []string
	unblock  []string
	calls    []string
	specErr  error
	roiErr   error
	blockErr error
}

func (f *fakeInventory) SyncSpecGapTasks(ctx context.Context) ([]string, error) {
	f.calls = append(f.calls, "spec_gap")
	return f.specGap, f.specErr
}

func (f *fakeInventory) NextHighestROITask(ctx context.Context) ([]string, error) {
	f.calls = append(f.calls, "roi_followup")
	return f.roi, f.roiErr
}

func (f *fakeInventory) NextUnblockTask(ctx context.Context) ([]string, error) {
	f.calls = append(f.calls, "unblock_flow")
	return f.unblock, f.blockErr
}

type recordingRunner struct {
	executed chan string
}

func (r *recordingRunner) Execute(ctx context.Context, taskID string, opts coordinator.Options) (*coordinator.Result, error) {
	r.executed <- taskID
	return &coordinator.Result{TaskID: taskID, Status: domain.StatusCompleted}, nil
}

func finishedTask(t *testing.T, store taskstore.Store) *domain.Task {
	t.Helper()
	task, err := store.CreateTask(taskstore.TaskSpec{Direction: "x", Type: domain.TypeImpl})
	require.NoError(t, err)
	failed := domain.StatusFailed
	task, err = store.UpdateTask(task.ID, taskstore.TaskUpdate{Status: &failed})
	require.NoError(t, err)
	return task
}

func TestSeedsFromFirstNonEmptySource(t *testing.T) {
	store := taskstore.NewMemory()
	task := finishedTask(t, store)

	inv := &fakeInventory{roi: []string{"task-roi"}}
	s := New(store, inv, nil, nil, nil, nil, Config{Autofill: true})

	s.OnTaskFinished(context.Background(), task)

	// spec_gap tried first, empty, then roi_followup wins; unblock never asked
	assert.Equal(t, []string{"spec_gap", "roi_followup"}, inv.calls)
}

func TestPriorityOrderSpecGapFirst(t *testing.T) {
	store := taskstore.NewMemory()
	task := finishedTask(t, store)

	inv := &fakeInventory{specGap: []string{"task-gap"}, roi: []string{"task-roi"}}
	s := New(store, inv, nil, nil, nil, nil, Config{Autofill: true})

	s.OnTaskFinished(context.Background(), task)

	assert.Equal(t, []string{"spec_gap"}, inv.calls)
}

func TestGateRequiresIdleQueue(t *testing.T) {
	store := taskstore.NewMemory()
	task := finishedTask(t, store)

	// A second task is still pending, so the queue is not idle
	_, err := store.CreateTask(taskstore.TaskSpec{Direction: "y", Type: domain.TypeTest})
	require.NoError(t, err)

	inv := &fakeInventory{specGap: []string{"task-gap"}}
	s := New(store, inv, nil, nil, nil, nil, Config{Autofill: true})

	s.OnTaskFinished(context.Background(), task)
	assert.Empty(t, inv.calls)
}

func TestGateRequiresAutofill(t *testing.T) {
	store := taskstore.NewMemory()
	task := finishedTask(t, store)

	inv := &fakeInventory{specGap: []string{"task-gap"}}
	s := New(store, inv, nil, nil, nil, nil, Config{Autofill: false})

	s.OnTaskFinished(context.Background(), task)
	assert.Empty(t, inv.calls)
}

func TestNonTerminalTaskIgnored(t *testing.T) {
	store := taskstore.NewMemory()
	pendingTask, err := store.CreateTask(taskstore.TaskSpec{Direction: "x", Type: domain.TypeImpl})
	require.NoError(t, err)

	inv := &fakeInventory{specGap: []string{"task-gap"}}
	s := New(store, inv, nil, nil, nil, nil, Config{Autofill: true})

	s.OnTaskFinished(context.Background(), pendingTask)
	assert.Empty(t, inv.calls)
}

func TestSourceErrorFallsThrough(t *testing.T) {
	store := taskstore.NewMemory()
	task := finishedTask(t, store)

	inv := &fakeInventory{specErr: errors.New("inventory down"), roi: []string{"task-roi"}}
	s := New(store, inv, nil, nil, nil, nil, Config{Autofill: true})

	// Must not panic or propagate; next source is tried
	s.OnTaskFinished(context.Background(), task)
	assert.Equal(t, []string{"spec_gap", "roi_followup"}, inv.calls)
}

func TestAutorunDispatchesDetached(t *testing.T) {
	store := taskstore.NewMemory()
	task := finishedTask(t, store)

	pool := worker.NewPool(1, 4)
	defer pool.Shutdown(context.Background())

	runner := &recordingRunner{executed: make(chan string, 1)}
	inv := &fakeInventory{specGap: []string{"task-gap"}}
	s := New(store, inv, runner, pool, nil, nil, Config{Autofill: true, Autorun: true, WorkerID: "w-cont"})

	s.OnTaskFinished(context.Background(), task)

	select {
	case id := <-runner.executed:
		assert.Equal(t, "task-gap", id)
	case <-time.After(2 * time.Second):
		t.Fatal("autorun never dispatched the seeded task")
	}
}

func TestStoreInventorySeedsHealTask(t *testing.T) {
	store := taskstore.NewMemory()
	finishedTask(t, store)

	inv := &StoreInventory{Store: store}
	ids, err := inv.SyncSpecGapTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)

	healed, err := store.GetTask(ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.TypeHeal, healed.Type)
	assert.Equal(t, domain.StatusPending, healed.Status)
}

func TestStoreInventoryResolvesHealChainToOrigin(t *testing.T) {
	store := taskstore.NewMemory()
	origin := finishedTask(t, store)

	// a heal attempt for the origin that itself failed
	failed := domain.StatusFailed
	firstHeal, err := store.CreateTask(taskstore.TaskSpec{
		Direction: "Heal the failed task: x",
		Type:      domain.TypeHeal,
		Context:   map[string]any{"healed_task_id": origin.ID},
	})
	require.NoError(t, err)
	_, err = store.UpdateTask(firstHeal.ID, taskstore.TaskUpdate{Status: &failed})
	require.NoError(t, err)

	inv := &StoreInventory{Store: store}
	ids, err := inv.SyncSpecGapTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)

	secondHeal, err := store.GetTask(ids[0])
	require.NoError(t, err)
	assert.Equal(t, firstHeal.ID, secondHeal.ContextString("healed_task_id"), "heals the most recent failure")
	assert.Equal(t, origin.ID, secondHeal.ContextString("origin_task_id"), "chain resolves back to the original task")
}
