// Package lease makes concurrent task claiming safe. The RunState ledger is
// the canonical lease mechanism; the Task-level claimed_by/claimed_at fields
// are maintained as a view over it so the two can never disagree.
package lease

import (
	"time"

	"github.com/hochfrequenz/agent-task-coordinator/internal/domain"
	"github.com/hochfrequenz/agent-task-coordinator/internal/taskstore"
)

// Manager coordinates lease acquisition and owner-fenced updates
type Manager struct {
	store taskstore.Store
	now   func() time.Time
}

// NewManager creates a lease manager over the given store
func NewManager(store taskstore.Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// ClaimRequest mirrors taskstore.ClaimRequest for callers of this package
type ClaimRequest = taskstore.ClaimRequest

// Claim attempts to acquire the lease for one (task, run, worker) triple.
// On success the task view is updated: claimed_by and claimed_at are set and
// the task moves to running, stamping started_at on the first transition
// only. A terminal task is never re-claimable; retries must create a fresh
// attempt context first.
func (m *Manager) Claim(req ClaimRequest) (domain.ClaimResult, error) {
	task, err := m.store.GetTask(req.TaskID)
	if err != nil {
		return domain.ClaimResult{}, err
	}
	if task.Status.Terminal() {
		return domain.ClaimResult{Claimed: false, Detail: domain.DetailTaskTerminal}, nil
	}

	res, err := m.store.ClaimRun(req)
	if err != nil || !res.Claimed {
		return res, err
	}

	running := domain.StatusRunning
	claimedAt := m.now()
	if _, err := m.store.UpdateTask(req.TaskID, taskstore.TaskUpdate{
		Status:    &running,
		ClaimedBy: &req.WorkerID,
		ClaimedAt: &claimedAt,
	}); err != nil {
		return domain.ClaimResult{}, err
	}
	return res, nil
}

// ClaimTask is the simpler single-attempt claim used when the caller does
// not track run ids: the task id doubles as the run id, so a re-claim by the
// same worker stays idempotent while a second worker gets a conflict.
func (m *Manager) ClaimTask(taskID, workerID string, leaseSeconds int) (domain.ClaimResult, error) {
	return m.Claim(ClaimRequest{
		TaskID:       taskID,
		RunID:        taskID,
		WorkerID:     workerID,
		LeaseSeconds: leaseSeconds,
		Attempt:      1,
	})
}

// Update merges a patch into the run state. With requireOwner the write is
// rejected unless the caller still holds the lease, preventing a stale
// worker from corrupting state after its lease was reassigned.
func (m *Manager) Update(taskID, runID, workerID string, patch map[string]any, requireOwner bool) (domain.ClaimResult, error) {
	return m.store.UpdateRun(taskID, runID, workerID, patch, requireOwner)
}

// Get returns the current run state for a task, or taskstore.ErrNotFound
func (m *Manager) Get(taskID string) (*domain.RunState, error) {
	return m.store.GetRun(taskID)
}

// Extend renews the caller's lease by leaseSeconds. It is an idempotent
// re-claim, so it fails with a conflict if the lease moved on.
func (m *Manager) Extend(req ClaimRequest) (domain.ClaimResult, error) {
	return m.store.ClaimRun(req)
}
