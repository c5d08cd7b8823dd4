package domain

import "time"

// RunState is the per-(task, run) ownership record. Lease churn lives here
// so it never corrupts the Task's business fields.
type RunState struct {
	TaskID         string
	RunID          string
	WorkerID       string
	Branch         string
	Status         RunStatus
	Attempt        int
	LeaseExpiresAt time.Time
	Patch          map[string]any
	UpdatedAt      time.Time
}

// LeaseExpired reports whether the lease has lapsed at the given instant
func (r *RunState) LeaseExpired(now time.Time) bool {
	return !r.LeaseExpiresAt.After(now)
}

// OwnedBy reports whether the lease is held by the given (run, worker) pair
func (r *RunState) OwnedBy(runID, workerID string) bool {
	return r.RunID == runID && r.WorkerID == workerID
}

// ClaimResult is the outcome of a claim attempt
type ClaimResult struct {
	Claimed bool
	Detail  string
	State   *RunState
}

// Claim rejection details
const (
	DetailLeaseOwnedByOther = "lease_owned_by_other_worker"
	DetailTaskTerminal      = "task_in_terminal_state"
	DetailNotOwner          = "not_lease_owner"
)
