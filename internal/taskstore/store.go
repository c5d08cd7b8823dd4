package taskstore

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/agent-task-coordinator/internal/domain"
)

// ErrNotFound is returned when a task or run state does not exist
var ErrNotFound = errors.New("taskstore: not found")

// DefaultLeaseSeconds is applied when a claim request carries no lease duration
const DefaultLeaseSeconds = 900

// TaskSpec describes a task to be created
type TaskSpec struct {
	Direction string
	Type      domain.TaskType
	Executor  domain.Executor
	Model     string
	Context   map[string]any
}

// TaskUpdate is a partial update applied to a task. Nil fields are left
// untouched; Context entries are merged key by key.
type TaskUpdate struct {
	Status         *domain.TaskStatus
	Model          *string
	Command        *string
	Output         *string
	ProgressPct    *float64
	CurrentStep    *string
	DecisionPrompt *string
	Decision       *string
	ClaimedBy      *string
	ClaimedAt      *time.Time
	Context        map[string]any
}

// ListOptions specifies filters for listing tasks
type ListOptions struct {
	Status domain.TaskStatus
	Type   domain.TaskType
	Limit  int
	Offset int
}

// ClaimRequest asks for a lease over one (task, run) pair
type ClaimRequest struct {
	TaskID       string
	RunID        string
	WorkerID     string
	LeaseSeconds int
	Attempt      int
	Branch       string
}

// Store is the persistence contract shared by all backends. The in-memory
// and SQLite implementations must behave identically; tests exercise both.
type Store interface {
	CreateTask(spec TaskSpec) (*domain.Task, error)
	GetTask(id string) (*domain.Task, error)
	ListTasks(opts ListOptions) ([]*domain.Task, int, error)
	UpdateTask(id string, upd TaskUpdate) (*domain.Task, error)
	CountActive() (int, error)

	ClaimRun(req ClaimRequest) (domain.ClaimResult, error)
	UpdateRun(taskID, runID, workerID string, patch map[string]any, requireOwner bool) (domain.ClaimResult, error)
	GetRun(taskID string) (*domain.RunState, error)

	// Clear wipes all state. Test-only; production callers never reset a store.
	Clear() error
	Close() error
}

// buildTask materializes a Task from a spec, resolving model and command
// from the task type and executor.
func buildTask(spec TaskSpec, now time.Time) (*domain.Task, error) {
	model := domain.ResolveModel(spec.Type, spec.Model)
	task := &domain.Task{
		ID:        uuid.NewString(),
		Direction: spec.Direction,
		Type:      spec.Type,
		Status:    domain.StatusPending,
		Model:     model,
		Command:   domain.ResolveCommand(spec.Type, spec.Executor, model),
		Context:   copyContext(spec.Context),
		CreatedAt: now,
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return task, nil
}

// applyTaskUpdate mutates task in place according to the update rules:
// a decision supplied while the task needs one resumes execution, the first
// transition into running stamps started_at, and every update bumps
// updated_at. Shared by all backends so transition semantics cannot drift.
func applyTaskUpdate(task *domain.Task, upd TaskUpdate, now time.Time) {
	if upd.Decision != nil {
		task.Decision = *upd.Decision
		if task.Status == domain.StatusNeedsDecision && upd.Status == nil {
			running := domain.StatusRunning
			upd.Status = &running
		}
	}
	if upd.Status != nil {
		task.Status = *upd.Status
		if task.Status == domain.StatusRunning && task.StartedAt == nil {
			started := now
			task.StartedAt = &started
		}
	}
	if upd.Model != nil {
		task.Model = *upd.Model
	}
	if upd.Command != nil {
		task.Command = *upd.Command
	}
	if upd.Output != nil {
		task.Output = *upd.Output
	}
	if upd.ProgressPct != nil {
		task.ProgressPct = *upd.ProgressPct
	}
	if upd.CurrentStep != nil {
		task.CurrentStep = *upd.CurrentStep
	}
	if upd.DecisionPrompt != nil {
		task.DecisionPrompt = *upd.DecisionPrompt
	}
	if upd.ClaimedBy != nil {
		task.ClaimedBy = *upd.ClaimedBy
		// no claimant, no claim timestamp
		if task.ClaimedBy == "" {
			task.ClaimedAt = nil
		}
	}
	if upd.ClaimedAt != nil {
		claimed := *upd.ClaimedAt
		task.ClaimedAt = &claimed
	}
	if len(upd.Context) > 0 {
		if task.Context == nil {
			task.Context = make(map[string]any, len(upd.Context))
		}
		for k, v := range upd.Context {
			task.Context[k] = v
		}
	}
	updated := now
	task.UpdatedAt = &updated
}

// decideClaim implements the compare-and-swap claim rule over the current
// run state: grant when no lease exists, the lease expired, or the same
// worker claims again (including a fresh run id for a new attempt); reject
// a live lease held by a different worker with a conflict detail.
func decideClaim(existing *domain.RunState, req ClaimRequest, now time.Time) (bool, string) {
	if existing == nil {
		return true, ""
	}
	if existing.WorkerID == req.WorkerID {
		return true, ""
	}
	if existing.LeaseExpired(now) {
		return true, ""
	}
	return false, domain.DetailLeaseOwnedByOther
}

// grantedState builds the run state row persisted for a granted claim.
// An idempotent re-claim keeps the original attempt counter when the caller
// did not advance it.
func grantedState(existing *domain.RunState, req ClaimRequest, now time.Time) *domain.RunState {
	leaseSecs := req.LeaseSeconds
	if leaseSecs <= 0 {
		leaseSecs = DefaultLeaseSeconds
	}
	attempt := req.Attempt
	if existing != nil && existing.OwnedBy(req.RunID, req.WorkerID) && attempt < existing.Attempt {
		attempt = existing.Attempt
	}
	state := &domain.RunState{
		TaskID:         req.TaskID,
		RunID:          req.RunID,
		WorkerID:       req.WorkerID,
		Branch:         req.Branch,
		Status:         domain.RunLeased,
		Attempt:        attempt,
		LeaseExpiresAt: now.Add(time.Duration(leaseSecs) * time.Second),
		UpdatedAt:      now,
	}
	if existing != nil && existing.OwnedBy(req.RunID, req.WorkerID) {
		state.Patch = copyContext(existing.Patch)
		if req.Branch == "" {
			state.Branch = existing.Branch
		}
	}
	return state
}

func copyContext(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
