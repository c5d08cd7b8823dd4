package taskstore

import (
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-task-coordinator/internal/domain"
)

// MemoryStore is the in-process Store backend. It backs tests and ephemeral
// runs; all access is serialized through one mutex, which is the moral
// equivalent of the SQLite backend's single-writer transaction.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*domain.Task
	runs  map[string]*domain.RunState
	now   func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*domain.Task),
		runs:  make(map[string]*domain.RunState),
		now:   time.Now,
	}
}

// SetClock overrides the store's clock. Test-only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateTask generates an id, resolves model and command, and stores the
// task in pending state.
func (s *MemoryStore) CreateTask(spec TaskSpec) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := buildTask(spec, s.now())
	if err != nil {
		return nil, err
	}
	s.tasks[task.ID] = task
	return copyTask(task), nil
}

// GetTask retrieves a task by id
func (s *MemoryStore) GetTask(id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(task), nil
}

// ListTasks returns tasks matching the filter, newest first, plus the total
// count before limit/offset.
func (s *MemoryStore) ListTasks(opts ListOptions) ([]*domain.Task, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*domain.Task
	for _, t := range s.tasks {
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		if opts.Type != "" && t.Type != opts.Type {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]*domain.Task, len(matched))
	for i, t := range matched {
		out[i] = copyTask(t)
	}
	return out, total, nil
}

// UpdateTask applies a partial update under the shared transition rules
func (s *MemoryStore) UpdateTask(id string, upd TaskUpdate) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	applyTaskUpdate(task, upd, s.now())
	return copyTask(task), nil
}

// CountActive returns the number of tasks in pending, running, or
// needs_decision state.
func (s *MemoryStore) CountActive() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, t := range s.tasks {
		if !t.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

// ClaimRun attempts to acquire a lease for one (task, run, worker) triple
func (s *MemoryStore) ClaimRun(req ClaimRequest) (domain.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[req.TaskID]; !ok {
		return domain.ClaimResult{}, ErrNotFound
	}
	now := s.now()
	existing := s.runs[req.TaskID]
	granted, detail := decideClaim(existing, req, now)
	if !granted {
		return domain.ClaimResult{Claimed: false, Detail: detail, State: copyRun(existing)}, nil
	}
	state := grantedState(existing, req, now)
	s.runs[req.TaskID] = state
	return domain.ClaimResult{Claimed: true, State: copyRun(state)}, nil
}

// UpdateRun merges a patch into the run state. With requireOwner set the
// caller must still hold the lease, which fences off workers whose lease was
// reassigned while they were stalled.
func (s *MemoryStore) UpdateRun(taskID, runID, workerID string, patch map[string]any, requireOwner bool) (domain.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.runs[taskID]
	if !ok {
		return domain.ClaimResult{}, ErrNotFound
	}
	if requireOwner && !state.OwnedBy(runID, workerID) {
		return domain.ClaimResult{Claimed: false, Detail: domain.DetailNotOwner, State: copyRun(state)}, nil
	}
	applyRunPatch(state, patch, s.now())
	return domain.ClaimResult{Claimed: true, State: copyRun(state)}, nil
}

// GetRun returns the run state for a task
func (s *MemoryStore) GetRun(taskID string) (*domain.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.runs[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(state), nil
}

// Clear wipes all tasks and run states. Test-only.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]*domain.Task)
	s.runs = make(map[string]*domain.RunState)
	return nil
}

// Close is a no-op for the in-memory backend
func (s *MemoryStore) Close() error { return nil }

// applyRunPatch merges patch fields into a run state. The "status" key maps
// onto the typed status field; everything else lands in the open patch map.
func applyRunPatch(state *domain.RunState, patch map[string]any, now time.Time) {
	for k, v := range patch {
		if k == "status" {
			if s, ok := v.(string); ok {
				state.Status = domain.RunStatus(s)
				continue
			}
		}
		if state.Patch == nil {
			state.Patch = make(map[string]any)
		}
		state.Patch[k] = v
	}
	state.UpdatedAt = now
}

func copyTask(t *domain.Task) *domain.Task {
	out := *t
	out.Context = copyContext(t.Context)
	if t.ClaimedAt != nil {
		claimed := *t.ClaimedAt
		out.ClaimedAt = &claimed
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		out.StartedAt = &started
	}
	if t.UpdatedAt != nil {
		updated := *t.UpdatedAt
		out.UpdatedAt = &updated
	}
	return &out
}

func copyRun(r *domain.RunState) *domain.RunState {
	if r == nil {
		return nil
	}
	out := *r
	out.Patch = copyContext(r.Patch)
	return &out
}
