package domain

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	StatusPending       TaskStatus = "pending"
	StatusRunning       TaskStatus = "running"
	StatusNeedsDecision TaskStatus = "needs_decision"
	StatusCompleted     TaskStatus = "completed"
	StatusFailed        TaskStatus = "failed"
)

// Terminal reports whether a status is a terminal state
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ActiveStatuses are the states that count toward an occupied queue
var ActiveStatuses = []TaskStatus{StatusPending, StatusRunning, StatusNeedsDecision}

// TaskType represents the kind of work a task carries
type TaskType string

const (
	TypeSpec   TaskType = "spec"
	TypeTest   TaskType = "test"
	TypeImpl   TaskType = "impl"
	TypeReview TaskType = "review"
	TypeHeal   TaskType = "heal"
)

// ValidTaskType reports whether t is a known task type
func ValidTaskType(t TaskType) bool {
	switch t {
	case TypeSpec, TypeTest, TypeImpl, TypeReview, TypeHeal:
		return true
	}
	return false
}

// RunStatus represents the execution state of a run attempt
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunLeased     RunStatus = "leased"
	RunDispatched RunStatus = "dispatched"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)
