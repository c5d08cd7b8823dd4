package domain

import (
	"fmt"
	"strconv"
	"time"
)

// Context keys recognized by the coordinator and its policies. Unknown keys
// are preserved untouched so producers can attach their own routing hints.
const (
	CtxMaxCostUSD       = "max_cost_usd"
	CtxEstimatedCostUSD = "estimated_cost_usd"
	CtxCostSlackRatio   = "cost_slack_ratio"
	CtxRetryMax         = "retry_max"
	CtxRetryCount       = "retry_count"
	CtxExecutor         = "executor"
	CtxIdeaID           = "idea_id"
	CtxPrompt           = "prompt"
)

// Task represents one unit of agent-executable work
type Task struct {
	ID             string
	Direction      string
	Type           TaskType
	Status         TaskStatus
	Model          string
	Command        string
	Context        map[string]any
	ClaimedBy      string
	ClaimedAt      *time.Time
	StartedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      *time.Time
	Output         string
	ProgressPct    float64
	CurrentStep    string
	DecisionPrompt string
	Decision       string
}

// Validate checks the fields a task must carry before it can be stored
func (t *Task) Validate() error {
	if t.Direction == "" {
		return fmt.Errorf("task direction is required")
	}
	if !ValidTaskType(t.Type) {
		return fmt.Errorf("unknown task type %q", t.Type)
	}
	return nil
}

// ContextString returns a string context value, or "" when absent
func (t *Task) ContextString(key string) string {
	if t.Context == nil {
		return ""
	}
	if v, ok := t.Context[key]; ok {
		switch s := v.(type) {
		case string:
			return s
		default:
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

// ContextFloat returns a numeric context value. The second return is false
// when the key is absent or not interpretable as a number.
func (t *Task) ContextFloat(key string) (float64, bool) {
	if t.Context == nil {
		return 0, false
	}
	v, ok := t.Context[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// ContextInt returns an integer context value. An explicit zero is
// distinguished from absence via the second return.
func (t *Task) ContextInt(key string) (int, bool) {
	f, ok := t.ContextFloat(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
