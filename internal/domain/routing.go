package domain

import "fmt"

// Executor identifies the agent runtime a task is materialized for
type Executor string

const (
	ExecutorClaudeCode Executor = "claude-code"
	ExecutorOpenCode   Executor = "opencode"
)

// modelRoute maps a task type to the model tier it runs on. Review and spec
// work routes to the heavier tier; mechanical task types run on the fast tier.
type modelRoute struct {
	Model string
	Tier  string
}

var defaultRoutes = map[TaskType]modelRoute{
	TypeSpec:   {Model: "claude-sonnet-4-20250514", Tier: "standard"},
	TypeTest:   {Model: "claude-haiku-3-5-20241022", Tier: "fast"},
	TypeImpl:   {Model: "claude-sonnet-4-20250514", Tier: "standard"},
	TypeReview: {Model: "claude-opus-4-20250514", Tier: "heavy"},
	TypeHeal:   {Model: "claude-sonnet-4-20250514", Tier: "standard"},
}

// ResolveModel returns the provider model string for a task type, unless the
// caller supplied an explicit override.
func ResolveModel(taskType TaskType, override string) string {
	if override != "" {
		return override
	}
	if r, ok := defaultRoutes[taskType]; ok {
		return r.Model
	}
	return defaultRoutes[TypeImpl].Model
}

// ResolveTier returns the routing tier name for a task type
func ResolveTier(taskType TaskType) string {
	if r, ok := defaultRoutes[taskType]; ok {
		return r.Tier
	}
	return "standard"
}

// ResolveCommand materializes the invocation string for a task, carrying
// the routing tier so executors can pick matching runtime limits.
func ResolveCommand(taskType TaskType, executor Executor, model string) string {
	if executor == "" {
		executor = ExecutorClaudeCode
	}
	return fmt.Sprintf("%s --task-type %s --tier %s --model %s", executor, taskType, ResolveTier(taskType), model)
}
