// Package cost resolves the spend ceiling for one execution attempt.
package cost

import "github.com/hochfrequenz/agent-task-coordinator/internal/domain"

const (
	// DefaultSlackRatio pads an estimate into a ceiling when no explicit
	// max is given.
	DefaultSlackRatio = 1.25

	// MinMaxCostUSD is the floor for any synthesized ceiling
	MinMaxCostUSD = 0.0001
)

// Budget is the resolved spend ceiling and estimate for one attempt
type Budget struct {
	MaxCostUSD       float64
	EstimatedCostUSD float64
	CostSlackRatio   float64
}

// Overrides carries the explicit per-call arguments. Nil fields fall
// through to the task context, then to the resolver defaults.
type Overrides struct {
	MaxCostUSD       *float64
	EstimatedCostUSD *float64
	CostSlackRatio   *float64
}

// Resolver holds the process-wide defaults
type Resolver struct {
	DefaultMaxCostUSD       float64
	DefaultEstimatedCostUSD float64
	DefaultSlackRatio       float64
}

// Resolve computes the budget for a task. Each field resolves explicit
// argument first, then the task context equivalent, then the process-wide
// default. A missing max with a present estimate synthesizes
// max(estimate*slack, floor) so an estimate alone implies a safety ceiling.
func (r *Resolver) Resolve(task *domain.Task, opts Overrides) Budget {
	slack := resolveField(opts.CostSlackRatio, task, domain.CtxCostSlackRatio, r.DefaultSlackRatio)
	if slack <= 0 {
		slack = DefaultSlackRatio
	}

	estimate := resolveField(opts.EstimatedCostUSD, task, domain.CtxEstimatedCostUSD, r.DefaultEstimatedCostUSD)
	maxCost := resolveField(opts.MaxCostUSD, task, domain.CtxMaxCostUSD, r.DefaultMaxCostUSD)

	if maxCost == 0 && estimate > 0 {
		maxCost = estimate * slack
		if maxCost < MinMaxCostUSD {
			maxCost = MinMaxCostUSD
		}
	}

	return Budget{
		MaxCostUSD:       maxCost,
		EstimatedCostUSD: estimate,
		CostSlackRatio:   slack,
	}
}

func resolveField(explicit *float64, task *domain.Task, ctxKey string, fallback float64) float64 {
	if explicit != nil {
		return *explicit
	}
	if task != nil {
		if v, ok := task.ContextFloat(ctxKey); ok {
			return v
		}
	}
	return fallback
}
