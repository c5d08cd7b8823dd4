// Package retry decides whether, and how, a failed attempt is re-run.
package retry

import (
	"context"
	"log"

	"github.com/hochfrequenz/agent-task-coordinator/internal/coordinator"
	"github.com/hochfrequenz/agent-task-coordinator/internal/domain"
	"github.com/hochfrequenz/agent-task-coordinator/internal/failure"
	"github.com/hochfrequenz/agent-task-coordinator/internal/taskstore"
)

// ResolveRetryMax returns the retry budget for a task. An explicit
// retry_max in the task context, including an explicit zero, always wins
// over the environment default; that is how "never retry" tasks are made.
func ResolveRetryMax(task *domain.Task, envDefault int) int {
	if task != nil {
		if v, ok := task.ContextInt(domain.CtxRetryMax); ok {
			if v < 0 {
				return 0
			}
			return v
		}
	}
	if envDefault < 0 {
		return 0
	}
	return envDefault
}

// Decision reports what the policy did with a failure
type Decision struct {
	Retried    bool
	RetryMax   int
	RetryCount int
}

// Policy consumes coordinator results and classifier output to decide on
// re-attempts. Async hands the re-execution to a detached worker; the
// callback's own success or failure is independent of this decision point.
type Policy struct {
	Store         taskstore.Store
	EnvDefaultMax int
	PendingStatus domain.TaskStatus
	Async         func(fn func())
}

// RecordFailureAndRetry books a failed result and either finalizes the task
// or re-queues it and triggers another attempt. Unexpected internal errors
// are swallowed: a bookkeeping failure here must never alter the task's own
// terminal outcome.
func (p *Policy) RecordFailureAndRetry(ctx context.Context, task *domain.Task, res *coordinator.Result, workerID string, depth int, execute func(ctx context.Context)) Decision {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("retry: policy panic swallowed for task %s: %v", task.ID, r)
		}
	}()

	retryMax := ResolveRetryMax(task, p.EnvDefaultMax)
	decision := Decision{RetryMax: retryMax}

	// A blocked paid route keeps its category across the policy-disabled,
	// quota, and window variants; hammering it again is pointless.
	if failure.IsPaidProviderBlocked(res.Classification) {
		p.finalize(task, retryMax)
		return decision
	}

	if retryMax == 0 || depth >= retryMax {
		p.finalize(task, retryMax)
		return decision
	}

	retryCount := depth + 1
	pending := p.PendingStatus
	if pending == "" {
		pending = domain.StatusPending
	}
	if _, err := p.Store.UpdateTask(task.ID, taskstore.TaskUpdate{
		Status: &pending,
		Context: map[string]any{
			domain.CtxRetryCount: retryCount,
			domain.CtxRetryMax:   retryMax,
		},
	}); err != nil {
		log.Printf("retry: re-queue of task %s failed: %v", task.ID, err)
		return decision
	}

	decision.Retried = true
	decision.RetryCount = retryCount

	if execute != nil {
		run := func() { execute(context.WithoutCancel(ctx)) }
		if p.Async != nil {
			p.Async(run)
		} else {
			go run()
		}
	}
	return decision
}

// finalize records the exhausted retry budget without bumping the counter;
// the task keeps the failed status the coordinator already set.
func (p *Policy) finalize(task *domain.Task, retryMax int) {
	if _, err := p.Store.UpdateTask(task.ID, taskstore.TaskUpdate{
		Context: map[string]any{domain.CtxRetryMax: retryMax},
	}); err != nil {
		log.Printf("retry: finalize of task %s failed: %v", task.ID, err)
	}
}
