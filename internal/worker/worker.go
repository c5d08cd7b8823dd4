// Package worker runs the polling loop that feeds tasks from the shared
// queue into the execution coordinator.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-task-coordinator/internal/coordinator"
	"github.com/hochfrequenz/agent-task-coordinator/internal/domain"
	"github.com/hochfrequenz/agent-task-coordinator/internal/retry"
	"github.com/hochfrequenz/agent-task-coordinator/internal/taskstore"
)

// FinishFunc is notified after an attempt leaves a task in a terminal
// state. Wired to the continuation scheduler at startup.
type FinishFunc func(ctx context.Context, task *domain.Task)

// Runner is one polling worker. Multiple runners, in this process or in
// others, share the same store; the lease manager keeps them off each
// other's tasks.
type Runner struct {
	ID           string
	Store        taskstore.Store
	Coordinator  *coordinator.Coordinator
	Policy       *retry.Policy
	OnFinish     FinishFunc
	PollInterval time.Duration
	LeaseSeconds int
}

// Run polls for pending tasks until the context is cancelled
func (r *Runner) Run(ctx context.Context) error {
	if r.ID == "" {
		r.ID = "worker-" + uuid.NewString()[:8]
	}
	interval := r.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	log.Printf("worker %s polling every %s", r.ID, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Drain everything claimable before sleeping again
			for r.runOnce(ctx) {
				if ctx.Err() != nil {
					return nil
				}
			}
		}
	}
}

// runOnce claims and executes at most one task. Returns true when a task
// was found, so the caller keeps draining.
func (r *Runner) runOnce(ctx context.Context) bool {
	task := r.nextPending()
	if task == nil {
		return false
	}

	r.execute(ctx, task.ID)
	return true
}

// nextPending returns the oldest pending task, or nil. Listing is newest
// first, so the oldest is the final element.
func (r *Runner) nextPending() *domain.Task {
	pending, _, err := r.Store.ListTasks(taskstore.ListOptions{Status: domain.StatusPending})
	if err != nil {
		log.Printf("worker %s: listing pending tasks: %v", r.ID, err)
		return nil
	}
	if len(pending) == 0 {
		return nil
	}
	return pending[len(pending)-1]
}

// execute runs one attempt and routes the outcome through the retry policy
// and the finish callback. It is also the execute-again callback handed to
// the policy, so retries re-enter here.
func (r *Runner) execute(ctx context.Context, taskID string) {
	task, err := r.Store.GetTask(taskID)
	if err != nil {
		log.Printf("worker %s: loading task %s: %v", r.ID, taskID, err)
		return
	}

	depth, _ := task.ContextInt(domain.CtxRetryCount)
	res, err := r.Coordinator.Execute(ctx, taskID, coordinator.Options{
		WorkerID:     r.ID,
		Attempt:      depth + 1,
		LeaseSeconds: r.LeaseSeconds,
	})
	if errors.Is(err, coordinator.ErrLeaseHeld) {
		// Not our task; never retried from here
		return
	}
	if err != nil {
		log.Printf("worker %s: executing task %s: %v", r.ID, taskID, err)
		return
	}

	if res.Failed() && r.Policy != nil {
		r.Policy.RecordFailureAndRetry(ctx, task, res, r.ID, depth, func(retryCtx context.Context) {
			r.execute(retryCtx, taskID)
		})
	}

	if r.OnFinish != nil {
		if finished, err := r.Store.GetTask(taskID); err == nil {
			r.OnFinish(ctx, finished)
		}
	}
}
