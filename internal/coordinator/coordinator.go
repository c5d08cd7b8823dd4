// Package coordinator orchestrates one execution attempt of a task:
// acquire the lease, resolve model, prompt, and budget, invoke the provider,
// record the outcome, and emit telemetry. Each attempt's side effects happen
// exactly once and are never rolled back by later retries.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-task-coordinator/internal/cost"
	"github.com/hochfrequenz/agent-task-coordinator/internal/domain"
	"github.com/hochfrequenz/agent-task-coordinator/internal/events"
	"github.com/hochfrequenz/agent-task-coordinator/internal/failure"
	"github.com/hochfrequenz/agent-task-coordinator/internal/lease"
	"github.com/hochfrequenz/agent-task-coordinator/internal/provider"
	"github.com/hochfrequenz/agent-task-coordinator/internal/taskstore"
	"github.com/hochfrequenz/agent-task-coordinator/internal/telemetry"
)

// ErrLeaseHeld is returned when another worker owns the task. The caller
// must not retry: it is not this worker's task.
var ErrLeaseHeld = errors.New("coordinator: lease held by another worker")

const telemetrySource = "execution_coordinator"

// Options configures one execution attempt
type Options struct {
	WorkerID     string
	RunID        string
	Attempt      int
	Branch       string
	LeaseSeconds int
	Cost         cost.Overrides
}

// Result records the outcome of one attempt
type Result struct {
	TaskID            string
	RunID             string
	Status            domain.TaskStatus
	Output            string
	Err               string
	Classification    failure.Classification
	Budget            cost.Budget
	CostUSD           float64
	Value             float64
	InputTokens       int
	OutputTokens      int
	ElapsedMS         int64
	ProviderRequestID string
}

// Failed reports whether the attempt ended in the failed state
func (r *Result) Failed() bool {
	return r.Status == domain.StatusFailed
}

// Coordinator wires the store, lease manager, cost resolver, provider, and
// sinks together for single attempts.
type Coordinator struct {
	store           taskstore.Store
	leases          *lease.Manager
	costs           *cost.Resolver
	provider        provider.Caller
	sink            telemetry.Sink
	friction        telemetry.FrictionSink
	publisher       events.Publisher
	providerTimeout time.Duration
}

// Config carries the coordinator's collaborators
type Config struct {
	Store           taskstore.Store
	Leases          *lease.Manager
	Costs           *cost.Resolver
	Provider        provider.Caller
	Sink            telemetry.Sink
	Friction        telemetry.FrictionSink
	Publisher       events.Publisher
	ProviderTimeout time.Duration
}

// New creates a Coordinator. Nil sinks and publisher default to no-ops.
func New(cfg Config) *Coordinator {
	if cfg.Sink == nil {
		cfg.Sink = telemetry.Nop{}
	}
	if cfg.Friction == nil {
		cfg.Friction = telemetry.Nop{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NopPublisher{}
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 120 * time.Second
	}
	return &Coordinator{
		store:           cfg.Store,
		leases:          cfg.Leases,
		costs:           cfg.Costs,
		provider:        cfg.Provider,
		sink:            cfg.Sink,
		friction:        cfg.Friction,
		publisher:       cfg.Publisher,
		providerTimeout: cfg.ProviderTimeout,
	}
}

// Execute runs one attempt of the given task through the attempt machine:
// queued -> leased -> dispatched -> completed | failed.
func (c *Coordinator) Execute(ctx context.Context, taskID string, opts Options) (*Result, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Attempt <= 0 {
		opts.Attempt = 1
	}

	task, err := c.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}

	claim, err := c.leases.Claim(lease.ClaimRequest{
		TaskID:       taskID,
		RunID:        opts.RunID,
		WorkerID:     opts.WorkerID,
		LeaseSeconds: opts.LeaseSeconds,
		Attempt:      opts.Attempt,
		Branch:       opts.Branch,
	})
	if err != nil {
		return nil, err
	}
	if !claim.Claimed {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, claim.Detail)
	}
	c.publisher.Publish(events.TaskEvent{
		Type:     events.TypeTaskClaimed,
		TaskID:   taskID,
		Status:   string(domain.StatusRunning),
		WorkerID: opts.WorkerID,
	})

	model := domain.ResolveModel(task.Type, task.Model)
	prompt := resolvePrompt(task)

	res := &Result{TaskID: taskID, RunID: opts.RunID}
	res.Budget = c.costs.Resolve(task, opts.Cost)

	// Validation failure: fail fast, no provider call, no retry
	if prompt == "" {
		return c.recordValidationFailure(ctx, task, opts, res)
	}

	// The lease TTL, not any in-process lock, covers us for the duration of
	// the provider call; renew it when it would lapse before the call's
	// timeout, or the sweeper could requeue the task mid-flight.
	leaseSecs := opts.LeaseSeconds
	if leaseSecs <= 0 {
		leaseSecs = taskstore.DefaultLeaseSeconds
	}
	if needed := int(c.providerTimeout.Seconds()) + 60; leaseSecs < needed {
		if _, err := c.leases.Extend(lease.ClaimRequest{
			TaskID:       taskID,
			RunID:        opts.RunID,
			WorkerID:     opts.WorkerID,
			LeaseSeconds: needed,
			Attempt:      opts.Attempt,
			Branch:       opts.Branch,
		}); err != nil {
			return nil, err
		}
	}

	// Mark dispatched before the provider call.
	if _, err := c.leases.Update(taskID, opts.RunID, opts.WorkerID,
		map[string]any{"status": string(domain.RunDispatched)}, true); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.providerTimeout)
	resp, callErr := c.provider.Complete(callCtx, model, prompt)
	cancel()

	if callErr != nil {
		return c.recordProviderFailure(ctx, task, opts, res, callErr)
	}
	return c.recordSuccess(ctx, task, opts, res, resp)
}

// resolvePrompt prefers an explicit prompt from the task context and falls
// back to the direction, appending a pending human decision when present.
func resolvePrompt(task *domain.Task) string {
	prompt := strings.TrimSpace(task.ContextString(domain.CtxPrompt))
	if prompt == "" {
		prompt = strings.TrimSpace(task.Direction)
	}
	if prompt == "" {
		return ""
	}
	if task.Decision != "" {
		prompt += "\n\nOperator decision: " + task.Decision
	}
	return prompt
}

func (c *Coordinator) recordValidationFailure(ctx context.Context, task *domain.Task, opts Options, res *Result) (*Result, error) {
	msg := "validation failed: resolved prompt is empty"
	res.Status = domain.StatusFailed
	res.Err = msg
	res.Classification = failure.Classify("", msg, "")

	if err := c.finishTask(task.ID, opts, domain.StatusFailed, msg, res); err != nil {
		return nil, err
	}

	c.friction.RecordFriction(ctx, telemetry.FrictionEvent{
		Block:    "empty_prompt",
		Severity: "medium",
		Owner:    opts.WorkerID,
		TaskID:   task.ID,
		Detail:   msg,
	})
	c.emit(ctx, task, res, 0)
	return res, nil
}

func (c *Coordinator) recordProviderFailure(ctx context.Context, task *domain.Task, opts Options, res *Result, callErr error) (*Result, error) {
	res.Status = domain.StatusFailed
	res.Err = callErr.Error()
	res.Classification = failure.Classify("", res.Err, "")

	var perr *provider.Error
	statusCode := 0
	if errors.As(callErr, &perr) {
		statusCode = perr.StatusCode
		res.ProviderRequestID = perr.RequestID
	}

	if err := c.finishTask(task.ID, opts, domain.StatusFailed, res.Err, res); err != nil {
		return nil, err
	}

	log.Printf("task %s attempt %d failed (%s): %s", task.ID, opts.Attempt, res.Classification.Signature, res.Err)
	c.emit(ctx, task, res, statusCode)
	return res, nil
}

func (c *Coordinator) recordSuccess(ctx context.Context, task *domain.Task, opts Options, res *Result, resp *provider.Response) (*Result, error) {
	res.Output = resp.Content
	res.InputTokens = resp.Usage.InputTokens
	res.OutputTokens = resp.Usage.OutputTokens
	res.ElapsedMS = resp.Meta.ElapsedMS
	res.ProviderRequestID = resp.Meta.ProviderRequestID

	metrics := parseContentMetrics(resp.Content)
	res.CostUSD = metrics.CostUSD
	res.Value = metrics.Value

	status := domain.StatusCompleted
	if metrics.NeedsDecision {
		status = domain.StatusNeedsDecision
	}
	res.Status = status

	upd := taskstore.TaskUpdate{Status: &status, Output: &res.Output}
	if metrics.DecisionPrompt != "" {
		upd.DecisionPrompt = &metrics.DecisionPrompt
	}
	if _, err := c.store.UpdateTask(task.ID, upd); err != nil {
		return nil, err
	}
	runStatus := string(domain.RunCompleted)
	if metrics.NeedsDecision {
		runStatus = string(domain.RunLeased)
	}
	if _, err := c.leases.Update(task.ID, opts.RunID, opts.WorkerID,
		map[string]any{"status": runStatus}, true); err != nil {
		return nil, err
	}

	log.Printf("task %s attempt %d completed: tokens=%d/%d elapsed_ms=%d request=%s",
		task.ID, opts.Attempt, res.InputTokens, res.OutputTokens, res.ElapsedMS, res.ProviderRequestID)
	c.emit(ctx, task, res, resp.Meta.StatusCode)
	return res, nil
}

// finishTask persists a failed terminal state on both the task and the run
// ledger. The failure message always lands in the task output so operators
// see a human-readable cause.
func (c *Coordinator) finishTask(taskID string, opts Options, status domain.TaskStatus, output string, res *Result) error {
	if _, err := c.store.UpdateTask(taskID, taskstore.TaskUpdate{Status: &status, Output: &output}); err != nil {
		return err
	}
	_, err := c.leases.Update(taskID, opts.RunID, opts.WorkerID,
		map[string]any{"status": string(domain.RunFailed), "error": output}, true)
	return err
}

// emit publishes the lifecycle event and the runtime telemetry record for
// one finished attempt.
func (c *Coordinator) emit(ctx context.Context, task *domain.Task, res *Result, statusCode int) {
	evType := events.TypeTaskCompleted
	switch res.Status {
	case domain.StatusFailed:
		evType = events.TypeTaskFailed
	case domain.StatusNeedsDecision:
		evType = events.TypeTaskNeedsDecision
	}
	c.publisher.Publish(events.TaskEvent{
		Type:   evType,
		TaskID: task.ID,
		Status: string(res.Status),
		Detail: res.Classification.Signature,
	})

	metadata := map[string]any{
		"run_id":   res.RunID,
		"cost_usd": res.CostUSD,
		"value":    res.Value,
	}
	if res.Err != "" {
		metadata["error"] = res.Err
		metadata["failure_bucket"] = res.Classification.Bucket
		metadata["failure_signature"] = res.Classification.Signature
	}
	c.sink.Record(ctx, telemetry.Event{
		Source:     telemetrySource,
		Endpoint:   "/v1/messages",
		Method:     "POST",
		StatusCode: statusCode,
		RuntimeMS:  res.ElapsedMS,
		IdeaID:     task.ContextString(domain.CtxIdeaID),
		Metadata:   metadata,
	})
}

// contentMetrics are the cost and decision hints a structured provider
// response may carry.
type contentMetrics struct {
	CostUSD        float64
	Value          float64
	NeedsDecision  bool
	DecisionPrompt string
}

// parseContentMetrics extracts metrics from structured JSON content. Plain
// text content yields zero metrics; this never fails the attempt.
func parseContentMetrics(content string) contentMetrics {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return contentMetrics{}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return contentMetrics{}
	}

	var m contentMetrics
	if v, ok := obj["cost_usd"].(float64); ok {
		m.CostUSD = v
	}
	if v, ok := obj["value"].(float64); ok {
		m.Value = v
	}
	if v, ok := obj["needs_decision"].(bool); ok {
		m.NeedsDecision = v
	}
	if v, ok := obj["decision_prompt"].(string); ok {
		m.DecisionPrompt = v
	}
	return m
}
