// Package continuation keeps the pipeline self-feeding: when the queue
// drains after a finish event, it asks the inventory collaborator for
// follow-up work and optionally auto-runs the first seeded task. Nothing in
// here may ever affect the triggering task's own outcome, so every error is
// swallowed.
package continuation

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/hochfrequenz/agent-task-coordinator/internal/coordinator"
	"github.com/hochfrequenz/agent-task-coordinator/internal/domain"
	"github.com/hochfrequenz/agent-task-coordinator/internal/events"
	"github.com/hochfrequenz/agent-task-coordinator/internal/lineage"
	"github.com/hochfrequenz/agent-task-coordinator/internal/taskstore"
	"github.com/hochfrequenz/agent-task-coordinator/internal/telemetry"
	"github.com/hochfrequenz/agent-task-coordinator/internal/worker"
)

// Environment flags gating the scheduler
const (
	EnvAutofill = "AGENT_CONTINUOUS_AUTOFILL"
	EnvAutorun  = "AGENT_CONTINUATION_AUTORUN"
)

// Inventory is the external collaborator that proposes follow-up work.
// Each call returns the ids of tasks it created, possibly none.
type Inventory interface {
	SyncSpecGapTasks(ctx context.Context) ([]string, error)
	NextHighestROITask(ctx context.Context) ([]string, error)
	NextUnblockTask(ctx context.Context) ([]string, error)
}

// Runner executes a seeded task. Satisfied by *coordinator.Coordinator.
type Runner interface {
	Execute(ctx context.Context, taskID string, opts coordinator.Options) (*coordinator.Result, error)
}

// Config configures a Scheduler
type Config struct {
	Autofill bool
	Autorun  bool
	WorkerID string
}

// ConfigFromEnv resolves the gate flags: an explicit env var wins, and
// autofill is implicitly on when running in a recognized managed deployment.
func ConfigFromEnv(workerID string) Config {
	return Config{
		Autofill: envBool(EnvAutofill, inManagedDeployment()),
		Autorun:  envBool(EnvAutorun, false),
		WorkerID: workerID,
	}
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func inManagedDeployment() bool {
	return os.Getenv("RAILWAY_ENVIRONMENT") != "" || os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// Scheduler seeds follow-up work when the queue is provably idle
type Scheduler struct {
	store     taskstore.Store
	inventory Inventory
	runner    Runner
	pool      *worker.Pool
	sink      telemetry.Sink
	publisher events.Publisher
	cfg       Config
}

// New creates a Scheduler. Nil sink and publisher default to no-ops.
func New(store taskstore.Store, inventory Inventory, runner Runner, pool *worker.Pool, sink telemetry.Sink, publisher events.Publisher, cfg Config) *Scheduler {
	if sink == nil {
		sink = telemetry.Nop{}
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Scheduler{
		store:     store,
		inventory: inventory,
		runner:    runner,
		pool:      pool,
		sink:      sink,
		publisher: publisher,
		cfg:       cfg,
	}
}

// source order is fixed: spec/implementation gaps first, then the highest
// ROI answered-question follow-up, then unblock-flow tasks.
type source struct {
	name  string
	fetch func(*Scheduler, context.Context) ([]string, error)
}

var sources = []source{
	{"spec_gap", func(s *Scheduler, ctx context.Context) ([]string, error) { return s.inventory.SyncSpecGapTasks(ctx) }},
	{"roi_followup", func(s *Scheduler, ctx context.Context) ([]string, error) { return s.inventory.NextHighestROITask(ctx) }},
	{"unblock_flow", func(s *Scheduler, ctx context.Context) ([]string, error) { return s.inventory.NextUnblockTask(ctx) }},
}

// OnTaskFinished runs the gate checks and, when they pass, seeds follow-up
// work. The idle check is an at-most-once soft guarantee: a task created by
// another worker between the count and the seed is tolerated.
func (s *Scheduler) OnTaskFinished(ctx context.Context, task *domain.Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("continuation: panic swallowed: %v", r)
		}
	}()

	if task == nil || !task.Status.Terminal() {
		return
	}
	if !s.cfg.Autofill {
		return
	}

	active, err := s.store.CountActive()
	if err != nil || active != 0 {
		return
	}

	for _, src := range sources {
		ids, err := src.fetch(s, ctx)
		if err != nil {
			log.Printf("continuation: %s source failed: %v", src.name, err)
			continue
		}
		if len(ids) == 0 {
			continue
		}
		s.seeded(ctx, src.name, ids)
		return
	}
}

func (s *Scheduler) seeded(ctx context.Context, sourceName string, ids []string) {
	autorunFired := false
	if s.cfg.Autorun && s.runner != nil {
		// Detached unit of work; its failure never reaches the caller.
		first := ids[0]
		autorunFired = s.pool != nil && s.pool.Submit(func() {
			if _, err := s.runner.Execute(context.Background(), first, coordinator.Options{WorkerID: s.cfg.WorkerID}); err != nil {
				log.Printf("continuation: autorun of task %s failed: %v", first, err)
			}
		})
	}

	s.publisher.Publish(events.TaskEvent{
		Type:   events.TypeContinuationSeeded,
		TaskID: ids[0],
		Detail: sourceName,
	})
	s.sink.Record(ctx, telemetry.Event{
		Source:   "continuation_scheduler",
		Endpoint: sourceName,
		Method:   "seed",
		Metadata: map[string]any{
			"seeded":  len(ids),
			"autorun": autorunFired,
		},
	})
	log.Printf("continuation: seeded %d task(s) from %s (autorun=%v)", len(ids), sourceName, autorunFired)
}

var _ Inventory = (*NopInventory)(nil)

// NopInventory proposes nothing. Used when no inventory collaborator is
// configured.
type NopInventory struct{}

func (NopInventory) SyncSpecGapTasks(ctx context.Context) ([]string, error)   { return nil, nil }
func (NopInventory) NextHighestROITask(ctx context.Context) ([]string, error) { return nil, nil }
func (NopInventory) NextUnblockTask(ctx context.Context) ([]string, error)    { return nil, nil }

// StoreInventory is a minimal built-in inventory that seeds heal tasks for
// recently failed work. It stands in for the richer external collaborator
// in single-binary deployments.
type StoreInventory struct {
	Store taskstore.Store
}

// SyncSpecGapTasks seeds a heal task for the most recently failed task.
// When that task is itself a heal task the chain is followed back, so the
// seeded task always points at the original failure, not an intermediate heal.
func (s *StoreInventory) SyncSpecGapTasks(ctx context.Context) ([]string, error) {
	failed, _, err := s.Store.ListTasks(taskstore.ListOptions{Status: domain.StatusFailed, Limit: 1})
	if err != nil || len(failed) == 0 {
		return nil, err
	}
	last := failed[0]

	origin := last.ID
	if parents, err := s.healParents(); err == nil {
		origin = lineage.ResolveOrigin(last.ID, parents)
	}

	task, err := s.Store.CreateTask(taskstore.TaskSpec{
		Direction: "Heal the failed task: " + last.Direction,
		Type:      domain.TypeHeal,
		Context: map[string]any{
			"healed_task_id": last.ID,
			"origin_task_id": origin,
		},
	})
	if err != nil {
		return nil, err
	}
	return []string{task.ID}, nil
}

// healParents maps each heal task to the task it was healing
func (s *StoreInventory) healParents() (map[string]string, error) {
	heals, _, err := s.Store.ListTasks(taskstore.ListOptions{Type: domain.TypeHeal})
	if err != nil {
		return nil, err
	}
	parents := make(map[string]string, len(heals))
	for _, h := range heals {
		if healed := h.ContextString("healed_task_id"); healed != "" {
			parents[h.ID] = healed
		}
	}
	return parents, nil
}

func (s *StoreInventory) NextHighestROITask(ctx context.Context) ([]string, error) { return nil, nil }
func (s *StoreInventory) NextUnblockTask(ctx context.Context) ([]string, error)    { return nil, nil }
