package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/agent-task-coordinator/internal/config"
	"github.com/hochfrequenz/agent-task-coordinator/internal/continuation"
	"github.com/hochfrequenz/agent-task-coordinator/internal/coordinator"
	"github.com/hochfrequenz/agent-task-coordinator/internal/cost"
	"github.com/hochfrequenz/agent-task-coordinator/internal/domain"
	"github.com/hochfrequenz/agent-task-coordinator/internal/events"
	"github.com/hochfrequenz/agent-task-coordinator/internal/lease"
	"github.com/hochfrequenz/agent-task-coordinator/internal/observer"
	"github.com/hochfrequenz/agent-task-coordinator/internal/provider"
	"github.com/hochfrequenz/agent-task-coordinator/internal/retry"
	"github.com/hochfrequenz/agent-task-coordinator/internal/sweeper"
	"github.com/hochfrequenz/agent-task-coordinator/internal/taskstore"
	"github.com/hochfrequenz/agent-task-coordinator/internal/telemetry"
	"github.com/hochfrequenz/agent-task-coordinator/internal/worker"
)

const version = "0.3.0"

var (
	addType     string
	addModel    string
	addExecutor string
	addMaxCost  float64
	addRetryMax int
	listStatus  string
	listType    string
	listLimit   int
	runWorkerID string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run workers, lease sweeper, intake watcher, and event hub",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks in the shared queue",
	}

	addCmd := &cobra.Command{
		Use:   "add DIRECTION",
		Short: "Add a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskAdd,
	}
	addCmd.Flags().StringVar(&addType, "type", string(domain.TypeImpl), "task type (spec|test|impl|review|heal)")
	addCmd.Flags().StringVar(&addModel, "model", "", "model override")
	addCmd.Flags().StringVar(&addExecutor, "executor", "", "executor override")
	addCmd.Flags().Float64Var(&addMaxCost, "max-cost", 0, "spend limit in USD")
	addCmd.Flags().IntVar(&addRetryMax, "retry-max", -1, "retry budget; 0 means never retry")
	taskCmd.AddCommand(addCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  runTaskList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&listType, "type", "", "filter by type")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "page size")
	taskCmd.AddCommand(listCmd)

	showCmd := &cobra.Command{
		Use:   "show TASK",
		Short: "Show one task with its run state",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskShow,
	}
	taskCmd.AddCommand(showCmd)

	rootCmd.AddCommand(taskCmd)

	runCmd := &cobra.Command{
		Use:   "run TASK",
		Short: "Execute a single task attempt in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runWorkerID, "worker-id", "cli", "worker id to claim with")
	rootCmd.AddCommand(runCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (taskstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
		return nil, err
	}
	return taskstore.NewSQLite(cfg.General.DatabasePath)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, "agent-task-coordinator", version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	recorder, err := telemetry.NewRecorder()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := events.NewHub(store, cfg.Web.Port)
	leases := lease.NewManager(store)
	costs := &cost.Resolver{
		DefaultMaxCostUSD: cfg.Cost.DefaultMaxUSD,
		DefaultSlackRatio: cfg.Cost.SlackRatio,
	}
	prov := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey,
		time.Duration(cfg.Provider.TimeoutSecs)*time.Second)

	coord := coordinator.New(coordinator.Config{
		Store:     store,
		Leases:    leases,
		Costs:     costs,
		Provider:  prov,
		Sink:      recorder,
		Friction:  recorder,
		Publisher: hub,
	})

	pool := worker.NewPool(cfg.General.Workers, 64)
	defer pool.Shutdown(context.Background())

	policy := &retry.Policy{
		Store:         store,
		EnvDefaultMax: cfg.Retry.DefaultMax,
		Async: func(fn func()) {
			if !pool.Submit(fn) {
				go fn()
			}
		},
	}

	sched := continuation.New(store, &continuation.StoreInventory{Store: store}, coord,
		pool, recorder, hub, continuation.ConfigFromEnv("serve"))

	sweep, err := sweeper.New(store, cfg.Sweeper.Schedule)
	if err != nil {
		return err
	}

	intake, err := observer.NewIntakeWatcher(store, hub, cfg.General.IntakeDir)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Start(gctx) })
	g.Go(func() error { return intake.Start(gctx) })
	g.Go(func() error { sweep.Start(gctx); return nil })
	for i := 0; i < cfg.General.Workers; i++ {
		runner := &worker.Runner{
			ID:           fmt.Sprintf("worker-%d", i+1),
			Store:        store,
			Coordinator:  coord,
			Policy:       policy,
			OnFinish:     sched.OnTaskFinished,
			PollInterval: time.Duration(cfg.General.PollIntervalSecs) * time.Second,
			LeaseSeconds: cfg.General.LeaseSeconds,
		}
		g.Go(func() error { return runner.Run(gctx) })
	}

	log.Printf("agent-coord %s serving with %d workers, db=%s, web=:%d",
		version, cfg.General.Workers, cfg.General.DatabasePath, cfg.Web.Port)
	return g.Wait()
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	taskType := domain.TaskType(addType)
	if !domain.ValidTaskType(taskType) {
		return fmt.Errorf("unknown task type %q", addType)
	}

	taskCtx := map[string]any{}
	if addMaxCost > 0 {
		taskCtx[domain.CtxMaxCostUSD] = addMaxCost
	}
	if addRetryMax >= 0 {
		taskCtx[domain.CtxRetryMax] = addRetryMax
	}

	task, err := store.CreateTask(taskstore.TaskSpec{
		Direction: args[0],
		Type:      taskType,
		Executor:  domain.Executor(addExecutor),
		Model:     addModel,
		Context:   taskCtx,
	})
	if err != nil {
		return err
	}

	fmt.Printf("created %s (%s, model %s)\n", task.ID, task.Type, task.Model)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, total, err := store.ListTasks(taskstore.ListOptions{
		Status: domain.TaskStatus(listStatus),
		Type:   domain.TaskType(listType),
		Limit:  listLimit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCLAIMED BY\tDIRECTION")
	for _, task := range tasks {
		direction := task.Direction
		if len(direction) > 60 {
			direction = direction[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			task.ID, task.Type, task.Status, task.ClaimedBy, direction)
	}
	w.Flush()
	fmt.Printf("%d of %d tasks\n", len(tasks), total)
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	task, err := store.GetTask(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("ID:        %s\n", task.ID)
	fmt.Printf("Type:      %s\n", task.Type)
	fmt.Printf("Status:    %s\n", task.Status)
	fmt.Printf("Model:     %s\n", task.Model)
	fmt.Printf("Direction: %s\n", task.Direction)
	if task.ClaimedBy != "" {
		fmt.Printf("Claimed:   %s at %s\n", task.ClaimedBy, task.ClaimedAt.Format(time.RFC3339))
	}
	if task.DecisionPrompt != "" {
		fmt.Printf("Decision needed: %s\n", task.DecisionPrompt)
	}
	if len(task.Context) > 0 {
		fmt.Println("Context:")
		for k, v := range task.Context {
			fmt.Printf("  %s: %v\n", k, v)
		}
	}
	if task.Output != "" {
		fmt.Printf("Output:\n%s\n", task.Output)
	}

	run, err := store.GetRun(task.ID)
	if err == nil {
		fmt.Printf("Run:       %s worker=%s attempt=%d status=%s lease_expires=%s\n",
			run.RunID, run.WorkerID, run.Attempt, run.Status,
			run.LeaseExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	prov := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey,
		time.Duration(cfg.Provider.TimeoutSecs)*time.Second)
	coord := coordinator.New(coordinator.Config{
		Store:    store,
		Leases:   lease.NewManager(store),
		Costs:    &cost.Resolver{DefaultMaxCostUSD: cfg.Cost.DefaultMaxUSD, DefaultSlackRatio: cfg.Cost.SlackRatio},
		Provider: prov,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := coord.Execute(ctx, args[0], coordinator.Options{
		WorkerID:     runWorkerID,
		LeaseSeconds: cfg.General.LeaseSeconds,
	})
	if err != nil {
		return err
	}

	fmt.Printf("task %s finished %s (cost $%.4f, %d ms)\n",
		res.TaskID, res.Status, res.CostUSD, res.ElapsedMS)
	if res.Output != "" {
		fmt.Println(res.Output)
	}
	return nil
}
