// Package sweeper reaps expired leases. A worker that crashed mid-attempt
// leaves its task in running with a lapsed lease; the sweeper flips such
// tasks back to pending so any live worker can claim them.
package sweeper

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/agent-task-coordinator/internal/domain"
	"github.com/hochfrequenz/agent-task-coordinator/internal/taskstore"
)

// Sweeper periodically scans running tasks for expired leases
type Sweeper struct {
	store    taskstore.Store
	schedule cron.Schedule
	now      func() time.Time

	mu       sync.Mutex
	lastRun  time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a sweeper with the given cron expression (standard five-field
// syntax, e.g. "* * * * *" for every minute).
func New(store taskstore.Store, cronExpr string) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		store:    store,
		schedule: schedule,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}, nil
}

// Start runs the sweep loop until the context is cancelled or Stop is
// called. It blocks; callers run it on its own goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			if s.shouldRun() {
				if n, err := s.Sweep(); err != nil {
					log.Printf("sweeper: sweep failed: %v", err)
				} else if n > 0 {
					log.Printf("sweeper: requeued %d task(s) with expired leases", n)
				}
				s.markRun()
			}
		}
	}
}

// Stop stops the sweep loop
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Sweeper) shouldRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.lastRun
	if last.IsZero() {
		last = s.now().Add(-24 * time.Hour)
	}
	return s.now().After(s.schedule.Next(last))
}

func (s *Sweeper) markRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = s.now()
}

// Sweep performs one scan and returns the number of tasks requeued
func (s *Sweeper) Sweep() (int, error) {
	running, _, err := s.store.ListTasks(taskstore.ListOptions{Status: domain.StatusRunning})
	if err != nil {
		return 0, err
	}

	now := s.now()
	requeued := 0
	for _, task := range running {
		state, err := s.store.GetRun(task.ID)
		if err == taskstore.ErrNotFound {
			continue
		}
		if err != nil {
			return requeued, err
		}
		if !state.LeaseExpired(now) {
			continue
		}

		pending := domain.StatusPending
		cleared := ""
		if _, err := s.store.UpdateTask(task.ID, taskstore.TaskUpdate{
			Status:    &pending,
			ClaimedBy: &cleared,
		}); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}
