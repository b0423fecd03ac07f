package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs identified tasks on a repeating schedule.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID // id → entryID
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// NewScheduler creates a scheduler. taskTimeout bounds a single run of any
// task; 0 means one minute.
func NewScheduler(logger *slog.Logger, taskTimeout time.Duration) *Scheduler {
	if taskTimeout <= 0 {
		taskTimeout = time.Minute
	}
	return &Scheduler{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		logger:  logger,
		timeout: taskTimeout,
	}
}

// Start begins running the scheduler. Tasks fire only while it is started.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop removes every task, signals running jobs to stop and waits for them.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	for id, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.started = false
	s.mu.Unlock()

	// Jobs read s.ctx under the lock, so wait without holding it.
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// Add registers a task identified by id.
func (s *Scheduler) Add(id string, schedule cron.Schedule, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("scheduler: task %q already exists", id)
	}

	logger := s.logger
	timeout := s.timeout
	s.entries[id] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil || ctx.Err() != nil {
			logger.Debug("scheduler stopped, skipping task", "id", id)
			return
		}

		taskCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := fn(taskCtx); err != nil {
			logger.Warn("scheduled task failed", "id", id, "error", err)
		}
	}))
	logger.Debug("task added", "id", id)
	return nil
}

// Remove drops a task by id.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", id)
	}
	s.cron.Remove(entryID)
	delete(s.entries, id)
	s.logger.Debug("task removed", "id", id)
	return nil
}

// Every returns a cron.Schedule that fires at a fixed interval.
func Every(d time.Duration) cron.Schedule {
	return &constantDelay{delay: d}
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
