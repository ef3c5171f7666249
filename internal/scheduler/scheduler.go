// Package scheduler runs the periodic catch-up trigger on a cron expression
// that can be swapped at runtime.
package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/chanrelay/chanrelay/internal/utils/logger"
	"go.uber.org/zap"
)

// DefaultCron fires catch-up every ten minutes.
const DefaultCron = "*/10 * * * *"

const jobName = "catch-up"

// Scheduler owns the single catch-up cron job. A malformed expression leaves
// the trigger disabled until a valid one is applied; the parse error is kept
// for inspection.
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	job       gocron.Job
	expr      string
	lastErr   error
	task      func()
}

// New creates a stopped scheduler that will invoke task on every tick.
func New(task func()) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, task: task}, nil
}

// Apply replaces the catch-up schedule. On a malformed expression the old job
// is already removed, so the trigger stays disabled; the error is recorded
// and returned.
func (s *Scheduler) Apply(expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job != nil {
		if err := s.scheduler.RemoveJob(s.job.ID()); err != nil {
			logger.Warn("Failed to remove catch-up job", zap.Error(err))
		}
		s.job = nil
	}

	// Six fields means the expression carries a seconds column.
	withSeconds := len(strings.Fields(expr)) > 5

	j, err := s.scheduler.NewJob(
		gocron.CronJob(expr, withSeconds),
		gocron.NewTask(s.task),
		gocron.WithName(jobName),
	)
	if err != nil {
		s.expr = ""
		s.lastErr = fmt.Errorf("invalid cron expression %q: %w", expr, err)
		logger.Error("Catch-up trigger disabled", zap.String("cron", expr), zap.Error(err))
		return s.lastErr
	}

	s.job = j
	s.expr = expr
	s.lastErr = nil
	logger.Info("Catch-up schedule applied", zap.String("cron", expr))
	return nil
}

// Current reports the live expression, the next firing time, and the last
// apply error. The expression is empty while the trigger is disabled.
func (s *Scheduler) Current() (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	if s.job != nil {
		if nr, err := s.job.NextRun(); err == nil {
			next = nr
		}
	}
	return s.expr, next, s.lastErr
}

// Start begins firing the applied schedule.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Stop shuts the scheduler down and waits for a running tick to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
