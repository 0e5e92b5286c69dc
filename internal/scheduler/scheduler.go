package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultInterval = 30 * time.Second

// JobFunc runs one firing of a job. firedAt is the tick that found it due.
type JobFunc func(ctx context.Context, firedAt time.Time) error

// JobInfo is a snapshot of a registered job.
type JobInfo struct {
	ID            string    `json:"id"`
	Cron          string    `json:"cron"`
	NextRunAt     time.Time `json:"next_run_at"`
	LastRunAt     time.Time `json:"last_run_at,omitzero"`
	LastRunStatus string    `json:"last_run_status,omitempty"`
	Running       bool      `json:"running"`
}

type job struct {
	info     JobInfo
	schedule cron.Schedule
	fn       JobFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets how often due jobs are checked.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler fires registered jobs on their cron schedules. A job never
// overlaps itself: a firing that comes due while the previous one still runs
// is skipped.
type Scheduler struct {
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	jobs   map[string]*job
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler that understands five-field cron expressions
// and descriptors such as @daily.
func NewScheduler(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: defaultInterval,
		now:      time.Now,
		jobs:     make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers fn under id. The first firing is the next match after now.
func (s *Scheduler) Add(id, cronExpr string, fn JobFunc) error {
	if id == "" || fn == nil {
		return fmt.Errorf("scheduler: job id and func are required")
	}
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; ok {
		return fmt.Errorf("scheduler: job %q already registered", id)
	}
	s.jobs[id] = &job{
		info:     JobInfo{ID: id, Cron: cronExpr, NextRunAt: sched.Next(s.now().UTC())},
		schedule: sched,
		fn:       fn,
	}
	return nil
}

// Remove unregisters a job. A firing in progress is not interrupted.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// Jobs returns the registered jobs sorted by id.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.info)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(from), nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.loop(schedCtx, done)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx, s.now().UTC())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, s.now().UTC())
		}
	}
}

// tick starts every job due at now that is not already running.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if j.info.NextRunAt.After(now) {
			continue
		}
		// Advance even when skipped so a long run does not queue firings.
		j.info.NextRunAt = j.schedule.Next(now)
		if j.info.Running {
			s.logger.Warn("scheduled job still running, skipping firing", slog.String("job_id", j.info.ID))
			continue
		}
		j.info.Running = true
		due = append(due, j)
	}
	s.wg.Add(len(due))
	s.mu.Unlock()

	for _, j := range due {
		go s.runJob(ctx, j, now)
	}
}

func (s *Scheduler) runJob(ctx context.Context, j *job, now time.Time) {
	defer s.wg.Done()

	s.logger.Info("running scheduled job", slog.String("job_id", j.info.ID), slog.Time("fired_at", now))
	status := "success"
	if err := j.fn(ctx, now); err != nil {
		status = "error"
		s.logger.Error("scheduled job execution failed",
			slog.String("job_id", j.info.ID),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	j.info.Running = false
	j.info.LastRunAt = now
	j.info.LastRunStatus = status
	s.mu.Unlock()
}

// Stop cancels the loop and waits for running jobs to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.wg.Wait()

	s.logger.Info("scheduler stopped")
	return nil
}
