// Package scheduler starts orchestrations on cron schedules kept in the store.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/replaykit/internal/store"
	"github.com/rendis/replaykit/pkg/schema"
)

// DefaultTickInterval is how often the store is polled for due jobs.
const DefaultTickInterval = 60 * time.Second

// Job run statuses.
const (
	StatusStarted   = "started"
	StatusDuplicate = "duplicate"
	StatusError     = "error"
)

// Starter is the part of the host the scheduler uses to start instances.
type Starter interface {
	StartOrchestration(ctx context.Context, name, instanceID string, input any) (string, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets the polling interval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithNow sets the time source.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler polls the store for due jobs and starts their orchestrations.
type Scheduler struct {
	store    store.Store
	starter  Starter
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Scheduler.
func New(s store.Store, starter Starter, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	sc := &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger.With(slog.String("component", "scheduler")),
		interval: DefaultTickInterval,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// AddJob validates the cron expression, computes the first run and stores
// the job. An empty ID gets a random one.
func (s *Scheduler) AddJob(ctx context.Context, orchestration, cronExpr string, input []byte) (*store.ScheduledJob, error) {
	if orchestration == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "scheduled job requires an orchestration name")
	}
	now := s.now().UTC()
	next, err := s.NextRun(cronExpr, now)
	if err != nil {
		return nil, err
	}
	job := &store.ScheduledJob{
		ID:                uuid.NewString(),
		OrchestrationName: orchestration,
		CronExpression:    cronExpr,
		Input:             input,
		Enabled:           true,
		NextRunAt:         &next,
		CreatedAt:         now,
	}
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Start launches the polling loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts every enabled job whose next run is due. It returns the
// number of jobs run.
func (s *Scheduler) Tick(ctx context.Context) int {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return 0
	}

	now := s.now().UTC()
	ran := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		} else {
			ran++
		}
		s.releaseJob(job.ID)
	}
	return ran
}

// RecoverMissed runs once every enabled job whose next run passed while the
// scheduler was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := s.now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to recover missed job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		} else {
			recovered++
		}
		s.releaseJob(job.ID)
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}

// runJob starts the job's orchestration and moves its next run forward. The
// instance id is derived from the job and its due time, so a run that was
// already started counts as a duplicate instead of starting twice.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	due := now
	if job.NextRunAt != nil {
		due = job.NextRunAt.UTC()
	}
	instanceID := RunInstanceID(job.ID, due)
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("orchestration", job.OrchestrationName),
		slog.String("instance_id", instanceID),
	)

	status := StatusStarted
	var input any
	if len(job.Input) > 0 {
		input = job.Input
	}
	_, err := s.starter.StartOrchestration(ctx, job.OrchestrationName, instanceID, input)
	switch {
	case err == nil:
	case schema.HasCode(err, schema.ErrCodeConflict):
		status = StatusDuplicate
	default:
		status = StatusError
		s.logger.Error("scheduled start failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
	return s.updateJob(ctx, job, now, status, instanceID)
}

func (s *Scheduler) updateJob(ctx context.Context, job *store.ScheduledJob, now time.Time, status, instanceID string) error {
	nextRun, err := s.NextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}
	update := store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	}
	if status != StatusError {
		update.LastInstanceID = instanceID
	}
	return s.store.UpdateScheduledJob(ctx, job.ID, update)
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// NextRun computes the first run of cronExpr strictly after from.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %v", cronExpr, err).WithCause(err)
	}
	return sched.Next(from), nil
}

// Stop shuts the loop down and waits for it.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
	return nil
}

// RunInstanceID is the instance id of the run of job due at due.
func RunInstanceID(jobID string, due time.Time) string {
	return fmt.Sprintf("%s:%s", jobID, due.UTC().Format("20060102T150405Z"))
}
