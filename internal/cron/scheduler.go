package cron

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard 5-field expressions plus @descriptors (@hourly, @daily, ...).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Runner executes a job's skill invocation to completion. Satisfied by
// an adapter over the service.
type Runner interface {
	Run(ctx context.Context, skillName, message string) (string, error)
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, skillName, message string) (string, error)

// Run executes the runner function.
func (f RunnerFunc) Run(ctx context.Context, skillName, message string) (string, error) {
	return f(ctx, skillName, message)
}

// Job is a scheduled job with its runtime state. A running flag guards
// against overlapping firings; the rest is guarded by the scheduler's
// mutex.
type Job struct {
	Spec     JobSpec
	Schedule cron.Schedule

	NextRun   time.Time
	LastRun   time.Time
	LastError string

	running atomic.Bool
}

// Scheduler fires jobs when their cron expressions become due. Missed
// firings while the process was down are not backfilled: the first
// NextRun is computed from startup time.
type Scheduler struct {
	runner       Runner
	logDir       string
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	jobs    []*Job
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides how often due jobs are checked.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewScheduler builds a scheduler from job specs. Invalid jobs are
// logged and skipped; they do not prevent the rest from loading.
func NewScheduler(specs []JobSpec, runner Runner, logDir string, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	s := &Scheduler{
		runner:       runner,
		logDir:       logDir,
		logger:       slog.Default().With("component", "cron"),
		now:          time.Now,
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.now()
	for _, spec := range specs {
		if err := spec.validate(); err != nil {
			s.logger.Warn("job skipped", "job", spec.Name, "error", err)
			continue
		}
		schedule, err := cronParser.Parse(spec.CronExpression)
		if err != nil {
			s.logger.Warn("job skipped", "job", spec.Name, "error", fmt.Errorf("invalid cron expression: %w", err))
			continue
		}
		job := &Job{Spec: spec, Schedule: schedule}
		if spec.Enabled {
			job.NextRun = schedule.Next(now)
		}
		s.jobs = append(s.jobs, job)
	}
	return s, nil
}

// Start begins checking for due jobs until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.fireDue(ctx)
			}
		}
	}()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop waits for the scheduler loop and in-flight jobs to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs returns a snapshot of the configured jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, Job{
			Spec:      job.Spec,
			Schedule:  job.Schedule,
			NextRun:   job.NextRun,
			LastRun:   job.LastRun,
			LastError: job.LastError,
		})
	}
	return out
}

// fireDue launches every due job in the background. NextRun advances at
// launch, not on completion, so a long run is not re-detected as due on
// every tick while it is still in flight.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()
	for _, job := range s.due(now) {
		job := job
		s.advance(job, now)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(ctx, job, now)
		}()
	}
}

// RunDue executes every job due at now synchronously and returns how
// many ran. Used by tests and manual triggers.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	ran := 0
	for _, job := range s.due(now) {
		s.advance(job, now)
		if s.execute(ctx, job, now) {
			ran++
		}
	}
	return ran
}

func (s *Scheduler) due(now time.Time) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, job := range s.jobs {
		if !job.Spec.Enabled || job.NextRun.IsZero() || now.Before(job.NextRun) {
			continue
		}
		due = append(due, job)
	}
	return due
}

// execute runs one job unless its previous run is still in flight.
func (s *Scheduler) execute(ctx context.Context, job *Job, now time.Time) bool {
	if !job.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous run still in flight, skipping", "job", job.Spec.Name)
		return false
	}
	defer job.running.Store(false)

	s.logger.Info("running job", "job", job.Spec.Name, "skill", job.Spec.SkillName)
	result, err := s.runner.Run(ctx, job.Spec.SkillName, job.Spec.Message)

	s.mu.Lock()
	job.LastRun = now
	if err != nil {
		job.LastError = err.Error()
	} else {
		job.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed", "job", job.Spec.Name, "error", err)
		return true
	}
	if job.Spec.LogOutput {
		if logErr := s.writeJobLog(job.Spec.Name, now, result); logErr != nil {
			s.logger.Warn("failed to write job log", "job", job.Spec.Name, "error", logErr)
		}
	}
	return true
}

func (s *Scheduler) advance(job *Job, now time.Time) {
	s.mu.Lock()
	job.NextRun = job.Schedule.Next(now)
	s.mu.Unlock()
}

func (s *Scheduler) writeJobLog(name string, now time.Time, output string) error {
	if s.logDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return err
	}
	filename := fmt.Sprintf("%s-%s.log", name, now.Format("20060102-150405"))
	return os.WriteFile(filepath.Join(s.logDir, filename), []byte(output+"\n"), 0o644)
}
