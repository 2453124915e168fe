package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valetlabs/valet/pkg/models"
)

// Scheduler runs registered jobs on a tick loop and submits each
// firing to the gateway as an event. Overlapping firings of the same
// job are coalesced: at most one instance per job id is outstanding.
type Scheduler struct {
	submitter    Submitter
	store        ExecutionStore
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu       sync.Mutex
	jobs     map[string]*Job
	order    []string
	inFlight map[string]bool
	started  bool
	wg       sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithExecutionStore attaches firing history persistence.
func WithExecutionStore(store ExecutionStore) Option {
	return func(s *Scheduler) { s.store = store }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewScheduler creates a scheduler over a gateway submitter.
func NewScheduler(submitter Submitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		submitter:    submitter,
		logger:       slog.Default().With("component", "scheduler"),
		now:          time.Now,
		tickInterval: time.Second,
		jobs:         make(map[string]*Job),
		inFlight:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddJob registers a job. Disabled jobs are skipped without error. A
// job with a known id replaces the existing registration.
func (s *Scheduler) AddJob(job Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("scheduler: job id required")
	}
	if !job.Enabled {
		s.logger.Info("job disabled, not registered", "id", job.ID)
		return nil
	}
	if job.Prompt == "" && job.PromptFn == nil {
		return fmt.Errorf("scheduler: job %s requires a prompt", job.ID)
	}
	if job.Source == "" {
		job.Source = models.SourceScheduled
	}

	next, ok, err := job.Schedule.Next(s.now())
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", job.ID, err)
	}
	if !ok {
		return fmt.Errorf("scheduler: job %s has no future firing", job.ID)
	}
	job.NextRun = next

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		s.order = append(s.order, job.ID)
	}
	s.jobs[job.ID] = &job
	return nil
}

// AddHeartbeat registers a heartbeat job: a recurring prompt delivered
// as a low-priority background event.
func (s *Scheduler) AddHeartbeat(id string, spec ScheduleSpec, prompt string, metadata map[string]any) error {
	schedule, err := NewSchedule(spec)
	if err != nil {
		return fmt.Errorf("scheduler: heartbeat %s: %w", id, err)
	}
	return s.AddJob(Job{
		ID:       id,
		Name:     "heartbeat " + id,
		Source:   models.SourceHeartbeat,
		Prompt:   prompt,
		Channel:  "heartbeat",
		Metadata: metadata,
		Enabled:  true,
		Schedule: schedule,
	})
}

// AddHeartbeatFn registers a heartbeat whose prompt is evaluated per
// firing.
func (s *Scheduler) AddHeartbeatFn(id string, spec ScheduleSpec, promptFn PromptFn, metadata map[string]any) error {
	schedule, err := NewSchedule(spec)
	if err != nil {
		return fmt.Errorf("scheduler: heartbeat %s: %w", id, err)
	}
	return s.AddJob(Job{
		ID:       id,
		Name:     "heartbeat " + id,
		Source:   models.SourceHeartbeat,
		PromptFn: promptFn,
		Channel:  "heartbeat",
		Metadata: metadata,
		Enabled:  true,
		Schedule: schedule,
	})
}

// Jobs returns a snapshot of registered jobs in registration order.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		if job, ok := s.jobs[id]; ok {
			out = append(out, *job)
		}
	}
	return out
}

// Start begins the tick loop. It runs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
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
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Shutdown waits for the tick loop to stop after its context is
// cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
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

// RunOnce fires due jobs immediately (primarily for tests). Returns
// the number of jobs fired.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.runDue(ctx)
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	count := 0

	s.mu.Lock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.mu.Unlock()

	for _, id := range ids {
		s.mu.Lock()
		job, ok := s.jobs[id]
		if !ok || job.NextRun.IsZero() || now.Before(job.NextRun) {
			s.mu.Unlock()
			continue
		}
		if s.inFlight[id] {
			// Previous firing still outstanding; coalesce by pushing
			// NextRun forward without submitting.
			s.advance(job, now)
			s.mu.Unlock()
			continue
		}
		s.inFlight[id] = true
		job.LastRun = now
		s.advance(job, now)
		fire := *job
		s.mu.Unlock()

		s.fire(ctx, &fire, now)
		count++
	}
	return count
}

// advance computes the job's next firing. Exhausted schedules drop out
// of the loop by zeroing NextRun. Caller holds the lock.
func (s *Scheduler) advance(job *Job, now time.Time) {
	next, ok, err := job.Schedule.Next(now)
	switch {
	case err != nil:
		job.LastError = err.Error()
		job.NextRun = time.Time{}
	case !ok:
		job.NextRun = time.Time{}
	default:
		job.NextRun = next
	}
}

// fire submits one job firing and tracks its completion through the
// event future.
func (s *Scheduler) fire(ctx context.Context, job *Job, now time.Time) {
	exec := &JobExecution{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Status:    ExecutionRunning,
		StartedAt: now,
	}
	if s.store != nil {
		if err := s.store.Create(ctx, exec); err != nil {
			s.logger.Warn("failed to record execution", "job", job.ID, "error", err)
		}
	}

	future := models.NewFuture()
	ev := models.NewEvent(job.Source, job.prompt(now),
		models.WithChannel(job.Channel),
		models.WithMetadata(job.Metadata),
		models.WithResponse(future),
	)

	if err := s.submitter.Submit(ev); err != nil {
		s.logger.Warn("job submission rejected", "job", job.ID, "error", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := future.Wait(ctx)
		done := s.now()

		exec.CompletedAt = done
		exec.Duration = done.Sub(exec.StartedAt)
		if err != nil {
			exec.Status = ExecutionFailed
			exec.Error = err.Error()
			s.recordFailure(job.ID, err)
		} else {
			exec.Status = ExecutionSucceeded
			if result != nil {
				exec.Output = result.Text
			}
		}
		if s.store != nil {
			if uerr := s.store.Update(context.WithoutCancel(ctx), exec); uerr != nil {
				s.logger.Warn("failed to update execution", "job", job.ID, "error", uerr)
			}
		}

		s.mu.Lock()
		delete(s.inFlight, job.ID)
		s.mu.Unlock()
	}()
}

func (s *Scheduler) recordFailure(jobID string, err error) {
	s.logger.Warn("job firing failed", "job", jobID, "error", err)
	s.mu.Lock()
	if job, ok := s.jobs[jobID]; ok {
		job.LastError = err.Error()
	}
	s.mu.Unlock()
}
