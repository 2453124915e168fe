// Package scheduler fires heartbeat and cron-style jobs as gateway
// events. The scheduler never drives agents directly; it is a pure
// event producer.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/valetlabs/valet/pkg/models"
)

// Submitter is the gateway surface the scheduler needs.
type Submitter interface {
	Submit(ev *models.Event) error
}

// PromptFn produces a job's prompt at firing time. Late binding lets
// prompts embed dynamic content (dates, pending items).
type PromptFn func(now time.Time) string

// Job is one registered schedule entry.
type Job struct {
	// ID uniquely identifies the job. Required.
	ID string

	// Name is a human label for logs.
	Name string

	// Source tags the produced events. Defaults to SourceScheduled.
	Source models.Source

	// Prompt is the static prompt text. Ignored when PromptFn is set.
	Prompt string

	// PromptFn, when set, is evaluated per firing.
	PromptFn PromptFn

	// Channel names the conversation channel for produced events.
	Channel string

	// Metadata is attached to every produced event.
	Metadata map[string]any

	// Enabled gates registration. Disabled jobs are not registered.
	Enabled bool

	// Schedule decides when the job fires.
	Schedule Schedule

	// NextRun and LastRun are runtime state maintained by the
	// scheduler.
	NextRun   time.Time
	LastRun   time.Time
	LastError string
}

// prompt resolves the firing-time prompt text.
func (j *Job) prompt(now time.Time) string {
	if j.PromptFn != nil {
		return j.PromptFn(now)
	}
	return j.Prompt
}

// ExecutionStatus is the lifecycle state of one job firing.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
)

// JobExecution records a single firing: submission through agent
// completion.
type JobExecution struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ExecutionStore persists firing history.
type ExecutionStore interface {
	Create(ctx context.Context, exec *JobExecution) error
	Update(ctx context.Context, exec *JobExecution) error
	Get(ctx context.Context, id string) (*JobExecution, error)
	List(ctx context.Context, jobID string, limit, offset int) ([]*JobExecution, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MemoryExecutionStore keeps firing history in memory.
type MemoryExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]*JobExecution
	order      []string
	now        func() time.Time
}

// NewMemoryExecutionStore creates an in-memory execution store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		executions: make(map[string]*JobExecution),
		now:        time.Now,
	}
}

func (s *MemoryExecutionStore) Create(ctx context.Context, exec *JobExecution) error {
	if exec == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; !exists {
		s.order = append(s.order, exec.ID)
	}
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *MemoryExecutionStore) Update(ctx context.Context, exec *JobExecution) error {
	if exec == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *MemoryExecutionStore) Get(ctx context.Context, id string) (*JobExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	return cloneExecution(exec), nil
}

// List returns executions in insertion order, optionally filtered by
// job id.
func (s *MemoryExecutionStore) List(ctx context.Context, jobID string, limit, offset int) ([]*JobExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	var result []*JobExecution
	matched := 0
	for _, id := range s.order {
		exec, ok := s.executions[id]
		if !ok {
			continue
		}
		if jobID != "" && exec.JobID != jobID {
			continue
		}
		if matched < offset {
			matched++
			continue
		}
		matched++
		result = append(result, cloneExecution(exec))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryExecutionStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	var pruned int64
	keep := make([]string, 0, len(s.order))
	for _, id := range s.order {
		exec, ok := s.executions[id]
		if !ok {
			continue
		}
		if exec.StartedAt.Before(cutoff) {
			delete(s.executions, id)
			pruned++
			continue
		}
		keep = append(keep, id)
	}
	s.order = keep
	return pruned, nil
}

func cloneExecution(exec *JobExecution) *JobExecution {
	if exec == nil {
		return nil
	}
	clone := *exec
	return &clone
}
