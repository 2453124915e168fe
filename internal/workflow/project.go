// Package workflow implements long-running plan-then-execute projects:
// an event-sourced state machine with budget enforcement, a bounded
// worker pool, and declarative completion conditions.
package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Status is a project's state-machine position.
type Status string

const (
	StatusPlanning         Status = "PLANNING"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusExecuting        Status = "EXECUTING"
	StatusPaused           Status = "PAUSED"
	StatusReviewing        Status = "REVIEWING"
	StatusDone             Status = "DONE"
	StatusFailed           Status = "FAILED"
	StatusCancelled        Status = "CANCELLED"
)

// validTransitions is the complete transition table. CANCELLED is
// terminal; DONE may re-enter PLANNING for follow-up work.
var validTransitions = map[Status][]Status{
	StatusPlanning:         {StatusAwaitingApproval, StatusCancelled, StatusFailed},
	StatusAwaitingApproval: {StatusExecuting, StatusPlanning, StatusCancelled},
	StatusExecuting:        {StatusPaused, StatusReviewing, StatusFailed, StatusCancelled},
	StatusPaused:           {StatusExecuting, StatusCancelled},
	StatusReviewing:        {StatusDone, StatusPlanning, StatusExecuting, StatusFailed},
	StatusFailed:           {StatusPlanning, StatusCancelled},
	StatusDone:             {StatusPlanning},
	StatusCancelled:        {},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionError reports a state change the table forbids. It is
// never recorded as an event.
type TransitionError struct {
	ProjectID string
	From      Status
	To        Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("workflow: project %s: invalid transition %s -> %s", e.ProjectID, e.From, e.To)
}

// PhaseStatus is a phase's position within its project.
type PhaseStatus string

const (
	PhasePending PhaseStatus = "PENDING"
	PhaseActive  PhaseStatus = "ACTIVE"
	PhaseDone    PhaseStatus = "DONE"
	PhaseFailed  PhaseStatus = "FAILED"
)

// TaskSpec is one unit of work inside a phase. IDs are stable: they
// feed the plan hash and the event log.
type TaskSpec struct {
	ID            string   `json:"id"`
	Description   string   `json:"description"`
	MaxAttempts   int      `json:"max_attempts,omitempty"`
	ToolAllowlist []string `json:"tool_allowlist,omitempty"`
}

// Phase groups tasks with entry and exit criteria.
type Phase struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Status        PhaseStatus `json:"status"`
	Tasks         []TaskSpec  `json:"tasks,omitempty"`
	EntryCriteria []string    `json:"entry_criteria,omitempty"`
	ExitCriteria  []string    `json:"exit_criteria,omitempty"`
}

// TerminalCondition is a declarative completion predicate, evaluated
// while the project is REVIEWING.
type TerminalCondition struct {
	// Kind selects the predicate: artifact_exists, phase_count,
	// llm_eval, or check_fn.
	Kind string `json:"kind"`

	// Path is the artifact checked by artifact_exists.
	Path string `json:"path,omitempty"`

	// Count is the minimum number of DONE phases for phase_count.
	Count int `json:"count,omitempty"`

	// Prompt is the grading question for llm_eval.
	Prompt string `json:"prompt,omitempty"`

	// Name references a host-registered function for check_fn.
	Name string `json:"name,omitempty"`
}

// TaskResult records one worker run.
type TaskResult struct {
	TaskID   string `json:"task_id"`
	PhaseID  string `json:"phase_id"`
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	LLMCalls int    `json:"llm_calls"`
}

// Project is the durable record of one workflow. It is rebuilt
// deterministically from its event log; the serialized form is only a
// cached snapshot.
type Project struct {
	ID                 string              `json:"id"`
	Goal               string              `json:"goal"`
	Status             Status              `json:"status"`
	Phases             []Phase             `json:"phases,omitempty"`
	TerminalConditions []TerminalCondition `json:"terminal_conditions,omitempty"`
	Directives         []string            `json:"directives,omitempty"`
	TaskResults        []TaskResult        `json:"task_results,omitempty"`
	PlanHash           string              `json:"plan_hash"`
	Created            time.Time           `json:"created"`
	Updated            time.Time           `json:"updated"`

	// LastSeq is the sequence number of the newest applied event.
	LastSeq uint64 `json:"last_seq"`
}

// Cancelled reports whether the project reached its terminal state.
func (p *Project) Cancelled() bool { return p.Status == StatusCancelled }

// ActivePhase returns the currently ACTIVE phase, or nil.
func (p *Project) ActivePhase() *Phase {
	for i := range p.Phases {
		if p.Phases[i].Status == PhaseActive {
			return &p.Phases[i]
		}
	}
	return nil
}

// DonePhases counts completed phases.
func (p *Project) DonePhases() int {
	n := 0
	for _, ph := range p.Phases {
		if ph.Status == PhaseDone {
			n++
		}
	}
	return n
}

// ComputePlanHash hashes the plan's identity: the goal, the phase
// names, and each task's id and description, in order. Any plan edit
// changes the hash and invalidates reasoning derived from the old
// plan.
func ComputePlanHash(goal string, phases []Phase) string {
	var b strings.Builder
	b.WriteString(goal)
	for _, ph := range phases {
		b.WriteByte(0x1f)
		b.WriteString(ph.Name)
		for _, task := range ph.Tasks {
			b.WriteByte(0x1e)
			b.WriteString(task.ID)
			b.WriteByte(0x1f)
			b.WriteString(task.Description)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
