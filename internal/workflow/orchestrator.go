package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valetlabs/valet/internal/observability"
	"github.com/valetlabs/valet/pkg/models"
)

// Evaluator grades an llm_eval terminal condition.
type Evaluator interface {
	Evaluate(ctx context.Context, prompt string, project *Project) (bool, error)
}

// CheckFn is a host-provided terminal condition.
type CheckFn func(project *Project) (bool, error)

// Orchestrator owns all projects: it validates transitions, appends
// events, and drives task execution through the worker pool.
type Orchestrator struct {
	store     *Store
	pool      *WorkerPool
	evaluator Evaluator
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time

	// pauseOnExhaustion flips exhausted projects to PAUSED instead of
	// FAILED.
	pauseOnExhaustion bool

	mu        sync.Mutex
	projects  map[string]*Project
	budgets   map[string]*Budget
	cancelled map[string]chan struct{}
	checkFns  map[string]CheckFn
}

// OrchestratorOption configures the orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithWorkerPool attaches the task worker pool.
func WithWorkerPool(pool *WorkerPool) OrchestratorOption {
	return func(o *Orchestrator) { o.pool = pool }
}

// WithEvaluator attaches the llm_eval grader.
func WithEvaluator(e Evaluator) OrchestratorOption {
	return func(o *Orchestrator) { o.evaluator = e }
}

// WithCheckFn registers a named host condition.
func WithCheckFn(name string, fn CheckFn) OrchestratorOption {
	return func(o *Orchestrator) { o.checkFns[name] = fn }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *observability.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOrchestratorNow overrides the clock for tests.
func WithOrchestratorNow(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPauseOnExhaustion selects PAUSED over FAILED when a project
// budget runs out.
func WithPauseOnExhaustion() OrchestratorOption {
	return func(o *Orchestrator) { o.pauseOnExhaustion = true }
}

// NewOrchestrator creates an orchestrator over an event-log store.
func NewOrchestrator(store *Store, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		logger:    slog.Default().With("component", "workflow"),
		now:       time.Now,
		projects:  make(map[string]*Project),
		budgets:   make(map[string]*Budget),
		cancelled: make(map[string]chan struct{}),
		checkFns:  make(map[string]CheckFn),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Create starts a new project in PLANNING.
func (o *Orchestrator) Create(goal string, limits BudgetLimits) (*Project, error) {
	if goal == "" {
		return nil, fmt.Errorf("workflow: goal required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	p := &Project{}
	id := uuid.NewString()
	if err := o.appendLocked(p, EventCreated, "user", createdPayload{ID: id, Goal: goal}); err != nil {
		return nil, err
	}
	o.projects[id] = p
	o.budgets[id] = NewBudget(limits)
	o.cancelled[id] = make(chan struct{})
	return o.snapshot(p), nil
}

// UpdatePlan replaces the project's phases while PLANNING. The plan
// hash is recomputed from the new plan.
func (o *Orchestrator) UpdatePlan(id string, phases []Phase, conditions []TerminalCondition) (*Project, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, err := o.getLocked(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPlanning {
		return nil, fmt.Errorf("workflow: project %s: plan updates require PLANNING, not %s", id, p.Status)
	}
	for i := range phases {
		if phases[i].Status == "" {
			phases[i].Status = PhasePending
		}
	}
	err = o.appendLocked(p, EventPlanUpdated, "user", planUpdatedPayload{
		Phases:             phases,
		TerminalConditions: conditions,
	})
	if err != nil {
		return nil, err
	}
	return o.snapshot(p), nil
}

// Approve advances the approval flow: a PLANNING project submits its
// plan (AWAITING_APPROVAL); an AWAITING_APPROVAL project starts
// executing.
func (o *Orchestrator) Approve(id string) (*Project, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, err := o.getLocked(id)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case StatusPlanning:
		if err := o.transitionLocked(p, StatusAwaitingApproval, "user", "plan submitted"); err != nil {
			return nil, err
		}
	case StatusAwaitingApproval:
		if err := o.transitionLocked(p, StatusExecuting, "user", "plan approved"); err != nil {
			return nil, err
		}
		if b := o.budgets[id]; b != nil {
			b.Start()
		}
		if err := o.activateNextPhaseLocked(p); err != nil {
			return nil, err
		}
	default:
		return nil, &TransitionError{ProjectID: id, From: p.Status, To: StatusExecuting}
	}
	return o.snapshot(p), nil
}

// Pause suspends execution.
func (o *Orchestrator) Pause(id string) (*Project, error) {
	return o.simpleTransition(id, StatusPaused, "paused by user")
}

// Resume continues a paused project.
func (o *Orchestrator) Resume(id string) (*Project, error) {
	return o.simpleTransition(id, StatusExecuting, "resumed by user")
}

// Cancel terminates a project. The transition is recorded first, then
// the cancellation flag is raised for workers; an in-flight LLM call
// finishes before the flag is observed.
func (o *Orchestrator) Cancel(id string) (*Project, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, err := o.getLocked(id)
	if err != nil {
		return nil, err
	}
	if err := o.transitionLocked(p, StatusCancelled, "user", "cancelled by user"); err != nil {
		return nil, err
	}
	if ch, ok := o.cancelled[id]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	return o.snapshot(p), nil
}

// Steer records a mid-flight directive for the project's workers.
func (o *Orchestrator) Steer(id, directive string) (*Project, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, err := o.getLocked(id)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusCancelled {
		return nil, fmt.Errorf("workflow: project %s is cancelled", id)
	}
	if err := o.appendLocked(p, EventSteered, "user", steeredPayload{Directive: directive}); err != nil {
		return nil, err
	}
	return o.snapshot(p), nil
}

// Advance completes the active phase and activates the next. When no
// phases remain the project moves to REVIEWING.
func (o *Orchestrator) Advance(id string) (*Project, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, err := o.getLocked(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusExecuting {
		return nil, &TransitionError{ProjectID: id, From: p.Status, To: StatusReviewing}
	}

	if active := p.ActivePhase(); active != nil {
		err := o.appendLocked(p, EventPhaseAdvanced, "orchestrator",
			phaseAdvancedPayload{PhaseID: active.ID, Status: PhaseDone})
		if err != nil {
			return nil, err
		}
	}
	if err := o.activateNextPhaseLocked(p); err != nil {
		return nil, err
	}
	if p.ActivePhase() == nil {
		if err := o.transitionLocked(p, StatusReviewing, "orchestrator", "all phases complete"); err != nil {
			return nil, err
		}
	}
	return o.snapshot(p), nil
}

// Reconcile replays the project's event log and adopts the replayed
// state, healing any drift between memory and disk.
func (o *Orchestrator) Reconcile(id string) (*Project, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	replayed, err := o.store.Load(id)
	if err != nil {
		return nil, err
	}
	if current, ok := o.projects[id]; ok {
		if current.LastSeq != replayed.LastSeq || current.Status != replayed.Status {
			o.logger.Warn("project state diverged from log, adopting replay",
				"project", id,
				"memory_seq", current.LastSeq,
				"log_seq", replayed.LastSeq)
		}
	}
	o.projects[id] = replayed
	if _, ok := o.budgets[id]; !ok {
		o.budgets[id] = NewBudget(BudgetLimits{})
	}
	if _, ok := o.cancelled[id]; !ok {
		o.cancelled[id] = make(chan struct{})
		if replayed.Cancelled() {
			close(o.cancelled[id])
		}
	}
	return o.snapshot(replayed), nil
}

// Check evaluates the project's terminal conditions without changing
// state. All conditions must hold.
func (o *Orchestrator) Check(ctx context.Context, id string) (bool, error) {
	o.mu.Lock()
	p, err := o.getLocked(id)
	if err != nil {
		o.mu.Unlock()
		return false, err
	}
	view := o.snapshot(p)
	o.mu.Unlock()

	return o.evaluate(ctx, view)
}

// Review sweeps REVIEWING projects: conditions all met moves a project
// to DONE, otherwise back to PLANNING for revision.
func (o *Orchestrator) Review(ctx context.Context) error {
	o.mu.Lock()
	var reviewing []*Project
	for _, p := range o.projects {
		if p.Status == StatusReviewing {
			reviewing = append(reviewing, p)
		}
	}
	o.mu.Unlock()

	for _, p := range reviewing {
		met, err := o.evaluate(ctx, o.Get(p.ID))
		if err != nil {
			o.logger.Warn("terminal condition evaluation failed", "project", p.ID, "error", err)
			continue
		}

		o.mu.Lock()
		if p.Status == StatusReviewing {
			if met {
				err = o.transitionLocked(p, StatusDone, "orchestrator", "all terminal conditions met")
			} else {
				err = o.transitionLocked(p, StatusPlanning, "orchestrator", "conditions unmet, revising plan")
			}
			if err != nil {
				o.logger.Warn("review transition failed", "project", p.ID, "error", err)
			}
		}
		o.mu.Unlock()
	}
	return nil
}

// ExecuteTask runs one task on the worker pool and records its result.
// Budget exhaustion before or after the run transitions the project to
// FAILED (or PAUSED when configured).
func (o *Orchestrator) ExecuteTask(ctx context.Context, id string, task TaskSpec) (*TaskResult, error) {
	o.mu.Lock()
	p, err := o.getLocked(id)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if p.Status != StatusExecuting {
		o.mu.Unlock()
		return nil, fmt.Errorf("workflow: project %s is %s, not EXECUTING", id, p.Status)
	}
	budget := o.budgets[id]
	cancelledCh := o.cancelled[id]
	view := o.snapshot(p)
	phaseID := ""
	if active := p.ActivePhase(); active != nil {
		phaseID = active.ID
	}
	o.mu.Unlock()

	if budget != nil && budget.Exhausted() {
		return nil, o.exhaust(id)
	}
	if o.pool == nil {
		return nil, fmt.Errorf("workflow: no worker pool configured")
	}

	cancelled := func() bool {
		select {
		case <-cancelledCh:
			return true
		default:
			return false
		}
	}
	result := o.pool.Run(ctx, view, task, budget, cancelled)
	result.PhaseID = phaseID
	o.metrics.RecordWorkflowTask(taskStatus(result))

	o.mu.Lock()
	if aerr := o.appendLocked(p, EventTaskResult, "worker", result); aerr != nil {
		o.logger.Warn("failed to record task result", "project", id, "error", aerr)
	}
	o.mu.Unlock()

	if budget != nil && budget.Exhausted() {
		if err := o.exhaust(id); err != nil {
			return &result, err
		}
	}
	return &result, nil
}

// Get returns a copy of the project, or nil.
func (o *Orchestrator) Get(id string) *Project {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.projects[id]
	if !ok {
		return nil
	}
	return o.snapshot(p)
}

// Budget returns the project's budget handle.
func (o *Orchestrator) Budget(id string) *Budget {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.budgets[id]
}

// exhaust flips an over-budget project to FAILED or PAUSED.
func (o *Orchestrator) exhaust(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, err := o.getLocked(id)
	if err != nil {
		return err
	}
	target := StatusFailed
	reason := "budget exhausted"
	if o.pauseOnExhaustion {
		target = StatusPaused
	}
	if p.Status != target {
		if terr := o.transitionLocked(p, target, "orchestrator", reason); terr != nil {
			return terr
		}
	}
	return fmt.Errorf("workflow: project %s budget exhausted", id)
}

func (o *Orchestrator) simpleTransition(id string, to Status, reason string) (*Project, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, err := o.getLocked(id)
	if err != nil {
		return nil, err
	}
	if err := o.transitionLocked(p, to, "user", reason); err != nil {
		return nil, err
	}
	return o.snapshot(p), nil
}

// transitionLocked validates against the table before anything is
// recorded. Invalid transitions never reach the log.
func (o *Orchestrator) transitionLocked(p *Project, to Status, actor, reason string) error {
	if !CanTransition(p.Status, to) {
		return &TransitionError{ProjectID: p.ID, From: p.Status, To: to}
	}
	from := p.Status
	if err := o.appendLocked(p, EventTransitioned, actor, transitionedPayload{
		From:   from,
		To:     to,
		Reason: reason,
	}); err != nil {
		return err
	}
	o.metrics.RecordWorkflowTransition(string(from), string(to))
	return nil
}

// appendLocked builds the next event, folds it into the project, and
// persists it.
func (o *Orchestrator) appendLocked(p *Project, typ EventType, actor string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	ev := &WorkflowEvent{
		Seq:       p.LastSeq + 1,
		Type:      typ,
		Timestamp: models.Timestamp(o.now()),
		Actor:     actor,
		Payload:   raw,
	}
	if err := p.apply(ev); err != nil {
		return err
	}
	return o.store.Append(p, ev)
}

// activateNextPhaseLocked marks the first PENDING phase ACTIVE, if
// any.
func (o *Orchestrator) activateNextPhaseLocked(p *Project) error {
	for i := range p.Phases {
		if p.Phases[i].Status == PhasePending {
			return o.appendLocked(p, EventPhaseAdvanced, "orchestrator",
				phaseAdvancedPayload{PhaseID: p.Phases[i].ID, Status: PhaseActive})
		}
	}
	return nil
}

func (o *Orchestrator) getLocked(id string) (*Project, error) {
	p, ok := o.projects[id]
	if !ok {
		return nil, fmt.Errorf("workflow: project %s not found", id)
	}
	return p, nil
}

// snapshot deep-copies the project for callers outside the lock.
func (o *Orchestrator) snapshot(p *Project) *Project {
	cp := *p
	cp.Phases = append([]Phase(nil), p.Phases...)
	for i := range cp.Phases {
		cp.Phases[i].Tasks = append([]TaskSpec(nil), p.Phases[i].Tasks...)
	}
	cp.TerminalConditions = append([]TerminalCondition(nil), p.TerminalConditions...)
	cp.Directives = append([]string(nil), p.Directives...)
	cp.TaskResults = append([]TaskResult(nil), p.TaskResults...)
	return &cp
}

// evaluate checks every terminal condition against a project view.
func (o *Orchestrator) evaluate(ctx context.Context, p *Project) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("workflow: project not found")
	}
	if len(p.TerminalConditions) == 0 {
		return false, nil
	}
	for _, cond := range p.TerminalConditions {
		met, err := o.evaluateCondition(ctx, p, cond)
		if err != nil {
			return false, err
		}
		if !met {
			return false, nil
		}
	}
	return true, nil
}

func (o *Orchestrator) evaluateCondition(ctx context.Context, p *Project, cond TerminalCondition) (bool, error) {
	switch cond.Kind {
	case "artifact_exists":
		_, err := os.Stat(cond.Path)
		if err == nil {
			return true, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("workflow: stat artifact %s: %w", cond.Path, err)
	case "phase_count":
		return p.DonePhases() >= cond.Count, nil
	case "llm_eval":
		if o.evaluator == nil {
			return false, fmt.Errorf("workflow: no evaluator configured for llm_eval")
		}
		return o.evaluator.Evaluate(ctx, cond.Prompt, p)
	case "check_fn":
		fn, ok := o.checkFns[cond.Name]
		if !ok {
			return false, fmt.Errorf("workflow: check_fn %q not registered", cond.Name)
		}
		return fn(p)
	default:
		return false, fmt.Errorf("workflow: unknown terminal condition %q", cond.Kind)
	}
}

func taskStatus(result TaskResult) string {
	if result.Success {
		return "success"
	}
	return "error"
}
