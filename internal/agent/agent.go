// Package agent implements the tool-calling loop: it drives the model
// through bounded iterations of completion and tool execution,
// enforcing the iteration cap, the context budget, and the approval
// flow, and persists the conversation as session turns.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/valetlabs/valet/internal/circuit"
	"github.com/valetlabs/valet/internal/llm"
	"github.com/valetlabs/valet/internal/modelsel"
	"github.com/valetlabs/valet/internal/observability"
	"github.com/valetlabs/valet/internal/sessions"
	"github.com/valetlabs/valet/internal/tools"
	"github.com/valetlabs/valet/pkg/models"
)

const (
	// defaultMaxIterations bounds the tool loop per chat.
	defaultMaxIterations = 5

	// defaultContextLimit is the conversation token ceiling.
	defaultContextLimit = 200_000

	// defaultContextReserve keeps headroom for the model's answer.
	defaultContextReserve = 4096

	// defaultMaxToolResultChars truncates oversized tool output before
	// it enters history.
	defaultMaxToolResultChars = 4000
)

// LLM is the completion dependency. *llm.Invoker satisfies it.
type LLM interface {
	Invoke(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// ChatOptions parameterize one chat call.
type ChatOptions struct {
	// Mode is the call-type hint for model selection.
	Mode string

	// Channel names the conversation channel. Defaults to "cli".
	Channel string

	// Source identifies the event kind driving this chat. Approval
	// prompts are only possible for interactive sources.
	Source models.Source

	// UserID identifies the requesting user, if any.
	UserID string

	// MaxIterations overrides the loop cap. Zero means the default.
	MaxIterations int

	// Think requests the thinking model.
	Think bool

	// ThinkingLevel selects the reasoning budget.
	ThinkingLevel modelsel.ThinkingLevel
}

// Agent owns one conversation history per channel and turns user
// messages into assistant responses. Not safe for concurrent Chat
// calls; the gateway serializes access.
type Agent struct {
	name    string
	persona string
	llm     LLM

	selector *modelsel.Selector
	catalog  *tools.Catalog
	executor *tools.Executor
	grants   *tools.GrantStore
	policy   *tools.Policy
	tier     tools.Tier
	circuits *circuit.Registry
	store    sessions.Store
	approver ApprovalHandler

	advisors []Advisor
	hooks    []AfterChatHook

	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
	now     func() time.Time

	defaultModel       string
	contextLimit       int
	contextReserve     int
	maxToolResultChars int

	// history and sessionIDs are keyed by channel. Entry 0 of each
	// history is conceptually the system message; it is materialized
	// fresh on every call, so only user/assistant/tool entries are
	// stored here.
	history    map[string][]llm.Message
	sessionIDs map[string]string
}

// Option configures an Agent.
type Option func(*Agent)

// WithPersona sets the static system-prompt text.
func WithPersona(persona string) Option {
	return func(a *Agent) { a.persona = persona }
}

// WithSelector sets the model selector.
func WithSelector(s *modelsel.Selector) Option {
	return func(a *Agent) { a.selector = s }
}

// WithTools attaches the tool catalog and its executor.
func WithTools(catalog *tools.Catalog, executor *tools.Executor) Option {
	return func(a *Agent) {
		a.catalog = catalog
		a.executor = executor
	}
}

// WithGrants attaches the approval grant store.
func WithGrants(g *tools.GrantStore) Option {
	return func(a *Agent) { a.grants = g }
}

// WithPolicy attaches the layered tool policy.
func WithPolicy(p *tools.Policy) Option {
	return func(a *Agent) { a.policy = p }
}

// WithTier sets the active permission tier.
func WithTier(t tools.Tier) Option {
	return func(a *Agent) { a.tier = t }
}

// WithCircuits attaches the breaker registry for per-tool recording.
func WithCircuits(r *circuit.Registry) Option {
	return func(a *Agent) { a.circuits = r }
}

// WithSessions attaches the session store.
func WithSessions(s sessions.Store) Option {
	return func(a *Agent) { a.store = s }
}

// WithApprovalHandler routes approval requests to the user.
func WithApprovalHandler(h ApprovalHandler) Option {
	return func(a *Agent) { a.approver = h }
}

// WithAdvisors registers pre-chat advisors.
func WithAdvisors(advisors ...Advisor) Option {
	return func(a *Agent) { a.advisors = append(a.advisors, advisors...) }
}

// WithAfterChatHooks registers post-chat hooks.
func WithAfterChatHooks(hooks ...AfterChatHook) Option {
	return func(a *Agent) { a.hooks = append(a.hooks, hooks...) }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithTracer attaches the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// WithDefaultModel sets the model used when no selector is configured.
func WithDefaultModel(model string) Option {
	return func(a *Agent) { a.defaultModel = model }
}

// WithContextLimit overrides the token ceiling and reserve.
func WithContextLimit(limit, reserve int) Option {
	return func(a *Agent) {
		if limit > 0 {
			a.contextLimit = limit
		}
		if reserve > 0 {
			a.contextReserve = reserve
		}
	}
}

// WithMaxToolResultChars overrides the tool-result truncation bound.
func WithMaxToolResultChars(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxToolResultChars = n
		}
	}
}

// New creates an agent.
func New(name string, model LLM, opts ...Option) *Agent {
	a := &Agent{
		name:               name,
		llm:                model,
		tier:               tools.TierFull,
		logger:             slog.Default(),
		now:                time.Now,
		defaultModel:       "claude-sonnet-4-20250514",
		contextLimit:       defaultContextLimit,
		contextReserve:     defaultContextReserve,
		maxToolResultChars: defaultMaxToolResultChars,
		history:            make(map[string][]llm.Message),
		sessionIDs:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.name }

// Chat runs the tool-calling loop for one message. Failures that reach
// the user are returned as friendly text in the result, never as raw
// internal errors; the error return is reserved for context
// cancellation.
func (a *Agent) Chat(ctx context.Context, message string, opts ChatOptions) (*models.ChatResult, error) {
	if opts.Channel == "" {
		opts.Channel = "cli"
	}
	if opts.Source == "" {
		opts.Source = models.SourceMessage
	}
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	ctx, span := a.tracer.StartAgentRun(ctx, a.name, opts.Channel)
	defer observability.EndSpan(span, nil)

	start := a.now()
	sessionID := a.ensureSession(ctx, opts.Channel)
	a.persistTurn(ctx, sessionID, models.Turn{
		Role:      models.RoleUser,
		Content:   message,
		Timestamp: models.Timestamp(start),
	})

	system := a.buildSystemPrompt(ctx, message, opts.Channel)

	history := append(a.history[opts.Channel], llm.Message{Role: "user", Content: message})

	allowed, defs := a.visibleTools(opts.Channel)

	model := a.selectModel(message, opts)

	result := &models.ChatResult{Model: model.Model}
	var lastText string

	defer func() {
		a.history[opts.Channel] = history
		result.Duration = a.now().Sub(start)
		a.persistTurn(ctx, sessionID, models.Turn{
			Role:      models.RoleAssistant,
			Content:   result.Text,
			Timestamp: models.Timestamp(a.now()),
			Metadata:  map[string]any{"model": result.Model},
		})
		a.runAfterChatHooks(ctx, message, result, opts)
	}()

	for iteration := 0; iteration < maxIterations; iteration++ {
		if a.estimateTokens(system, history) > a.contextLimit-a.contextReserve {
			a.logger.Warn("context budget exhausted, ending loop",
				"agent", a.name,
				"channel", opts.Channel,
				"iteration", iteration)
			break
		}

		resp, err := a.llm.Invoke(ctx, &llm.Request{
			Model:          model.Model,
			System:         system,
			Messages:       history,
			Tools:          defs,
			ThinkingBudget: model.BudgetTokens,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.logger.Error("llm call failed",
				"agent", a.name,
				"channel", opts.Channel,
				"model", model.Model,
				"error", err)
			result.Text = Sanitize(err)
			return result, nil
		}

		result.Usage.Add(resp.Usage)
		if resp.Model != "" {
			result.Model = resp.Model
		}
		if resp.Text != "" {
			lastText = resp.Text
		}

		history = append(history, llm.Message{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			result.Text = resp.Text
			return result, nil
		}

		for _, call := range resp.ToolCalls {
			output, success := a.runTool(ctx, call, allowed, opts, sessionID, result)
			// The tool result turn follows the assistant turn that
			// requested it; this ordering is what replay relies on.
			history = append(history, llm.Message{
				Role:       "tool",
				Content:    output,
				ToolCallID: call.ID,
				IsError:    !success,
			})
		}
	}

	// Iteration cap or context exhaustion: return the last textual
	// content alongside the full tool-call log.
	result.Text = lastText
	return result, nil
}

// runTool resolves, authorizes, and executes one tool call, returning
// the (possibly synthetic) result string. It appends to the result's
// tool-call log and persists a tool turn.
func (a *Agent) runTool(ctx context.Context, call models.ToolCall, allowed map[string]*tools.Descriptor, opts ChatOptions, sessionID string, result *models.ChatResult) (string, bool) {
	logEntry := func(output string, duration time.Duration, success bool) (string, bool) {
		result.ToolCalls = append(result.ToolCalls, models.ToolCallLogEntry{
			Name:      call.Name,
			Arguments: string(call.Arguments),
			Result:    output,
			Duration:  duration,
			Success:   success,
		})
		a.persistTurn(ctx, sessionID, models.Turn{
			Role:      models.RoleTool,
			Content:   output,
			Timestamp: models.Timestamp(a.now()),
			Metadata: map[string]any{
				"tool":    call.Name,
				"success": success,
			},
		})
		return output, success
	}

	d, ok := allowed[call.Name]
	if !ok {
		return logEntry(fmt.Sprintf("Error executing %s: tool not found", call.Name), 0, false)
	}

	if d.RequiresApproval && (a.grants == nil || !a.grants.Contains(d.Name)) {
		granted, reason := a.requestApproval(ctx, d, call, opts)
		if !granted {
			return logEntry(reason, 0, false)
		}
	}

	toolCtx, span := a.tracer.StartToolExecution(ctx, d.Name)
	res := a.executor.Execute(toolCtx, d, call.Arguments)
	if res.Success {
		observability.EndSpan(span, nil)
	} else {
		observability.EndSpan(span, fmt.Errorf("tool %s failed", d.Name))
	}

	if a.circuits != nil {
		a.circuits.Record(d.Name, res.Success, res.Duration)
	}
	status := "success"
	if !res.Success {
		status = "error"
	}
	a.metrics.RecordToolExecution(d.Name, status, res.Duration.Seconds())

	return logEntry(a.truncate(res.Output), res.Duration, res.Success)
}

// requestApproval asks the user to authorize a gated tool. For
// non-interactive sources there is nobody to ask, so the tool is
// skipped with a synthetic result.
func (a *Agent) requestApproval(ctx context.Context, d *tools.Descriptor, call models.ToolCall, opts ChatOptions) (bool, string) {
	if !opts.Source.Interactive() || a.approver == nil {
		return false, "User not available to approve"
	}

	approved, err := a.approver.RequestApproval(ctx, &ApprovalRequest{
		Tool:        d.Name,
		Description: d.Description,
		Arguments:   call.Arguments,
		Channel:     opts.Channel,
		UserID:      opts.UserID,
	})
	if err != nil {
		a.logger.Warn("approval request failed",
			"tool", d.Name,
			"channel", opts.Channel,
			"error", err)
		return false, "User not available to approve"
	}
	if !approved {
		return false, "User declined."
	}

	if a.grants != nil {
		if err := a.grants.Grant(d.Name); err != nil {
			a.logger.Warn("failed to persist approval grant", "tool", d.Name, "error", err)
		}
	}
	return true, ""
}

// buildSystemPrompt materializes the system message: the static
// persona plus each advisor's contribution. Advisors fail soft.
func (a *Agent) buildSystemPrompt(ctx context.Context, message, channel string) string {
	system := a.persona
	if system == "" {
		system = "You are " + a.name + ", a personal assistant."
	}
	for _, advisor := range a.advisors {
		text, err := a.advise(ctx, advisor, message, channel)
		if err != nil {
			a.logger.Warn("advisor failed, skipping",
				"advisor", advisor.Name(),
				"error", err)
			continue
		}
		if text != "" {
			system += "\n\n" + text
		}
	}
	return system
}

// advise invokes one advisor, converting panics into errors.
func (a *Agent) advise(ctx context.Context, advisor Advisor, message, channel string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("advisor %s panicked: %v", advisor.Name(), r)
		}
	}()
	return advisor.Advise(ctx, message, channel)
}

// runAfterChatHooks runs hooks sequentially. Failures and panics are
// logged and never surfaced.
func (a *Agent) runAfterChatHooks(ctx context.Context, message string, result *models.ChatResult, opts ChatOptions) {
	rec := &ChatRecord{
		Message:  message,
		Response: result,
		Channel:  opts.Channel,
		UserID:   opts.UserID,
	}
	for _, hook := range a.hooks {
		if err := a.runHook(ctx, hook, rec); err != nil {
			a.logger.Warn("after-chat hook failed",
				"hook", hook.Name(),
				"error", err)
		}
	}
}

func (a *Agent) runHook(ctx context.Context, hook AfterChatHook, rec *ChatRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %s panicked: %v", hook.Name(), r)
		}
	}()
	return hook.AfterChat(ctx, rec)
}

// visibleTools computes the tools exposed this call: visible at the
// active tier, then filtered by the layered policy.
func (a *Agent) visibleTools(channel string) (map[string]*tools.Descriptor, []llm.ToolDef) {
	if a.catalog == nil {
		return nil, nil
	}
	names := a.catalog.VisibleAt(a.tier)
	names = a.policy.Apply(names, channel, a.name)

	allowed := make(map[string]*tools.Descriptor, len(names))
	defs := make([]llm.ToolDef, 0, len(names))
	for _, d := range a.catalog.Descriptors(names) {
		allowed[d.Name] = d
		defs = append(defs, llm.ToolDef{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return allowed, defs
}

func (a *Agent) selectModel(message string, opts ChatOptions) modelsel.Config {
	if a.selector == nil {
		return modelsel.Config{Model: a.defaultModel}
	}
	return a.selector.Select(message, opts.Mode, opts.Think, opts.ThinkingLevel)
}

// ensureSession returns the channel's session, creating one on first
// use. Persistence failures are logged, not fatal.
func (a *Agent) ensureSession(ctx context.Context, channel string) string {
	if a.store == nil {
		return ""
	}
	if id, ok := a.sessionIDs[channel]; ok {
		return id
	}
	session := models.NewSession(a.name, channel)
	if err := a.store.Create(ctx, session); err != nil {
		a.logger.Warn("failed to create session", "channel", channel, "error", err)
		return ""
	}
	a.sessionIDs[channel] = session.ID
	return session.ID
}

func (a *Agent) persistTurn(ctx context.Context, sessionID string, turn models.Turn) {
	if a.store == nil || sessionID == "" {
		return
	}
	if err := a.store.AppendTurn(ctx, sessionID, turn); err != nil {
		a.logger.Warn("failed to persist turn",
			"session", sessionID,
			"role", turn.Role,
			"error", err)
	}
}

// estimateTokens approximates the conversation size at four characters
// per token.
func (a *Agent) estimateTokens(system string, history []llm.Message) int {
	total := len(system)
	for _, msg := range history {
		total += len(msg.Role) + len(msg.Content)
		for _, tc := range msg.ToolCalls {
			total += len(tc.Name) + len(tc.Arguments)
		}
	}
	return total / 4
}

// truncate bounds a tool result before it enters history, marking what
// was dropped.
func (a *Agent) truncate(s string) string {
	if len(s) <= a.maxToolResultChars {
		return s
	}
	return fmt.Sprintf("%s\n[TRUNCATED: %d chars, showing first %d]",
		s[:a.maxToolResultChars], len(s), a.maxToolResultChars)
}
