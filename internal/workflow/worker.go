package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valetlabs/valet/internal/llm"
	"github.com/valetlabs/valet/internal/tools"
)

// ErrToolPolicyViolation marks a worker that tried to invoke a tool
// outside its task allowlist.
var ErrToolPolicyViolation = errors.New("workflow: tool invocation outside task allowlist")

// Per-million-token prices used to charge LLM usage against the
// project budget.
const (
	costPerMillionInput  = 3.0
	costPerMillionOutput = 15.0
)

const defaultWorkerIterations = 5

// LLM is the completion dependency for workers.
type LLM interface {
	Invoke(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// WorkerPool runs short-lived task workers with bounded concurrency.
// Each worker is a single-threaded tool loop over a catalog filtered
// to the task's allowlist.
type WorkerPool struct {
	llm           LLM
	catalog       *tools.Catalog
	executor      *tools.Executor
	logger        *slog.Logger
	model         string
	maxIterations int
	sem           chan struct{}
}

// WorkerPoolOption configures the pool.
type WorkerPoolOption func(*WorkerPool)

// WithWorkerLogger sets the pool logger.
func WithWorkerLogger(logger *slog.Logger) WorkerPoolOption {
	return func(p *WorkerPool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWorkerModel sets the model workers call.
func WithWorkerModel(model string) WorkerPoolOption {
	return func(p *WorkerPool) {
		if model != "" {
			p.model = model
		}
	}
}

// WithWorkerIterations bounds each worker's tool loop.
func WithWorkerIterations(n int) WorkerPoolOption {
	return func(p *WorkerPool) {
		if n > 0 {
			p.maxIterations = n
		}
	}
}

// NewWorkerPool creates a pool of at most size concurrent workers.
func NewWorkerPool(size int, model LLM, catalog *tools.Catalog, executor *tools.Executor, opts ...WorkerPoolOption) *WorkerPool {
	if size <= 0 {
		size = 2
	}
	p := &WorkerPool{
		llm:           model,
		catalog:       catalog,
		executor:      executor,
		logger:        slog.Default().With("component", "workflow.worker"),
		model:         "claude-sonnet-4-20250514",
		maxIterations: defaultWorkerIterations,
		sem:           make(chan struct{}, size),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one task to completion, blocking for a pool slot. The
// budget is checked after every LLM call; the cancelled flag is read
// between calls so an in-flight call always finishes.
func (p *WorkerPool) Run(ctx context.Context, project *Project, task TaskSpec, budget *Budget, cancelled func() bool) TaskResult {
	result := TaskResult{TaskID: task.ID}

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		result.Error = ctx.Err().Error()
		return result
	}

	catalog := p.catalog
	allowed := map[string]bool{}
	if task.ToolAllowlist != nil {
		// Missing allowlist names are dropped, not errors.
		catalog = p.catalog.Restrict(task.ToolAllowlist)
		for _, name := range task.ToolAllowlist {
			allowed[name] = true
		}
	} else {
		for _, name := range p.catalog.Names() {
			allowed[name] = true
		}
	}
	names := catalog.Names()
	defs := make([]llm.ToolDef, 0, len(names))
	for _, d := range catalog.Descriptors(names) {
		defs = append(defs, llm.ToolDef{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}

	system := workerSystemPrompt(project, task)
	history := []llm.Message{{Role: "user", Content: task.Description}}

	for iteration := 0; iteration < p.maxIterations; iteration++ {
		if cancelled() {
			result.Error = "cancelled"
			return result
		}
		if budget != nil && budget.Exhausted() {
			result.Error = "budget exhausted"
			return result
		}

		resp, err := p.llm.Invoke(ctx, &llm.Request{
			Model:    p.model,
			System:   system,
			Messages: history,
			Tools:    defs,
		})
		if err != nil {
			result.Error = err.Error()
			return result
		}
		result.LLMCalls++
		if budget != nil {
			budget.RecordCall(usageCost(resp))
		}

		history = append(history, llm.Message{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			result.Success = true
			result.Output = resp.Text
			return result
		}

		for _, call := range resp.ToolCalls {
			if !allowed[call.Name] {
				result.Error = fmt.Sprintf("%v: %s", ErrToolPolicyViolation, call.Name)
				return result
			}
			d, ok := catalog.Get(call.Name)
			if !ok {
				history = append(history, llm.Message{
					Role:       "tool",
					Content:    fmt.Sprintf("Error executing %s: tool not found", call.Name),
					ToolCallID: call.ID,
					IsError:    true,
				})
				continue
			}
			res := p.executor.Execute(ctx, d, call.Arguments)
			history = append(history, llm.Message{
				Role:       "tool",
				Content:    res.Output,
				ToolCallID: call.ID,
				IsError:    !res.Success,
			})
		}
	}

	result.Error = "iteration limit reached"
	return result
}

func workerSystemPrompt(project *Project, task TaskSpec) string {
	var b strings.Builder
	b.WriteString("You are a task worker for the project: ")
	b.WriteString(project.Goal)
	b.WriteString("\nComplete the assigned task and reply with a summary of the result.")
	if len(project.Directives) > 0 {
		b.WriteString("\nDirectives from the user:")
		for _, d := range project.Directives {
			b.WriteString("\n- ")
			b.WriteString(d)
		}
	}
	return b.String()
}

func usageCost(resp *llm.Response) float64 {
	in := float64(resp.Usage.PromptTokens)
	out := float64(resp.Usage.CompletionTokens)
	return in/1e6*costPerMillionInput + out/1e6*costPerMillionOutput
}

// workerTimeout bounds a stuck worker when the caller supplies no
// deadline.
const workerTimeout = 10 * time.Minute

// RunWithTimeout wraps Run with the default worker deadline.
func (p *WorkerPool) RunWithTimeout(ctx context.Context, project *Project, task TaskSpec, budget *Budget, cancelled func() bool) TaskResult {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, workerTimeout)
		defer cancel()
	}
	return p.Run(ctx, project, task, budget, cancelled)
}
