package main

import (
	"log/slog"
	"os"

	"github.com/valetlabs/valet/internal/agent"
	"github.com/valetlabs/valet/internal/budget"
	"github.com/valetlabs/valet/internal/circuit"
	"github.com/valetlabs/valet/internal/config"
	"github.com/valetlabs/valet/internal/llm"
	"github.com/valetlabs/valet/internal/llm/providers"
	"github.com/valetlabs/valet/internal/modelsel"
	"github.com/valetlabs/valet/internal/observability"
	"github.com/valetlabs/valet/internal/sessions"
	"github.com/valetlabs/valet/internal/tools"
)

// runtime holds the constructed component graph shared by serve and
// chat. Construction order: budget ledger, circuit registry, grant
// store, model selector, then the agent itself.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	ledger   *budget.Ledger
	circuits *circuit.Registry
	grants   *tools.GrantStore
	catalog  *tools.Catalog
	executor *tools.Executor
	invoker  *llm.Invoker
	selector *modelsel.Selector
	sessions *sessions.JSONLStore
	agent    *agent.Agent
}

func newRuntime(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer, approver agent.ApprovalHandler) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger, metrics: metrics, tracer: tracer}

	ledger, err := budget.NewLedger(cfg.Budget.Dir, cfg.Budget.DailyTokenLimit,
		budget.WithLogger(logger),
		budget.WithFailOpen(cfg.Budget.FailOpen),
	)
	if err != nil {
		return nil, err
	}
	rt.ledger = ledger

	rt.circuits = circuit.NewRegistry(circuit.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		OpenDuration:     cfg.Circuit.OpenDuration,
		HistorySize:      cfg.Circuit.HistorySize,
	})

	grants, err := tools.NewGrantStore(cfg.Tools.GrantsDir)
	if err != nil {
		return nil, err
	}
	rt.grants = grants

	if err := os.MkdirAll(cfg.Tools.WorkspaceDir, 0o755); err != nil {
		return nil, err
	}
	rt.catalog = tools.NewCatalog()
	if err := tools.RegisterBuiltins(rt.catalog, cfg.Tools.WorkspaceDir, nil); err != nil {
		return nil, err
	}
	rt.executor = tools.NewExecutor(tools.WithExecLogger(logger))

	ring := llm.NewProfileRing(cfg.Auth.Profiles)
	rt.invoker = llm.NewInvoker(ring,
		llm.WithLedger(ledger),
		llm.WithCircuits(rt.circuits),
		llm.WithMetrics(metrics),
		llm.WithInvokerLogger(logger),
	)
	rt.invoker.RegisterFactory("anthropic", providers.AnthropicFactory)
	rt.invoker.RegisterFactory("openai", providers.OpenAIFactory)

	rt.selector = modelsel.NewSelector(selectorConfig(cfg.Models), rt.circuits)

	store, err := sessions.NewJSONLStore(cfg.Sessions.Dir, sessions.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	rt.sessions = store

	opts := []agent.Option{
		agent.WithPersona(cfg.Agent.Persona),
		agent.WithSelector(rt.selector),
		agent.WithTools(rt.catalog, rt.executor),
		agent.WithGrants(rt.grants),
		agent.WithPolicy(&cfg.Tools.Policy),
		agent.WithTier(parseTier(cfg.Agent.Tier)),
		agent.WithCircuits(rt.circuits),
		agent.WithSessions(rt.sessions),
		agent.WithMetrics(metrics),
		agent.WithTracer(tracer),
		agent.WithLogger(logger),
	}
	if approver != nil {
		opts = append(opts, agent.WithApprovalHandler(approver))
	}
	if cfg.Agent.ContextLimit > 0 {
		opts = append(opts, agent.WithContextLimit(cfg.Agent.ContextLimit, cfg.Agent.ContextReserve))
	}
	if cfg.Agent.MaxToolResultChars > 0 {
		opts = append(opts, agent.WithMaxToolResultChars(cfg.Agent.MaxToolResultChars))
	}
	rt.agent = agent.New(cfg.Agent.Name, rt.invoker, opts...)

	return rt, nil
}

func selectorConfig(m config.ModelsConfig) modelsel.SelectorConfig {
	cfg := modelsel.SelectorConfig{
		Light:            modelsel.Config{Model: m.Light, Class: modelsel.ClassLight},
		Heavy:            modelsel.Config{Model: m.Heavy, Class: modelsel.ClassHeavy},
		Thinking:         modelsel.Config{Model: m.Thinking, Class: modelsel.ClassThinking},
		HeavyModes:       m.HeavyModes,
		LightModes:       m.LightModes,
		ComplexThreshold: m.ComplexThreshold,
	}
	for _, model := range m.Fallbacks {
		cfg.Fallbacks = append(cfg.Fallbacks, modelsel.Config{
			Model: model,
			Class: modelsel.ClassHeavy,
		})
	}
	if m.Default != "" {
		cfg.Default = modelsel.Config{Model: m.Default, Class: modelsel.ClassHeavy}
	}
	return cfg
}

func parseTier(s string) tools.Tier {
	switch s {
	case "none":
		return tools.TierNone
	case "observe":
		return tools.TierObserve
	case "interact":
		return tools.TierInteract
	default:
		return tools.TierFull
	}
}
