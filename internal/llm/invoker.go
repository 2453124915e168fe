package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/valetlabs/valet/internal/budget"
	"github.com/valetlabs/valet/internal/circuit"
	"github.com/valetlabs/valet/internal/infra"
	"github.com/valetlabs/valet/internal/observability"
)

// Provider is one model backend.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Complete runs one non-streaming completion.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Factory builds a Provider bound to one credential profile.
type Factory func(p Profile) (Provider, error)

// CircuitOpenError indicates a breaker is refusing traffic for a model
// or provider.
type CircuitOpenError struct {
	Key string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("llm: circuit open for %s", e.Key)
}

// defaultCooldown is how long a profile sits out after an auth,
// billing, or rate-limit failure.
const defaultCooldown = 5 * time.Minute

// Invoker routes completion requests to providers behind the runtime's
// guards. Every call passes the budget gate and the model and provider
// circuit breakers before any network traffic; transient failures are
// retried in place and credential failures rotate the profile ring.
type Invoker struct {
	mu        sync.Mutex
	factories map[string]Factory
	cache     map[string]Provider

	ring     *ProfileRing
	ledger   *budget.Ledger
	circuits *circuit.Registry
	metrics  *observability.Metrics
	retry    *infra.RetryConfig
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithLedger attaches the daily token ledger.
func WithLedger(l *budget.Ledger) InvokerOption {
	return func(i *Invoker) { i.ledger = l }
}

// WithCircuits attaches the breaker registry.
func WithCircuits(r *circuit.Registry) InvokerOption {
	return func(i *Invoker) { i.circuits = r }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *observability.Metrics) InvokerOption {
	return func(i *Invoker) { i.metrics = m }
}

// WithRetryConfig overrides the transient-failure retry policy.
func WithRetryConfig(cfg *infra.RetryConfig) InvokerOption {
	return func(i *Invoker) {
		if cfg != nil {
			i.retry = cfg
		}
	}
}

// WithCooldown overrides the profile cooldown after credential
// failures.
func WithCooldown(d time.Duration) InvokerOption {
	return func(i *Invoker) {
		if d > 0 {
			i.cooldown = d
		}
	}
}

// WithInvokerLogger sets the logger.
func WithInvokerLogger(logger *slog.Logger) InvokerOption {
	return func(i *Invoker) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithInvokerNow overrides the clock for tests.
func WithInvokerNow(now func() time.Time) InvokerOption {
	return func(i *Invoker) {
		if now != nil {
			i.now = now
		}
	}
}

// NewInvoker builds an invoker over the given credential ring.
func NewInvoker(ring *ProfileRing, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		factories: make(map[string]Factory),
		cache:     make(map[string]Provider),
		ring:      ring,
		retry: &infra.RetryConfig{
			MaxRetries:   3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
		},
		cooldown: defaultCooldown,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(inv)
	}
	inv.retry.RetryIf = Retryable
	return inv
}

// RegisterFactory installs the constructor for a provider name.
func (i *Invoker) RegisterFactory(provider string, f Factory) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.factories[provider] = f
}

// ProviderForModel maps a model name to its provider. Explicit
// "provider/model" prefixes win; otherwise the model family decides.
func ProviderForModel(model string) string {
	if idx := strings.Index(model, "/"); idx > 0 {
		return model[:idx]
	}
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return "openai"
	default:
		return "anthropic"
	}
}

// StripProviderPrefix removes an explicit "provider/" prefix from a
// model name.
func StripProviderPrefix(model string) string {
	if idx := strings.Index(model, "/"); idx > 0 {
		return model[idx+1:]
	}
	return model
}

// Invoke runs one completion through the guard chain. The returned
// error is *budget.ExceededError when the daily budget is spent and
// *CircuitOpenError when a breaker is refusing the model or provider.
func (i *Invoker) Invoke(ctx context.Context, req *Request) (*Response, error) {
	providerName := ProviderForModel(req.Model)
	model := StripProviderPrefix(req.Model)

	if i.ledger != nil {
		if ok, _ := i.ledger.Check(); !ok {
			in, out, _ := i.ledger.Usage()
			return nil, &budget.ExceededError{Limit: i.ledger.DailyLimit(), Used: in + out}
		}
	}

	modelKey := circuit.ModelKey(model)
	providerKey := circuit.ProviderKey(providerName)
	if i.circuits != nil {
		if !i.circuits.Available(modelKey) {
			return nil, &CircuitOpenError{Key: modelKey}
		}
		if !i.circuits.Available(providerKey) {
			return nil, &CircuitOpenError{Key: providerKey}
		}
	}

	// Two passes at most: the active credential, then one rotation
	// when the failure implicates the credential rather than the
	// request.
	var lastErr error
	var lastProfile string
	for attempt := 0; attempt < 2; attempt++ {
		profile, err := i.ring.Active(providerName)
		if err != nil {
			return nil, err
		}
		if profile.Name == lastProfile {
			break
		}
		lastProfile = profile.Name

		provider, err := i.providerFor(profile)
		if err != nil {
			return nil, err
		}

		resp, err := i.call(ctx, provider, model, req, modelKey, providerKey)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		kind := Classify(err)
		if !kind.Rotatable() {
			break
		}
		i.logger.Warn("cooling down llm profile",
			"profile", profile.Name,
			"provider", providerName,
			"kind", string(kind),
			"cooldown", i.cooldown)
		i.ring.MarkFailed(profile.Name, i.cooldown)
		i.evict(profile.Name)
	}
	return nil, lastErr
}

// call runs the request against one provider, retrying transient
// failures, and records the outcome in the ledger, breakers, and
// metrics.
func (i *Invoker) call(ctx context.Context, provider Provider, model string, req *Request, modelKey, providerKey string) (*Response, error) {
	bound := *req
	bound.Model = model

	start := i.now()
	resp, result := infra.Retry(ctx, i.retry, func(ctx context.Context) (*Response, error) {
		return provider.Complete(ctx, &bound)
	})
	elapsed := i.now().Sub(start)

	if result.LastError != nil {
		if i.circuits != nil {
			i.circuits.Record(modelKey, false, elapsed)
			i.circuits.Record(providerKey, false, elapsed)
		}
		i.metrics.RecordLLMRequest(provider.Name(), model, "error", elapsed.Seconds(), 0, 0)
		return nil, result.LastError
	}

	if i.circuits != nil {
		i.circuits.Record(modelKey, true, elapsed)
		i.circuits.Record(providerKey, true, elapsed)
	}
	if i.ledger != nil {
		if err := i.ledger.Record(resp.Usage.PromptTokens, resp.Usage.CompletionTokens); err != nil {
			i.logger.Warn("failed to record token usage", "error", err)
		}
		i.metrics.SetBudgetPressure(i.ledger.Pressure())
	}
	i.metrics.RecordLLMRequest(provider.Name(), model, "success", elapsed.Seconds(),
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp, nil
}

func (i *Invoker) providerFor(profile Profile) (Provider, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if p, ok := i.cache[profile.Name]; ok {
		return p, nil
	}
	factory, ok := i.factories[profile.Provider]
	if !ok {
		return nil, fmt.Errorf("llm: no factory registered for provider %q", profile.Provider)
	}
	p, err := factory(profile)
	if err != nil {
		return nil, err
	}
	i.cache[profile.Name] = p
	return p, nil
}

func (i *Invoker) evict(profileName string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.cache, profileName)
}
