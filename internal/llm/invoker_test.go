package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/valetlabs/valet/internal/budget"
	"github.com/valetlabs/valet/internal/circuit"
	"github.com/valetlabs/valet/internal/infra"
	"github.com/valetlabs/valet/pkg/models"
)

// fakeProvider scripts a sequence of results; once the script runs out
// it repeats the last entry.
type fakeProvider struct {
	name    string
	key     string
	calls   int
	results []fakeResult
}

type fakeResult struct {
	resp *Response
	err  error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	r := f.results[idx]
	return r.resp, r.err
}

func okResponse() *Response {
	return &Response{
		Text:  "hello",
		Usage: models.Usage{PromptTokens: 100, CompletionTokens: 50},
	}
}

func fastRetry() *infra.RetryConfig {
	return &infra.RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		Sleep:        func(ctx context.Context, d time.Duration) error { return nil },
	}
}

// newTestInvoker wires an invoker over a single scripted provider.
// Providers built by the factory share state through the returned map,
// keyed by profile name, so tests can observe per-credential calls.
func newTestInvoker(t *testing.T, results []fakeResult, opts ...InvokerOption) (*Invoker, map[string]*fakeProvider) {
	t.Helper()
	ring := NewProfileRing([]Profile{
		{Name: "primary", Provider: "anthropic", APIKey: "k1"},
		{Name: "backup", Provider: "anthropic", APIKey: "k2"},
	})
	built := make(map[string]*fakeProvider)
	inv := NewInvoker(ring, append([]InvokerOption{WithRetryConfig(fastRetry())}, opts...)...)
	inv.RegisterFactory("anthropic", func(p Profile) (Provider, error) {
		fp := &fakeProvider{name: "anthropic", key: p.APIKey, results: results}
		built[p.Name] = fp
		return fp, nil
	})
	return inv, built
}

func TestInvokeSuccessRecordsUsage(t *testing.T) {
	ledger, err := budget.NewLedger(t.TempDir(), 10000)
	if err != nil {
		t.Fatal(err)
	}
	circuits := circuit.NewRegistry(circuit.DefaultConfig())

	inv, built := newTestInvoker(t,
		[]fakeResult{{resp: okResponse()}},
		WithLedger(ledger), WithCircuits(circuits))

	resp, err := inv.Invoke(context.Background(), &Request{Model: "claude-sonnet-4"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Text != "hello" {
		t.Errorf("text = %q", resp.Text)
	}
	if built["primary"].calls != 1 {
		t.Errorf("calls = %d, want 1", built["primary"].calls)
	}

	in, out, calls := ledger.Usage()
	if in != 100 || out != 50 || calls != 1 {
		t.Errorf("ledger usage = %d/%d/%d, want 100/50/1", in, out, calls)
	}
}

func TestInvokeBudgetExceeded(t *testing.T) {
	ledger, err := budget.NewLedger(t.TempDir(), 100)
	if err != nil {
		t.Fatal(err)
	}
	if err := ledger.Record(80, 30); err != nil {
		t.Fatal(err)
	}

	inv, built := newTestInvoker(t, []fakeResult{{resp: okResponse()}}, WithLedger(ledger))

	_, err = inv.Invoke(context.Background(), &Request{Model: "claude-sonnet-4"})
	var exceeded *budget.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("err = %v, want *budget.ExceededError", err)
	}
	if exceeded.Used != 110 || exceeded.Limit != 100 {
		t.Errorf("exceeded = %+v", exceeded)
	}
	if len(built) != 0 {
		t.Error("provider must not be called when over budget")
	}
}

func TestInvokeCircuitOpen(t *testing.T) {
	circuits := circuit.NewRegistry(circuit.Config{FailureThreshold: 1, OpenDuration: time.Hour})
	circuits.Record(circuit.ModelKey("claude-sonnet-4"), false, time.Second)

	inv, built := newTestInvoker(t, []fakeResult{{resp: okResponse()}}, WithCircuits(circuits))

	_, err := inv.Invoke(context.Background(), &Request{Model: "claude-sonnet-4"})
	var open *CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("err = %v, want *CircuitOpenError", err)
	}
	if open.Key != "model:claude-sonnet-4" {
		t.Errorf("key = %q", open.Key)
	}
	if len(built) != 0 {
		t.Error("provider must not be called when circuit is open")
	}
}

func TestInvokeRetriesTransient(t *testing.T) {
	inv, built := newTestInvoker(t, []fakeResult{
		{err: &ProviderError{Kind: KindServerError, Provider: "anthropic", Message: "overloaded"}},
		{resp: okResponse()},
	})

	resp, err := inv.Invoke(context.Background(), &Request{Model: "claude-sonnet-4"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Text != "hello" {
		t.Errorf("text = %q", resp.Text)
	}
	if built["primary"].calls != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", built["primary"].calls)
	}
}

func TestInvokeRotatesOnAuthFailure(t *testing.T) {
	inv, built := newTestInvoker(t, nil)
	inv.RegisterFactory("anthropic", func(p Profile) (Provider, error) {
		var fp *fakeProvider
		if p.Name == "primary" {
			fp = &fakeProvider{name: "anthropic", key: p.APIKey, results: []fakeResult{
				{err: &ProviderError{Kind: KindAuth, Provider: "anthropic", Message: "invalid key"}},
			}}
		} else {
			fp = &fakeProvider{name: "anthropic", key: p.APIKey, results: []fakeResult{
				{resp: okResponse()},
			}}
		}
		built[p.Name] = fp
		return fp, nil
	})

	resp, err := inv.Invoke(context.Background(), &Request{Model: "claude-sonnet-4"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Text != "hello" {
		t.Errorf("text = %q", resp.Text)
	}
	if built["primary"].calls != 1 || built["backup"].calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", built["primary"].calls, built["backup"].calls)
	}
	if !inv.ring.CoolingDown("primary") {
		t.Error("failed profile should be cooling down")
	}
}

func TestInvokeDoesNotRetryBadRequest(t *testing.T) {
	inv, built := newTestInvoker(t, []fakeResult{
		{err: &ProviderError{Kind: KindBadRequest, Provider: "anthropic", Message: "malformed tool schema"}},
	})

	_, err := inv.Invoke(context.Background(), &Request{Model: "claude-sonnet-4"})
	if Classify(err) != KindBadRequest {
		t.Fatalf("err = %v, want bad_request", err)
	}
	if built["primary"].calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry, no rotation)", built["primary"].calls)
	}
}

func TestProviderForModel(t *testing.T) {
	cases := map[string]string{
		"claude-sonnet-4":       "anthropic",
		"gpt-4o":                "openai",
		"o3-mini":               "openai",
		"anthropic/claude-opus": "anthropic",
		"openai/gpt-4o":         "openai",
		"mystery-model":         "anthropic",
	}
	for model, want := range cases {
		if got := ProviderForModel(model); got != want {
			t.Errorf("ProviderForModel(%q) = %q, want %q", model, got, want)
		}
	}
	if got := StripProviderPrefix("anthropic/claude-opus"); got != "claude-opus" {
		t.Errorf("StripProviderPrefix = %q", got)
	}
}
