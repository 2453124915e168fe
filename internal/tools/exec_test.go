package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/valetlabs/valet/internal/infra"
)

func fastExecutor() *Executor {
	cfg := infra.DefaultRetryConfig()
	cfg.RetryIf = IsTransient
	cfg.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return NewExecutor(WithRetryConfig(cfg))
}

func TestExecutor_Success(t *testing.T) {
	e := fastExecutor()
	d := &Descriptor{
		Name: "greet",
		Fn: func(args map[string]any) (string, error) {
			name, _ := args["name"].(string)
			return "hello " + name, nil
		},
	}

	res := e.Execute(context.Background(), d, json.RawMessage(`{"name":"ada"}`))
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Output)
	}
	if res.Output != "hello ada" {
		t.Errorf("unexpected output: %q", res.Output)
	}
}

func TestExecutor_StringWrappedArguments(t *testing.T) {
	e := fastExecutor()
	d := &Descriptor{
		Name: "greet",
		Fn: func(args map[string]any) (string, error) {
			name, _ := args["name"].(string)
			return "hello " + name, nil
		},
	}

	// Some models double-encode the argument object.
	res := e.Execute(context.Background(), d, json.RawMessage(`"{\"name\":\"ada\"}"`))
	if !res.Success || res.Output != "hello ada" {
		t.Errorf("expected lenient parse, got success=%v output=%q", res.Success, res.Output)
	}
}

func TestExecutor_EmptyArguments(t *testing.T) {
	e := fastExecutor()
	d := &Descriptor{
		Name: "ping",
		Fn:   func(args map[string]any) (string, error) { return "pong", nil },
	}

	for _, raw := range []string{"", "null", "{}"} {
		res := e.Execute(context.Background(), d, json.RawMessage(raw))
		if !res.Success {
			t.Errorf("raw %q: expected success, got %q", raw, res.Output)
		}
	}
}

func TestExecutor_ParseFailureNoRetry(t *testing.T) {
	e := fastExecutor()
	calls := 0
	d := &Descriptor{
		Name: "never",
		Fn: func(args map[string]any) (string, error) {
			calls++
			return "", nil
		},
	}

	res := e.Execute(context.Background(), d, json.RawMessage(`[1,2,3]`))
	if res.Success {
		t.Error("expected failure for non-object arguments")
	}
	if !strings.Contains(res.Output, "Invalid arguments for never") {
		t.Errorf("unexpected message: %q", res.Output)
	}
	if calls != 0 {
		t.Errorf("tool must not run on parse failure, ran %d times", calls)
	}
}

func TestExecutor_SchemaValidation(t *testing.T) {
	e := fastExecutor()
	d := &Descriptor{
		Name: "remind",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"when": map[string]any{"type": "string"}},
			"required":   []any{"when"},
		},
		Fn: func(args map[string]any) (string, error) { return "set", nil },
	}
	if err := d.compileSchema(); err != nil {
		t.Fatalf("compileSchema: %v", err)
	}

	res := e.Execute(context.Background(), d, json.RawMessage(`{}`))
	if res.Success {
		t.Error("expected validation failure for missing required field")
	}
	if !strings.Contains(res.Output, "Invalid arguments for remind") {
		t.Errorf("unexpected message: %q", res.Output)
	}

	res = e.Execute(context.Background(), d, json.RawMessage(`{"when":"tomorrow"}`))
	if !res.Success {
		t.Errorf("expected valid arguments to pass: %q", res.Output)
	}
}

func TestExecutor_RetriesTransient(t *testing.T) {
	e := fastExecutor()
	calls := 0
	d := &Descriptor{
		Name: "flaky",
		Fn: func(args map[string]any) (string, error) {
			calls++
			if calls < 3 {
				return "", Transient(errors.New("connection reset"))
			}
			return "recovered", nil
		},
	}

	res := e.Execute(context.Background(), d, nil)
	if !res.Success || res.Output != "recovered" {
		t.Errorf("expected recovery, got success=%v output=%q", res.Success, res.Output)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestExecutor_DeterministicFailureNoRetry(t *testing.T) {
	e := fastExecutor()
	calls := 0
	d := &Descriptor{
		Name: "strict",
		Fn: func(args map[string]any) (string, error) {
			calls++
			return "", errors.New("unknown account id")
		},
	}

	res := e.Execute(context.Background(), d, nil)
	if res.Success {
		t.Error("expected failure")
	}
	if calls != 1 {
		t.Errorf("deterministic failures must not retry, got %d calls", calls)
	}
	if !strings.HasPrefix(res.Output, "Error executing strict:") {
		t.Errorf("unexpected message: %q", res.Output)
	}
}

func TestExecutor_ExhaustedTransientSanitized(t *testing.T) {
	e := fastExecutor()
	d := &Descriptor{
		Name: "down",
		Fn: func(args map[string]any) (string, error) {
			return "", Transient(errors.New("dial tcp 10.0.0.7:443: i/o timeout"))
		},
	}

	res := e.Execute(context.Background(), d, nil)
	if res.Success {
		t.Error("expected failure")
	}
	if res.Output != "Error executing down: service temporarily unavailable" {
		t.Errorf("expected sanitized message, got %q", res.Output)
	}
	if strings.Contains(res.Output, "10.0.0.7") {
		t.Error("internal address leaked to user-facing output")
	}
}

func TestExecutor_PanicContained(t *testing.T) {
	e := fastExecutor()
	d := &Descriptor{
		Name: "boom",
		Fn: func(args map[string]any) (string, error) {
			panic("nil map write")
		},
	}

	res := e.Execute(context.Background(), d, nil)
	if res.Success {
		t.Error("expected failure from panicking tool")
	}
	if !strings.HasPrefix(res.Output, "Error executing boom:") {
		t.Errorf("unexpected message: %q", res.Output)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"wrapped transient", Transient(errors.New("x")), true},
		{"deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("bad input"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("%s: IsTransient = %v, want %v", tt.name, got, tt.want)
		}
	}
}
