package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/valetlabs/valet/internal/infra"
)

// TransientError marks a tool failure worth retrying (connection resets,
// timeouts, flaky I/O).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the executor retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient classifies errors the executor retries with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}

// ExecResult is the outcome of one tool execution. Output is always a
// user-presentable string; failures never escape as errors or panics.
type ExecResult struct {
	Output   string
	Success  bool
	Duration time.Duration
}

// Executor runs tools with lenient argument parsing, schema validation,
// and bounded retry of transient failures.
type Executor struct {
	retry  *infra.RetryConfig
	logger *slog.Logger
	now    func() time.Time
}

// ExecutorOption configures an executor.
type ExecutorOption func(*Executor)

// WithExecLogger sets the executor logger.
func WithExecLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRetryConfig overrides the retry policy (tests disable sleeping).
func WithRetryConfig(cfg *infra.RetryConfig) ExecutorOption {
	return func(e *Executor) {
		if cfg != nil {
			e.retry = cfg
		}
	}
}

// WithExecNow overrides the clock for tests.
func WithExecNow(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor creates an executor with the default 1s/2s/4s transient
// retry policy.
func NewExecutor(opts ...ExecutorOption) *Executor {
	cfg := infra.DefaultRetryConfig()
	cfg.RetryIf = IsTransient
	e := &Executor{
		retry:  cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retry.RetryIf == nil {
		e.retry.RetryIf = IsTransient
	}
	return e
}

// Execute runs d with raw JSON arguments. Arguments may be a JSON
// object or a JSON string containing an object; a parse failure yields
// a user-visible error without retry, as does schema validation.
func (e *Executor) Execute(ctx context.Context, d *Descriptor, rawArgs json.RawMessage) ExecResult {
	start := e.now()
	done := func(output string, success bool) ExecResult {
		return ExecResult{Output: output, Success: success, Duration: e.now().Sub(start)}
	}

	args, err := parseArguments(rawArgs)
	if err != nil {
		return done(fmt.Sprintf("Invalid arguments for %s: %v", d.Name, err), false)
	}
	if err := d.validate(args); err != nil {
		return done(fmt.Sprintf("Invalid arguments for %s: %s", d.Name, firstLine(err.Error())), false)
	}

	output, result := infra.Retry(ctx, e.retry, func(ctx context.Context) (string, error) {
		return safeCall(d, args)
	})
	if result.LastError != nil {
		e.logger.Warn("tool execution failed",
			"tool", d.Name,
			"attempts", result.Attempts,
			"error", result.LastError)
		return done(sanitizeToolError(d.Name, result.LastError), false)
	}
	return done(output, true)
}

// safeCall invokes the tool function, converting panics into errors.
func safeCall(d *Descriptor, args map[string]any) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", d.Name, r)
		}
	}()
	return d.Fn(args)
}

// parseArguments accepts an object, a string-wrapped object, null, or
// nothing.
func parseArguments(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		return args, nil
	}

	// The model sometimes double-encodes arguments as a JSON string.
	var wrapped string
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		wrapped = strings.TrimSpace(wrapped)
		if wrapped == "" {
			return map[string]any{}, nil
		}
		if err := json.Unmarshal([]byte(wrapped), &args); err == nil {
			return args, nil
		}
	}

	return nil, errors.New("arguments are not a JSON object")
}

// sanitizeToolError maps an internal failure to a short message safe to
// show users and the model. Paths, addresses, and wrapped detail stay in
// the logs.
func sanitizeToolError(name string, err error) string {
	switch {
	case IsTransient(err):
		return fmt.Sprintf("Error executing %s: service temporarily unavailable", name)
	case errors.Is(err, context.Canceled):
		return fmt.Sprintf("Error executing %s: cancelled", name)
	default:
		return fmt.Sprintf("Error executing %s: %s", name, firstLine(err.Error()))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
