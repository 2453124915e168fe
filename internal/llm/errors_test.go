package llm

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, KindUnknown},
		{"timeout", errors.New("context deadline exceeded"), KindTimeout},
		{"rate limit", errors.New("429 too many requests"), KindRateLimit},
		{"auth", errors.New("invalid api key"), KindAuth},
		{"billing", errors.New("insufficient quota"), KindBilling},
		{"server", errors.New("502 bad gateway"), KindServerError},
		{"bad request", errors.New("invalid request: missing field"), KindBadRequest},
		{"unknown", errors.New("something odd"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyPrefersStructuredKind(t *testing.T) {
	pe := &ProviderError{Kind: KindAuth, Provider: "anthropic", Message: "timeout mentioned but irrelevant"}
	wrapped := fmt.Errorf("call failed: %w", pe)
	if got := Classify(wrapped); got != KindAuth {
		t.Errorf("Classify = %v, want %v", got, KindAuth)
	}
}

func TestWithStatusReclassifies(t *testing.T) {
	pe := NewProviderError("openai", "gpt-4o", errors.New("request failed"))
	if pe.Kind != KindUnknown {
		t.Fatalf("initial kind = %v, want unknown", pe.Kind)
	}
	pe.WithStatus(429)
	if pe.Kind != KindRateLimit {
		t.Errorf("kind after 429 = %v, want rate_limit", pe.Kind)
	}
	pe.WithStatus(401)
	if pe.Kind != KindAuth {
		t.Errorf("kind after 401 = %v, want auth", pe.Kind)
	}
}

func TestRetryableAndRotatable(t *testing.T) {
	if !KindTimeout.Retryable() || !KindServerError.Retryable() {
		t.Error("timeout and server_error should be retryable")
	}
	if KindBadRequest.Retryable() || KindAuth.Retryable() {
		t.Error("bad_request and auth must not be retryable")
	}
	if !KindRateLimit.Rotatable() || !KindAuth.Rotatable() || !KindBilling.Rotatable() {
		t.Error("credential failures should be rotatable")
	}
	if KindTimeout.Rotatable() {
		t.Error("timeout should not rotate credentials")
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	pe := NewProviderError("anthropic", "claude-sonnet-4", cause)
	if !errors.Is(pe, cause) {
		t.Error("ProviderError should unwrap to its cause")
	}
}
