package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailureKind categorizes why a provider request failed. The invoker
// uses it to decide between retrying, rotating credentials, and
// surfacing the error.
type FailureKind string

const (
	// KindRateLimit is throttling (HTTP 429). Cool the credential
	// down and rotate.
	KindRateLimit FailureKind = "rate_limit"

	// KindAuth is a rejected credential (HTTP 401, 403). Cool down
	// and rotate.
	KindAuth FailureKind = "auth"

	// KindBilling is a quota or payment failure (HTTP 402).
	KindBilling FailureKind = "billing"

	// KindTimeout is a request timeout. Retryable.
	KindTimeout FailureKind = "timeout"

	// KindServerError is a 5xx from the provider. Retryable.
	KindServerError FailureKind = "server_error"

	// KindBadRequest is a malformed request (HTTP 400). Never
	// retried; the caller built something the provider rejects.
	KindBadRequest FailureKind = "bad_request"

	// KindModelUnavailable means the requested model does not exist
	// or is disabled for this account.
	KindModelUnavailable FailureKind = "model_unavailable"

	// KindContentFilter means the provider's safety layer blocked
	// the request.
	KindContentFilter FailureKind = "content_filter"

	// KindUnknown is anything unclassified.
	KindUnknown FailureKind = "unknown"
)

// Retryable reports whether the same request may succeed on retry.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindTimeout, KindServerError:
		return true
	default:
		return false
	}
}

// Rotatable reports whether switching to a different credential may
// succeed.
func (k FailureKind) Rotatable() bool {
	switch k {
	case KindRateLimit, KindAuth, KindBilling:
		return true
	default:
		return false
	}
}

// ProviderError is a structured failure from a model provider.
type ProviderError struct {
	Kind     FailureKind
	Provider string
	Model    string
	Status   int
	Code     string
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause in a ProviderError, classifying it from
// the error text.
func NewProviderError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Kind:     KindUnknown,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Kind = Classify(cause)
	}
	return e
}

// WithStatus sets the HTTP status and reclassifies from it. Status
// codes are more trustworthy than message matching, so they win.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if kind := classifyStatus(status); kind != KindUnknown {
		e.Kind = kind
	}
	return e
}

// WithCode sets the provider-specific error code and reclassifies if
// the code is recognized.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if kind := classifyCode(code); kind != KindUnknown {
		e.Kind = kind
	}
	return e
}

// WithMessage overrides the message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// Classify inspects an error and returns its FailureKind. Structured
// ProviderErrors report their own kind; raw errors fall back to
// message matching.
func Classify(err error) FailureKind {
	if err == nil {
		return KindUnknown
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "context deadline") {
		return KindTimeout
	}
	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") {
		return KindRateLimit
	}
	if strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "invalid_api_key") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") {
		return KindAuth
	}
	if strings.Contains(msg, "billing") ||
		strings.Contains(msg, "payment") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "402") {
		return KindBilling
	}
	if strings.Contains(msg, "content_filter") ||
		strings.Contains(msg, "content policy") ||
		strings.Contains(msg, "blocked") {
		return KindContentFilter
	}
	if strings.Contains(msg, "model not found") ||
		strings.Contains(msg, "model_not_found") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "unavailable") {
		return KindModelUnavailable
	}
	if strings.Contains(msg, "internal server") ||
		strings.Contains(msg, "server error") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") {
		return KindServerError
	}
	if strings.Contains(msg, "invalid request") ||
		strings.Contains(msg, "invalid_request") ||
		strings.Contains(msg, "400") {
		return KindBadRequest
	}
	return KindUnknown
}

func classifyStatus(status int) FailureKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusPaymentRequired:
		return KindBilling
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusBadRequest:
		return KindBadRequest
	case status == http.StatusNotFound:
		return KindModelUnavailable
	case status >= 500:
		return KindServerError
	default:
		return KindUnknown
	}
}

func classifyCode(code string) FailureKind {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return KindRateLimit
	case "authentication_error", "invalid_api_key":
		return KindAuth
	case "billing_error", "insufficient_quota":
		return KindBilling
	case "model_not_found", "model_not_available":
		return KindModelUnavailable
	case "content_policy_violation", "content_filter":
		return KindContentFilter
	case "server_error", "internal_error", "overloaded_error":
		return KindServerError
	case "invalid_request_error":
		return KindBadRequest
	default:
		return KindUnknown
	}
}

// Retryable reports whether err is worth retrying against the same
// provider and credential.
func Retryable(err error) bool {
	return Classify(err).Retryable()
}
