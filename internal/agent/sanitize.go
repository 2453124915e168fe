package agent

import (
	"errors"

	"github.com/valetlabs/valet/internal/budget"
	"github.com/valetlabs/valet/internal/llm"
)

// User-facing error strings. Internal detail (paths, keys, provider
// payloads) stays in the logs.
const (
	msgBudgetExceeded = "Daily token budget exceeded. Please try again tomorrow."
	msgBadRequest     = "Something went wrong with my request format. Please try rephrasing your message."
	msgUnavailable    = "I'm having trouble reaching my language model right now. Please try again in a few minutes."
	msgGeneric        = "Something went wrong while processing your request. Please try again."
)

// Sanitize maps an internal error to a short string safe to show the
// user.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}

	var exceeded *budget.ExceededError
	if errors.As(err, &exceeded) {
		return msgBudgetExceeded
	}
	var open *llm.CircuitOpenError
	if errors.As(err, &open) {
		return msgUnavailable
	}

	switch llm.Classify(err) {
	case llm.KindBadRequest:
		return msgBadRequest
	case llm.KindRateLimit, llm.KindAuth, llm.KindBilling,
		llm.KindServerError, llm.KindTimeout, llm.KindModelUnavailable:
		return msgUnavailable
	default:
		return msgGeneric
	}
}
