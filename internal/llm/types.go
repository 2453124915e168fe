// Package llm dispatches completion requests to model providers and
// enforces the runtime's spending and availability guards: the daily
// token ledger, per-model and per-provider circuit breakers, retry on
// transient failures, and credential rotation on auth or rate-limit
// errors.
package llm

import (
	"github.com/valetlabs/valet/pkg/models"
)

// Message is one conversation entry sent to a provider.
type Message struct {
	// Role is "user", "assistant", "system", or "tool".
	Role string

	// Content is the text body. Empty for assistant messages that
	// carry only tool calls.
	Content string

	// ToolCalls are tool invocations requested by an assistant
	// message.
	ToolCalls []models.ToolCall

	// ToolCallID links a tool-role message back to the call it
	// answers.
	ToolCallID string

	// IsError marks a tool-role message as a failed execution.
	IsError bool
}

// ToolDef describes one tool exposed to the model.
type ToolDef struct {
	Name        string
	Description string

	// Parameters is a JSON schema object for the tool's arguments.
	Parameters map[string]any
}

// Request is a single completion call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int

	// ThinkingBudget enables extended thinking when > 0, for
	// providers that support it.
	ThinkingBudget int
}

// Response is the provider's completed answer.
type Response struct {
	// Text is the concatenated text content.
	Text string

	// ToolCalls are requested tool invocations, in order.
	ToolCalls []models.ToolCall

	Usage      models.Usage
	Model      string
	StopReason string
}
