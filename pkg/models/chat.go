package models

import (
	"encoding/json"
	"time"
)

// Usage reports token consumption for a single chat run.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier, echoed back in the
	// matching tool result turn.
	ID string `json:"id"`

	// Name is the tool name.
	Name string `json:"name"`

	// Arguments is the raw JSON argument object.
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallLogEntry records one executed tool call for the chat result.
// Result holds the (possibly truncated) result string.
type ToolCallLogEntry struct {
	Name      string        `json:"name"`
	Arguments string        `json:"arguments"`
	Result    string        `json:"result"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
}

// ChatResult is the outcome of one agent chat run.
type ChatResult struct {
	// Text is the final assistant text, or the last textual content when
	// the loop exits on an iteration or context cap.
	Text string `json:"text"`

	// ToolCalls logs every tool executed during the run, in order.
	ToolCalls []ToolCallLogEntry `json:"tool_calls,omitempty"`

	// Model is the model that produced the final response.
	Model string `json:"model"`

	// Duration is the wall time of the whole run.
	Duration time.Duration `json:"duration"`

	// Usage aggregates token consumption across all LLM calls in the run.
	Usage Usage `json:"usage"`
}
