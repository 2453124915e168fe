// Package models defines the core data types shared across the valet
// runtime: events, sessions, turns, chat results, and tool calls.
package models

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Source identifies what produced an event.
type Source string

const (
	// SourceMessage is an interactive user message.
	SourceMessage Source = "message"

	// SourceHeartbeat is a periodic heartbeat firing.
	SourceHeartbeat Source = "heartbeat"

	// SourceScheduled is a cron-style scheduled job firing.
	SourceScheduled Source = "scheduled"

	// SourceWorkflow is a workflow orchestrator step.
	SourceWorkflow Source = "workflow"
)

// Interactive reports whether a human is available to answer prompts
// (tool approval requests) for events of this source.
func (s Source) Interactive() bool {
	return s == SourceMessage
}

// Priority orders events in the gateway queue. Lower ordinal runs first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// DefaultPriority returns the priority assigned to a source when the
// producer does not set one: HIGH for messages, LOW for heartbeats,
// NORMAL otherwise.
func DefaultPriority(source Source) Priority {
	switch source {
	case SourceMessage:
		return PriorityHigh
	case SourceHeartbeat:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Event is the unit of work delivered to the gateway. Events are
// immutable after submission.
type Event struct {
	// ID uniquely identifies the event.
	ID string

	// Source identifies the producer. Required.
	Source Source

	// Priority orders the event in the gateway queue.
	Priority Priority

	// Message is the prompt text delivered to the agent.
	Message string

	// UserID identifies the originating user, if any.
	UserID string

	// Channel names the conversation channel (e.g. "cli", "heartbeat").
	Channel string

	// CallType selects an agent mode for model routing.
	CallType string

	// Metadata carries producer-specific context.
	Metadata map[string]any

	// Response, when set, receives the chat result. Populated only for
	// message events whose caller wants a reply.
	Response *Future
}

// EventOption configures an event at construction.
type EventOption func(*Event)

// WithPriority overrides the source-derived default priority.
func WithPriority(p Priority) EventOption {
	return func(e *Event) { e.Priority = p }
}

// WithUser sets the originating user.
func WithUser(userID string) EventOption {
	return func(e *Event) { e.UserID = userID }
}

// WithChannel sets the conversation channel.
func WithChannel(channel string) EventOption {
	return func(e *Event) { e.Channel = channel }
}

// WithCallType sets the agent mode hint.
func WithCallType(callType string) EventOption {
	return func(e *Event) { e.CallType = callType }
}

// WithMetadata attaches producer metadata.
func WithMetadata(meta map[string]any) EventOption {
	return func(e *Event) { e.Metadata = meta }
}

// WithResponse attaches a response future.
func WithResponse(f *Future) EventOption {
	return func(e *Event) { e.Response = f }
}

// NewEvent constructs an event with a fresh ID and the default priority
// for its source.
func NewEvent(source Source, message string, opts ...EventOption) *Event {
	e := &Event{
		ID:       uuid.NewString(),
		Source:   source,
		Priority: DefaultPriority(source),
		Message:  message,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Future carries the eventual result of an interactive event. It completes
// exactly once; later completions are ignored.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result *ChatResult
	err    error
}

// NewFuture creates an incomplete future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete resolves the future. Only the first call has any effect.
func (f *Future) Complete(result *ChatResult, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed when the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or the context is done.
func (f *Future) Wait(ctx context.Context) (*ChatResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Completed reports whether the future has resolved without blocking.
func (f *Future) Completed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Timestamp returns t truncated to second precision in UTC, the
// resolution used for persisted records.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
