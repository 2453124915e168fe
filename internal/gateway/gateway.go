// Package gateway delivers events to the agent through a bounded
// priority queue with a single consumer goroutine. The consumer
// serializes agent access: one event runs to completion before the
// next is popped, which is what keeps priority ordering meaningful.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/valetlabs/valet/internal/observability"
	"github.com/valetlabs/valet/pkg/models"
)

const defaultMaxQueueSize = 100

// msgOverloaded resolves user-facing futures rejected by backpressure.
const msgOverloaded = "I'm handling too many requests right now. Please try again in a moment."

// QueueFullError reports a submission rejected by backpressure.
type QueueFullError struct {
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("gateway: queue full (capacity %d)", e.Capacity)
}

// Dispatcher turns one event into a chat result. The gateway's consumer
// invokes it synchronously.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *models.Event) (*models.ChatResult, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, ev *models.Event) (*models.ChatResult, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, ev *models.Event) (*models.ChatResult, error) {
	return f(ctx, ev)
}

// ResponseHandler receives results for fire-and-forget events. Events
// carrying a future bypass handlers; the future gets the result.
type ResponseHandler func(ctx context.Context, ev *models.Event, result *models.ChatResult)

// Gateway is the event front door. Thread-safe for producers.
type Gateway struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *observability.Metrics

	mu             sync.Mutex
	queue          *eventQueue
	defaultHandler ResponseHandler
	handlers       map[models.Source]ResponseHandler
	started        bool

	// notify wakes the consumer after a push. Capacity one: a pending
	// wakeup covers any number of pushes.
	notify chan struct{}
	wg     sync.WaitGroup
}

// Option configures the gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithMaxQueueSize bounds the queue.
func WithMaxQueueSize(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.queue = newEventQueue(n)
		}
	}
}

// New creates a gateway around a dispatcher.
func New(dispatcher Dispatcher, opts ...Option) *Gateway {
	g := &Gateway{
		dispatcher: dispatcher,
		logger:     slog.Default().With("component", "gateway"),
		queue:      newEventQueue(defaultMaxQueueSize),
		handlers:   make(map[models.Source]ResponseHandler),
		notify:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetResponseHandler registers a handler for fire-and-forget results.
// With no sources it becomes the default; otherwise it handles only the
// named sources.
func (g *Gateway) SetResponseHandler(fn ResponseHandler, sources ...models.Source) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(sources) == 0 {
		g.defaultHandler = fn
		return
	}
	for _, src := range sources {
		g.handlers[src] = fn
	}
}

// Submit enqueues an event. On backpressure, events with a future get
// the typed error plus a friendly result; fire-and-forget events are
// dropped with a warning.
func (g *Gateway) Submit(ev *models.Event) error {
	if ev == nil {
		return fmt.Errorf("gateway: nil event")
	}
	if ev.Source == "" {
		return fmt.Errorf("gateway: event missing source")
	}

	g.mu.Lock()
	ok := g.queue.push(ev)
	depth := g.queue.len()
	capacity := g.queue.maxSize
	g.mu.Unlock()

	if !ok {
		full := &QueueFullError{Capacity: capacity}
		g.metrics.RecordEventSubmitted(string(ev.Source), ev.Priority.String(), "rejected")
		if ev.Response != nil {
			ev.Response.Complete(&models.ChatResult{Text: msgOverloaded}, full)
		} else {
			g.logger.Warn("queue full, dropping event",
				"event", ev.ID,
				"source", ev.Source,
				"priority", ev.Priority.String())
		}
		return full
	}

	g.metrics.RecordEventSubmitted(string(ev.Source), ev.Priority.String(), "accepted")
	g.metrics.SetQueueDepth(depth)

	select {
	case g.notify <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the consumer goroutine. It runs until ctx is
// cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = true
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			if !g.processNext(ctx) {
				select {
				case <-ctx.Done():
					return
				case <-g.notify:
				}
			}
		}
	}()
	return nil
}

// Stop waits for the consumer to exit after its context is cancelled.
func (g *Gateway) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce drains the current queue synchronously, returning the number
// of events processed. Primarily for tests.
func (g *Gateway) RunOnce(ctx context.Context) int {
	count := 0
	for g.processNext(ctx) {
		count++
	}
	return count
}

// QueueDepth returns the number of queued events.
func (g *Gateway) QueueDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queue.len()
}

// processNext pops and handles one event, reporting whether there was
// one. Dispatcher and handler failures never kill the consumer.
func (g *Gateway) processNext(ctx context.Context) bool {
	g.mu.Lock()
	ev := g.queue.pop()
	depth := g.queue.len()
	g.mu.Unlock()
	if ev == nil {
		return false
	}
	g.metrics.SetQueueDepth(depth)

	result, err := g.dispatch(ctx, ev)
	status := "success"
	if err != nil {
		status = "error"
		g.logger.Error("event dispatch failed",
			"event", ev.ID,
			"source", ev.Source,
			"error", err)
	}
	g.metrics.RecordEventProcessed(string(ev.Source), status)

	if ev.Response != nil {
		ev.Response.Complete(result, err)
		return true
	}
	if err != nil {
		return true
	}
	if handler := g.handlerFor(ev.Source); handler != nil {
		g.deliver(ctx, handler, ev, result)
	}
	return true
}

// dispatch invokes the dispatcher, converting panics into errors.
func (g *Gateway) dispatch(ctx context.Context, ev *models.Event) (result *models.ChatResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("dispatcher panicked: %v", r)
		}
	}()
	if g.dispatcher == nil {
		return nil, fmt.Errorf("gateway: no dispatcher configured")
	}
	return g.dispatcher.Dispatch(ctx, ev)
}

// deliver invokes a response handler, containing panics.
func (g *Gateway) deliver(ctx context.Context, handler ResponseHandler, ev *models.Event, result *models.ChatResult) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("response handler panicked",
				"event", ev.ID,
				"source", ev.Source,
				"panic", r)
		}
	}()
	handler(ctx, ev, result)
}

func (g *Gateway) handlerFor(source models.Source) ResponseHandler {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.handlers[source]; ok {
		return h
	}
	return g.defaultHandler
}
