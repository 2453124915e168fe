// Package circuit tracks per-key failure state for models, providers, and
// tools. After a run of consecutive failures a key's circuit opens and
// calls against it are refused until the open window passes; the first
// call after that acts as a half-open probe whose outcome re-arms or
// re-opens the circuit.
//
// Key namespaces follow the convention "model:<name>" for LLM models,
// "provider:<name>" for providers, and the bare service name for tools.
package circuit

import (
	"sync"
	"time"
)

// Config configures the registry.
type Config struct {
	// FailureThreshold is the number of consecutive failures before a
	// key's circuit opens. Default: 5.
	FailureThreshold int

	// OpenDuration is how long an opened circuit refuses calls.
	// Default: 60s.
	OpenDuration time.Duration

	// HistorySize bounds the ring of recent call durations kept per key.
	// Default: 20.
	HistorySize int
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenDuration:     60 * time.Second,
		HistorySize:      20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = d.OpenDuration
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}

// Status is a read-only snapshot of one key's circuit state.
type Status struct {
	Key                 string        `json:"key"`
	Successes           int           `json:"successes"`
	Failures            int           `json:"failures"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalCalls          int           `json:"total_calls"`
	Open                bool          `json:"open"`
	OpenUntil           time.Time     `json:"open_until,omitempty"`
	AvgDuration         time.Duration `json:"avg_duration,omitempty"`
}

// entry is the per-key failure accumulator.
type entry struct {
	successes           int
	failures            int
	consecutiveFailures int
	totalCalls          int
	openUntil           time.Time

	// history is a bounded ring of recent call durations.
	history []time.Duration
	next    int
	filled  bool
}

// Registry tracks circuit state for independent keys. Unknown keys are
// always available. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	config  Config
	entries map[string]*entry
	now     func() time.Time
}

// Option configures a registry.
type Option func(*Registry)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates a registry with the given configuration.
func NewRegistry(config Config, opts ...Option) *Registry {
	r := &Registry{
		config:  config.withDefaults(),
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record registers a call outcome for key. A success resets the
// consecutive-failure run and closes the circuit; a failure that reaches
// the threshold opens it for the configured duration.
func (r *Registry) Record(key string, success bool, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[key]
	if e == nil {
		e = &entry{history: make([]time.Duration, 0, r.config.HistorySize)}
		r.entries[key] = e
	}

	e.totalCalls++
	e.pushDuration(duration, r.config.HistorySize)

	if success {
		e.successes++
		e.consecutiveFailures = 0
		e.openUntil = time.Time{}
		return
	}

	e.failures++
	e.consecutiveFailures++
	if e.consecutiveFailures >= r.config.FailureThreshold {
		e.openUntil = r.now().Add(r.config.OpenDuration)
	}
}

// Available reports whether calls against key are currently permitted.
// A key whose open window has passed is available again: the next call
// is the half-open probe.
func (r *Registry) Available(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[key]
	if e == nil {
		return true
	}
	return !r.now().Before(e.openUntil)
}

// Reset clears all state for key.
func (r *Registry) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Status returns a snapshot of every tracked key, sorted by nothing in
// particular; callers wanting stable output should sort by Key.
func (r *Registry) Status() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]Status, 0, len(r.entries))
	for key, e := range r.entries {
		out = append(out, Status{
			Key:                 key,
			Successes:           e.successes,
			Failures:            e.failures,
			ConsecutiveFailures: e.consecutiveFailures,
			TotalCalls:          e.totalCalls,
			Open:                now.Before(e.openUntil),
			OpenUntil:           e.openUntil,
			AvgDuration:         e.avgDuration(),
		})
	}
	return out
}

func (e *entry) pushDuration(d time.Duration, size int) {
	if size <= 0 {
		return
	}
	if len(e.history) < size {
		e.history = append(e.history, d)
		return
	}
	e.history[e.next] = d
	e.next = (e.next + 1) % size
	e.filled = true
}

func (e *entry) avgDuration() time.Duration {
	if len(e.history) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range e.history {
		sum += d
	}
	return sum / time.Duration(len(e.history))
}

// ModelKey returns the circuit key for an LLM model.
func ModelKey(model string) string { return "model:" + model }

// ProviderKey returns the circuit key for an LLM provider.
func ProviderKey(provider string) string { return "provider:" + provider }
