package workflow

import (
	"sync"
	"time"
)

// Budget bounds a project's spend. All mutation happens under the
// mutex; a zero limit means that bound is unenforced.
type Budget struct {
	mu sync.Mutex

	maxCostUSD     float64
	maxLLMCalls    int
	maxWallSeconds float64

	usedCostUSD float64
	usedCalls   int
	started     time.Time

	now func() time.Time
}

// BudgetLimits configures a project budget.
type BudgetLimits struct {
	MaxCostUSD     float64 `json:"max_cost_usd,omitempty" yaml:"max_cost_usd"`
	MaxLLMCalls    int     `json:"max_llm_calls,omitempty" yaml:"max_llm_calls"`
	MaxWallSeconds float64 `json:"max_wall_seconds,omitempty" yaml:"max_wall_seconds"`
}

// NewBudget creates a budget. The wall clock starts on first use.
func NewBudget(limits BudgetLimits) *Budget {
	return &Budget{
		maxCostUSD:     limits.MaxCostUSD,
		maxLLMCalls:    limits.MaxLLMCalls,
		maxWallSeconds: limits.MaxWallSeconds,
		now:            time.Now,
	}
}

// WithBudgetNow overrides the clock for tests.
func (b *Budget) WithBudgetNow(now func() time.Time) *Budget {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
	return b
}

// Start marks the wall-clock origin. Idempotent.
func (b *Budget) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started.IsZero() {
		b.started = b.now()
	}
}

// RecordCall accounts one LLM call and its cost.
func (b *Budget) RecordCall(costUSD float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.usedCalls++
	b.usedCostUSD += costUSD
}

// Exhausted reports whether any bound has been reached.
func (b *Budget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxCostUSD > 0 && b.usedCostUSD >= b.maxCostUSD {
		return true
	}
	if b.maxLLMCalls > 0 && b.usedCalls >= b.maxLLMCalls {
		return true
	}
	if b.maxWallSeconds > 0 && !b.started.IsZero() {
		if b.now().Sub(b.started).Seconds() >= b.maxWallSeconds {
			return true
		}
	}
	return false
}

// RemainingFraction returns the smallest remaining share across the
// enforced bounds, in [0, 1]. With no bounds configured it reports 1.
func (b *Budget) RemainingFraction() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := 1.0
	clamp := func(frac float64) {
		if frac < 0 {
			frac = 0
		}
		if frac < remaining {
			remaining = frac
		}
	}
	if b.maxCostUSD > 0 {
		clamp(1 - b.usedCostUSD/b.maxCostUSD)
	}
	if b.maxLLMCalls > 0 {
		clamp(1 - float64(b.usedCalls)/float64(b.maxLLMCalls))
	}
	if b.maxWallSeconds > 0 && !b.started.IsZero() {
		clamp(1 - b.now().Sub(b.started).Seconds()/b.maxWallSeconds)
	}
	return remaining
}

// Used returns the current accounting.
func (b *Budget) Used() (costUSD float64, calls int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usedCostUSD, b.usedCalls
}
