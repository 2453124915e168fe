// Package modelsel chooses the model variant for each request: the cheap
// light model for routine traffic, the heavy model for complex work, and
// the thinking model when extended reasoning is requested. Selection
// honors circuit-breaker health, falling back to candidates of the same
// or higher class before a provider-agnostic default.
package modelsel

import (
	"strings"

	"github.com/valetlabs/valet/internal/circuit"
)

// Class ranks model capability. Fallbacks never downgrade class.
type Class int

const (
	ClassLight Class = iota
	ClassHeavy
	ClassThinking
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassLight:
		return "light"
	case ClassHeavy:
		return "heavy"
	case ClassThinking:
		return "thinking"
	default:
		return "unknown"
	}
}

// ThinkingLevel selects the extended-reasoning token budget.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// defaultThinkingBudgets maps a level to reasoning tokens.
var defaultThinkingBudgets = map[ThinkingLevel]int{
	ThinkingLow:    2048,
	ThinkingMedium: 8192,
	ThinkingHigh:   16384,
}

// Config identifies a selected model.
type Config struct {
	// Model is the full model identifier (e.g. "anthropic/claude-haiku").
	Model string

	// Class is the capability class of the model.
	Class Class

	// BudgetTokens is the thinking budget; zero means thinking disabled.
	BudgetTokens int
}

// defaultComplexKeywords trigger the heavy model regardless of length.
var defaultComplexKeywords = []string{
	"analyze", "explain", "compare", "research", "debug",
	"architect", "design", "plan", "evaluate", "refactor",
}

// Selector picks model configs per request.
type Selector struct {
	light    Config
	heavy    Config
	thinking Config

	// fallbacks are tried in order when the preferred model's circuit
	// is open; only candidates of the same or higher class qualify.
	fallbacks []Config

	// fallbackDefault is the provider-agnostic last resort, used even
	// when its own circuit state is unknown or open.
	fallbackDefault Config

	heavyModes       map[string]bool
	lightModes       map[string]bool
	complexThreshold int
	complexKeywords  []string
	thinkingBudgets  map[ThinkingLevel]int

	circuits *circuit.Registry
}

// SelectorConfig configures a Selector.
type SelectorConfig struct {
	Light    Config
	Heavy    Config
	Thinking Config

	// Fallbacks are additional candidates used when a circuit is open.
	Fallbacks []Config

	// Default is the provider-agnostic fallback of last resort. If
	// unset, the light model is used.
	Default Config

	// HeavyModes and LightModes pin a call type to a class.
	HeavyModes []string
	LightModes []string

	// ComplexThreshold is the query length beyond which the heavy
	// model is chosen. Default: 400.
	ComplexThreshold int

	// ComplexKeywords supplement the built-in keyword list.
	ComplexKeywords []string

	// ThinkingBudgets overrides the per-level reasoning token budgets.
	ThinkingBudgets map[ThinkingLevel]int
}

// NewSelector creates a selector. The circuit registry may be nil, in
// which case every model is considered healthy.
func NewSelector(cfg SelectorConfig, circuits *circuit.Registry) *Selector {
	s := &Selector{
		light:            cfg.Light,
		heavy:            cfg.Heavy,
		thinking:         cfg.Thinking,
		fallbacks:        cfg.Fallbacks,
		fallbackDefault:  cfg.Default,
		heavyModes:       toSet(cfg.HeavyModes),
		lightModes:       toSet(cfg.LightModes),
		complexThreshold: cfg.ComplexThreshold,
		complexKeywords:  append(append([]string{}, defaultComplexKeywords...), cfg.ComplexKeywords...),
		thinkingBudgets:  defaultThinkingBudgets,
		circuits:         circuits,
	}
	if s.complexThreshold <= 0 {
		s.complexThreshold = 400
	}
	if len(cfg.ThinkingBudgets) > 0 {
		s.thinkingBudgets = cfg.ThinkingBudgets
	}
	if s.fallbackDefault.Model == "" {
		s.fallbackDefault = cfg.Light
	}
	return s
}

// Select returns the model config for a request.
//
// Decision order: explicit thinking level, then the think flag, then
// mode pinning, then the complexity heuristic, then light.
func (s *Selector) Select(query, mode string, think bool, level ThinkingLevel) Config {
	if level != "" && level != ThinkingOff {
		c := s.thinking
		c.BudgetTokens = s.thinkingBudgets[level]
		return s.healthy(c)
	}
	if think {
		c := s.thinking
		c.BudgetTokens = s.thinkingBudgets[ThinkingMedium]
		return s.healthy(c)
	}
	if s.heavyModes[mode] {
		return s.healthy(s.heavy)
	}
	if s.lightModes[mode] {
		return s.healthy(s.light)
	}
	if s.isComplex(query) {
		return s.healthy(s.heavy)
	}
	return s.healthy(s.light)
}

func (s *Selector) isComplex(query string) bool {
	if len(query) > s.complexThreshold {
		return true
	}
	lower := strings.ToLower(query)
	for _, kw := range s.complexKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// healthy returns preferred if its circuit is closed, otherwise the
// first available fallback of the same or higher class, otherwise the
// provider-agnostic default.
func (s *Selector) healthy(preferred Config) Config {
	if s.available(preferred.Model) {
		return preferred
	}
	for _, candidate := range s.fallbacks {
		if candidate.Class < preferred.Class {
			continue
		}
		if s.available(candidate.Model) {
			// Carry the thinking budget across the substitution.
			candidate.BudgetTokens = preferred.BudgetTokens
			return candidate
		}
	}
	fallback := s.fallbackDefault
	fallback.BudgetTokens = preferred.BudgetTokens
	return fallback
}

func (s *Selector) available(model string) bool {
	if model == "" {
		return false
	}
	if s.circuits == nil {
		return true
	}
	return s.circuits.Available(circuit.ModelKey(model))
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
