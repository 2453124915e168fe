package llm

import (
	"fmt"
	"sync"
	"time"
)

// Profile is one provider credential.
type Profile struct {
	// Name identifies the profile in config and logs, e.g.
	// "anthropic-primary".
	Name string `yaml:"name"`

	// Provider is the provider this key belongs to ("anthropic",
	// "openai").
	Provider string `yaml:"provider"`

	// APIKey is the credential. Supports ${ENV} expansion at config
	// load time.
	APIKey string `yaml:"api_key"`

	// BaseURL optionally overrides the provider endpoint.
	BaseURL string `yaml:"base_url"`
}

// ProfileRing rotates between credentials for a provider. A profile
// that hits an auth or rate-limit failure is placed on cooldown and
// skipped until the cooldown expires; profiles are never removed, so
// a fleet of expired keys degrades to errors rather than a crash.
type ProfileRing struct {
	mu       sync.Mutex
	profiles []Profile
	cooldown map[string]time.Time
	now      func() time.Time
}

// RingOption configures a ProfileRing.
type RingOption func(*ProfileRing)

// WithRingNow overrides the clock for tests.
func WithRingNow(now func() time.Time) RingOption {
	return func(r *ProfileRing) { r.now = now }
}

// NewProfileRing builds a ring over the given profiles.
func NewProfileRing(profiles []Profile, opts ...RingOption) *ProfileRing {
	r := &ProfileRing{
		profiles: append([]Profile(nil), profiles...),
		cooldown: make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Active returns the first usable profile for the provider. When every
// profile is cooling down, the one whose cooldown expires soonest is
// returned so callers always have a credential to try.
func (r *ProfileRing) Active(provider string) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var soonest *Profile
	var soonestAt time.Time
	for i := range r.profiles {
		p := &r.profiles[i]
		if p.Provider != provider {
			continue
		}
		until, cooling := r.cooldown[p.Name]
		if !cooling || !now.Before(until) {
			return *p, nil
		}
		if soonest == nil || until.Before(soonestAt) {
			soonest = p
			soonestAt = until
		}
	}
	if soonest != nil {
		return *soonest, nil
	}
	return Profile{}, fmt.Errorf("llm: no profile configured for provider %q", provider)
}

// MarkFailed puts the named profile on cooldown.
func (r *ProfileRing) MarkFailed(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldown[name] = r.now().Add(d)
}

// CoolingDown reports whether the named profile is currently skipped.
func (r *ProfileRing) CoolingDown(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.cooldown[name]
	return ok && r.now().Before(until)
}

// Profiles returns a copy of all configured profiles.
func (r *ProfileRing) Profiles() []Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Profile(nil), r.profiles...)
}
