// Package budget enforces the process-wide daily token budget. The ledger
// is a single JSON document persisted atomically under an in-process mutex
// plus a sidecar file lock, so concurrent writers (including a second
// process sharing the data directory) cannot corrupt it.
package budget

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	ledgerFilename = "token_usage.json"

	// dateLayout is the local-day key used for the daily roll.
	dateLayout = "2006-01-02"
)

// ErrLockTimeout indicates the ledger file lock could not be acquired.
var ErrLockTimeout = errors.New("budget: ledger lock timeout")

// ExceededError is returned when an operation would exceed the daily
// token budget. It is never retried.
type ExceededError struct {
	Limit int
	Used  int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("daily token budget exceeded: used %d of %d", e.Used, e.Limit)
}

// state is the persisted ledger document.
type state struct {
	Date         string `json:"date"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Calls        int    `json:"calls"`
}

// Ledger tracks daily token consumption with atomic persistence.
// Counters reset automatically at the local-day boundary, observed on
// every read.
type Ledger struct {
	mu          sync.Mutex
	path        string
	dailyLimit  int
	failOpen    bool
	lockTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger

	cur state
}

// Option configures a ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithFailOpen makes lock-timeout failures report as within budget
// instead of over budget. The default is to fail closed: a ledger that
// cannot be read must not authorize spend.
func WithFailOpen(failOpen bool) Option {
	return func(l *Ledger) { l.failOpen = failOpen }
}

// WithLockTimeout overrides the file-lock acquisition timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.lockTimeout = d
		}
	}
}

// NewLedger opens (or creates) the ledger in dir with the given daily
// token limit. A limit of zero disables enforcement.
func NewLedger(dir string, dailyLimit int, opts ...Option) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("budget: create dir: %w", err)
	}

	l := &Ledger{
		path:        filepath.Join(dir, ledgerFilename),
		dailyLimit:  dailyLimit,
		lockTimeout: 250 * time.Millisecond,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.withFileLock(func() error { return l.loadLocked() }); err != nil {
		return nil, err
	}
	return l, nil
}

// Record adds token usage to the current day and persists the ledger.
func (l *Ledger) Record(inputTokens, outputTokens int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.withFileLock(func() error {
		if err := l.loadLocked(); err != nil {
			return err
		}
		l.cur.InputTokens += inputTokens
		l.cur.OutputTokens += outputTokens
		l.cur.Calls++
		return l.persistLocked()
	})
}

// Check reports whether the day's consumption is within the configured
// limit and how many tokens remain. Remaining is negative when over
// budget. A zero limit always passes.
func (l *Ledger) Check() (bool, int) {
	return l.CheckLimit(l.dailyLimit)
}

// CheckLimit is Check against an explicit limit.
func (l *Ledger) CheckLimit(limit int) (bool, int) {
	if limit <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.withFileLock(func() error { return l.loadLocked() })
	if err != nil {
		l.logger.Warn("budget ledger unavailable", "error", err, "fail_open", l.failOpen)
		if l.failOpen {
			return true, limit
		}
		return false, 0
	}

	used := l.cur.InputTokens + l.cur.OutputTokens
	return used < limit, limit - used
}

// Pressure returns the fraction of the daily budget consumed, in [0, 1].
func (l *Ledger) Pressure() float64 {
	if l.dailyLimit <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.withFileLock(func() error { return l.loadLocked() }); err != nil {
		if l.failOpen {
			return 0
		}
		return 1
	}

	p := float64(l.cur.InputTokens+l.cur.OutputTokens) / float64(l.dailyLimit)
	if p > 1 {
		return 1
	}
	if p < 0 {
		return 0
	}
	return p
}

// Usage returns the current day's counters.
func (l *Ledger) Usage() (inputTokens, outputTokens, calls int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.withFileLock(func() error { return l.loadLocked() }); err != nil {
		l.logger.Warn("budget ledger unavailable", "error", err)
	}
	return l.cur.InputTokens, l.cur.OutputTokens, l.cur.Calls
}

// DailyLimit returns the configured daily token limit.
func (l *Ledger) DailyLimit() int {
	return l.dailyLimit
}

// loadLocked reads the ledger document and applies the daily roll.
// Callers must hold both the mutex and the file lock.
func (l *Ledger) loadLocked() error {
	today := l.now().Local().Format(dateLayout)

	data, err := os.ReadFile(l.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		l.cur = state{Date: today}
		return l.persistLocked()
	case err != nil:
		return fmt.Errorf("budget: read ledger: %w", err)
	}

	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("budget: parse ledger: %w", err)
	}

	if s.Date != today {
		s = state{Date: today}
	}
	l.cur = s
	return nil
}

// persistLocked writes the ledger document via temp-file rename.
func (l *Ledger) persistLocked() error {
	data, err := json.MarshalIndent(l.cur, "", "  ")
	if err != nil {
		return fmt.Errorf("budget: marshal ledger: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("budget: write ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("budget: replace ledger: %w", err)
	}
	return nil
}

// withFileLock runs fn while holding the sidecar lock file. The lock is
// held no longer than one read or one write. Lock files older than
// staleLockAge are considered abandoned and taken over.
const staleLockAge = 10 * time.Second

func (l *Ledger) withFileLock(fn func() error) error {
	lockPath := l.path + ".lock"
	deadline := time.Now().Add(l.lockTimeout)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			defer os.Remove(lockPath)
			return fn()
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			os.Remove(lockPath)
			continue
		}

		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(5 * time.Millisecond)
	}
}
