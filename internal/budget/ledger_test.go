package budget

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestLedger(t *testing.T, limit int, opts ...Option) *Ledger {
	t.Helper()
	l, err := NewLedger(t.TempDir(), limit, opts...)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}

func TestLedger_RecordAccumulates(t *testing.T) {
	l := newTestLedger(t, 1000)

	if err := l.Record(100, 50); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(200, 25); err != nil {
		t.Fatalf("Record: %v", err)
	}

	in, out, calls := l.Usage()
	if in != 300 || out != 75 || calls != 2 {
		t.Errorf("expected (300, 75, 2), got (%d, %d, %d)", in, out, calls)
	}
}

func TestLedger_CheckWithinBudget(t *testing.T) {
	l := newTestLedger(t, 500)

	if err := l.Record(100, 100); err != nil {
		t.Fatalf("Record: %v", err)
	}

	within, remaining := l.Check()
	if !within {
		t.Error("expected within budget")
	}
	if remaining != 300 {
		t.Errorf("expected 300 remaining, got %d", remaining)
	}
}

func TestLedger_CheckOverBudget(t *testing.T) {
	l := newTestLedger(t, 500)

	if err := l.Record(400, 200); err != nil {
		t.Fatalf("Record: %v", err)
	}

	within, remaining := l.Check()
	if within {
		t.Error("expected over budget")
	}
	if remaining != -100 {
		t.Errorf("expected -100 remaining, got %d", remaining)
	}
}

func TestLedger_ZeroLimitAlwaysPasses(t *testing.T) {
	l := newTestLedger(t, 0)

	if err := l.Record(1_000_000, 1_000_000); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if within, _ := l.Check(); !within {
		t.Error("expected zero limit to disable enforcement")
	}
}

func TestLedger_Pressure(t *testing.T) {
	l := newTestLedger(t, 1000)

	if p := l.Pressure(); p != 0 {
		t.Errorf("expected 0 pressure, got %f", p)
	}

	if err := l.Record(400, 100); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if p := l.Pressure(); p != 0.5 {
		t.Errorf("expected 0.5 pressure, got %f", p)
	}

	if err := l.Record(1000, 0); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if p := l.Pressure(); p != 1 {
		t.Errorf("expected pressure capped at 1, got %f", p)
	}
}

func TestLedger_DailyRoll(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 23, 0, 0, 0, time.Local)
	now := day1
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	dir := t.TempDir()
	l, err := NewLedger(dir, 1000, WithNow(clock))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	if err := l.Record(500, 400); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if within, _ := l.Check(); !within {
		// 900 of 1000 used, still within.
		t.Fatal("expected within budget on day one")
	}

	mu.Lock()
	now = day1.Add(2 * time.Hour) // past midnight
	mu.Unlock()

	within, remaining := l.Check()
	if !within {
		t.Error("expected fresh budget after day roll")
	}
	if remaining != 1000 {
		t.Errorf("expected full 1000 remaining, got %d", remaining)
	}

	in, out, calls := l.Usage()
	if in != 0 || out != 0 || calls != 0 {
		t.Errorf("expected counters reset, got (%d, %d, %d)", in, out, calls)
	}
}

func TestLedger_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := NewLedger(dir, 1000)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	if err := l.Record(123, 45); err != nil {
		t.Fatalf("Record: %v", err)
	}

	l2, err := NewLedger(dir, 1000)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	in, out, calls := l2.Usage()
	if in != 123 || out != 45 || calls != 1 {
		t.Errorf("expected persisted (123, 45, 1), got (%d, %d, %d)", in, out, calls)
	}
}

func TestLedger_MonotonicWithinDay(t *testing.T) {
	l := newTestLedger(t, 0)

	var lastIn, lastOut int
	for i := 0; i < 20; i++ {
		if err := l.Record(i, i*2); err != nil {
			t.Fatalf("Record: %v", err)
		}
		in, out, _ := l.Usage()
		if in < lastIn || out < lastOut {
			t.Fatalf("counters regressed: (%d, %d) after (%d, %d)", in, out, lastIn, lastOut)
		}
		lastIn, lastOut = in, out
	}
}

func TestLedger_FailClosedOnHeldLock(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLedger(dir, 500, WithLockTimeout(30*time.Millisecond))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	// Simulate another holder that never releases.
	lockPath := filepath.Join(dir, ledgerFilename+".lock")
	if err := os.WriteFile(lockPath, []byte("999999\n"), 0o600); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	defer os.Remove(lockPath)

	within, remaining := l.Check()
	if within || remaining != 0 {
		t.Errorf("expected fail-closed (false, 0), got (%v, %d)", within, remaining)
	}
}

func TestLedger_FailOpenOnHeldLock(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLedger(dir, 500, WithLockTimeout(30*time.Millisecond), WithFailOpen(true))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	lockPath := filepath.Join(dir, ledgerFilename+".lock")
	if err := os.WriteFile(lockPath, []byte("999999\n"), 0o600); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	defer os.Remove(lockPath)

	if within, _ := l.Check(); !within {
		t.Error("expected fail-open to pass")
	}
}

func TestLedger_ConcurrentWriters(t *testing.T) {
	l := newTestLedger(t, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := l.Record(1, 1); err != nil {
					t.Errorf("Record: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	in, out, calls := l.Usage()
	if in != 80 || out != 80 || calls != 80 {
		t.Errorf("expected (80, 80, 80), got (%d, %d, %d)", in, out, calls)
	}
}

func TestLedger_OnDiskFormat(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLedger(dir, 100)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	if err := l.Record(10, 20); err != nil {
		t.Fatalf("Record: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ledgerFilename))
	if err != nil {
		t.Fatalf("read ledger file: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse ledger file: %v", err)
	}
	for _, key := range []string{"date", "input_tokens", "output_tokens", "calls"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("missing key %q in ledger document", key)
		}
	}
}
