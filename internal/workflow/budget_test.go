package workflow

import (
	"testing"
	"time"
)

func TestBudgetCallLimit(t *testing.T) {
	b := NewBudget(BudgetLimits{MaxLLMCalls: 3})
	for i := 0; i < 2; i++ {
		b.RecordCall(0.01)
	}
	if b.Exhausted() {
		t.Fatal("2 of 3 calls should not exhaust")
	}
	b.RecordCall(0.01)
	if !b.Exhausted() {
		t.Fatal("3 of 3 calls must exhaust")
	}
}

func TestBudgetCostLimit(t *testing.T) {
	b := NewBudget(BudgetLimits{MaxCostUSD: 1.0})
	b.RecordCall(0.6)
	if b.Exhausted() {
		t.Fatal("under cost limit")
	}
	b.RecordCall(0.5)
	if !b.Exhausted() {
		t.Fatal("cost limit reached")
	}
}

func TestBudgetWallClock(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	b := NewBudget(BudgetLimits{MaxWallSeconds: 60}).
		WithBudgetNow(func() time.Time { return now })
	b.Start()

	if b.Exhausted() {
		t.Fatal("fresh budget should not be exhausted")
	}
	now = now.Add(61 * time.Second)
	if !b.Exhausted() {
		t.Fatal("wall clock bound must trip")
	}
}

func TestBudgetRemainingFraction(t *testing.T) {
	b := NewBudget(BudgetLimits{MaxCostUSD: 10, MaxLLMCalls: 10})
	if got := b.RemainingFraction(); got != 1.0 {
		t.Fatalf("fresh fraction = %v", got)
	}
	for i := 0; i < 5; i++ {
		b.RecordCall(0.2)
	}
	// 5/10 calls used, 1/10 cost used; calls are the tighter bound.
	if got := b.RemainingFraction(); got != 0.5 {
		t.Errorf("fraction = %v, want 0.5", got)
	}

	unbounded := NewBudget(BudgetLimits{})
	if got := unbounded.RemainingFraction(); got != 1.0 {
		t.Errorf("unbounded fraction = %v, want 1", got)
	}
}
