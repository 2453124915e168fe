package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/valetlabs/valet/pkg/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSubmitter records submitted events. Unless hold is set, futures
// complete immediately so firings finish synchronously.
type fakeSubmitter struct {
	mu     sync.Mutex
	events []*models.Event
	hold   bool
}

func (f *fakeSubmitter) Submit(ev *models.Event) error {
	f.mu.Lock()
	f.events = append(f.events, ev)
	hold := f.hold
	f.mu.Unlock()
	if !hold && ev.Response != nil {
		ev.Response.Complete(&models.ChatResult{Text: "done"}, nil)
	}
	return nil
}

func (f *fakeSubmitter) submitted() []*models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Event, len(f.events))
	copy(out, f.events)
	return out
}

func testScheduler(sub Submitter, now *time.Time, opts ...Option) *Scheduler {
	base := []Option{
		WithLogger(quietLogger()),
		WithNow(func() time.Time { return *now }),
	}
	return NewScheduler(sub, append(base, opts...)...)
}

// settle waits for in-flight firing goroutines to clear.
func settle(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		pending := len(s.inFlight)
		s.mu.Unlock()
		if pending == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("in-flight firings never settled")
}

func TestAddJobValidation(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	s := testScheduler(&fakeSubmitter{}, &now)

	if err := s.AddJob(Job{Enabled: true, Prompt: "x"}); err == nil {
		t.Error("missing id should fail")
	}
	sched, _ := NewSchedule(ScheduleSpec{Every: time.Minute})
	if err := s.AddJob(Job{ID: "j", Enabled: true, Schedule: sched}); err == nil {
		t.Error("missing prompt should fail")
	}
	if err := s.AddJob(Job{ID: "off", Enabled: false, Prompt: "x", Schedule: sched}); err != nil {
		t.Errorf("disabled job should be skipped silently, got %v", err)
	}
	if len(s.Jobs()) != 0 {
		t.Error("disabled job must not register")
	}
}

func TestHeartbeatFiresAsLowPriorityEvent(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	sub := &fakeSubmitter{}
	s := testScheduler(sub, &now)

	if err := s.AddHeartbeat("hb", ScheduleSpec{Every: 10 * time.Minute}, "anything pending?", nil); err != nil {
		t.Fatal(err)
	}

	now = now.Add(11 * time.Minute)
	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("fired = %d, want 1", n)
	}
	settle(t, s)

	events := sub.submitted()
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	ev := events[0]
	if ev.Source != models.SourceHeartbeat || ev.Priority != models.PriorityLow {
		t.Errorf("event = source %s priority %s", ev.Source, ev.Priority)
	}
	if ev.Message != "anything pending?" || ev.Channel != "heartbeat" {
		t.Errorf("event = %+v", ev)
	}
}

func TestPromptFnEvaluatedPerFiring(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	sub := &fakeSubmitter{}
	s := testScheduler(sub, &now)

	err := s.AddHeartbeatFn("daily", ScheduleSpec{Every: time.Hour}, func(at time.Time) string {
		return "briefing for " + at.Format("2006-01-02 15:04")
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(61 * time.Minute)
	s.RunOnce(context.Background())
	now = now.Add(61 * time.Minute)
	s.RunOnce(context.Background())
	settle(t, s)

	events := sub.submitted()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Message == events[1].Message {
		t.Errorf("prompt must rebind per firing, got %q twice", events[0].Message)
	}
}

func TestOverlapCoalescing(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	sub := &fakeSubmitter{hold: true}
	s := testScheduler(sub, &now)

	if err := s.AddHeartbeat("hb", ScheduleSpec{Every: time.Minute}, "tick", nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now = now.Add(2 * time.Minute)
	s.RunOnce(ctx)
	// First firing still outstanding; due again but must coalesce.
	now = now.Add(2 * time.Minute)
	if n := s.RunOnce(ctx); n != 0 {
		t.Fatalf("coalesced firing ran anyway (n=%d)", n)
	}
	if got := len(sub.submitted()); got != 1 {
		t.Fatalf("events = %d, want 1 while outstanding", got)
	}

	// Complete the outstanding firing; the next due tick fires again.
	sub.submitted()[0].Response.Complete(&models.ChatResult{Text: "ok"}, nil)
	settle(t, s)

	now = now.Add(2 * time.Minute)
	if n := s.RunOnce(ctx); n != 1 {
		t.Fatalf("fired = %d after completion, want 1", n)
	}
	settle(t, s)
}

func TestAtJobFiresOnceThenRetires(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	sub := &fakeSubmitter{}
	s := testScheduler(sub, &now)

	sched, err := NewSchedule(ScheduleSpec{At: "2026-09-01T09:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddJob(Job{ID: "once", Enabled: true, Prompt: "reminder", Schedule: sched}); err != nil {
		t.Fatal(err)
	}

	now = now.Add(90 * time.Minute)
	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("fired = %d, want 1", n)
	}
	settle(t, s)

	now = now.Add(time.Hour)
	if n := s.RunOnce(context.Background()); n != 0 {
		t.Fatalf("one-shot job fired again (n=%d)", n)
	}
	if len(sub.submitted()) != 1 {
		t.Errorf("events = %d, want 1", len(sub.submitted()))
	}
}

func TestExecutionHistoryRecorded(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	sub := &fakeSubmitter{}
	store := NewMemoryExecutionStore()
	s := testScheduler(sub, &now, WithExecutionStore(store))

	if err := s.AddHeartbeat("hb", ScheduleSpec{Every: time.Minute}, "tick", nil); err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Minute)
	s.RunOnce(context.Background())
	settle(t, s)

	execs, err := store.List(context.Background(), "hb", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	exec := execs[0]
	if exec.Status != ExecutionSucceeded {
		t.Errorf("status = %s", exec.Status)
	}
	if exec.Output != "done" {
		t.Errorf("output = %q", exec.Output)
	}
}

func TestSQLiteExecutionStoreRoundTrip(t *testing.T) {
	store, err := NewSQLiteExecutionStore(t.TempDir() + "/executions.db")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	started := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	exec := &JobExecution{
		ID:        "e1",
		JobID:     "hb",
		Status:    ExecutionRunning,
		StartedAt: started,
	}
	if err := store.Create(ctx, exec); err != nil {
		t.Fatal(err)
	}

	exec.Status = ExecutionSucceeded
	exec.CompletedAt = started.Add(3 * time.Second)
	exec.Duration = 3 * time.Second
	exec.Output = "briefing sent"
	if err := store.Update(ctx, exec); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Status != ExecutionSucceeded || got.Output != "briefing sent" {
		t.Fatalf("got = %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("started = %v, want %v", got.StartedAt, started)
	}

	list, err := store.List(ctx, "hb", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("list = %d", len(list))
	}

	pruned, err := store.Prune(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
}
