package scheduler

import (
	"testing"
	"time"
)

func TestNewScheduleValidation(t *testing.T) {
	cases := []struct {
		name    string
		spec    ScheduleSpec
		wantErr bool
	}{
		{"empty", ScheduleSpec{}, true},
		{"cron", ScheduleSpec{Cron: "0 9 * * *"}, false},
		{"cron six fields", ScheduleSpec{Cron: "0 0 9 * * *"}, false},
		{"cron descriptor", ScheduleSpec{Cron: "@hourly"}, false},
		{"cron invalid", ScheduleSpec{Cron: "not a cron"}, true},
		{"every", ScheduleSpec{Every: 5 * time.Minute}, false},
		{"at rfc3339", ScheduleSpec{At: "2026-09-01T09:00:00Z"}, false},
		{"at short", ScheduleSpec{At: "2026-09-01 09:00"}, false},
		{"at invalid", ScheduleSpec{At: "tomorrow-ish"}, true},
		{"bad timezone", ScheduleSpec{Cron: "@hourly", Timezone: "Mars/Olympus"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSchedule(tc.spec)
			if (err != nil) != tc.wantErr {
				t.Errorf("NewSchedule(%+v) err = %v, wantErr %v", tc.spec, err, tc.wantErr)
			}
		})
	}
}

func TestScheduleNextCron(t *testing.T) {
	sched, err := NewSchedule(ScheduleSpec{Cron: "0 9 * * *", Timezone: "UTC"})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 9, 1, 8, 30, 0, 0, time.UTC)
	next, ok, err := sched.Next(now)
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	want := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestScheduleNextCronTimezone(t *testing.T) {
	sched, err := NewSchedule(ScheduleSpec{Cron: "0 9 * * *", Timezone: "America/New_York"})
	if err != nil {
		t.Fatal(err)
	}
	// 08:00 UTC on Sep 1 is 04:00 in New York; the 09:00 local firing
	// is 13:00 UTC.
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	next, ok, err := sched.Next(now)
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	want := time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v (UTC)", next.UTC(), want)
	}
}

func TestScheduleNextEvery(t *testing.T) {
	sched, err := NewSchedule(ScheduleSpec{Every: 10 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	next, ok, err := sched.Next(now)
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if !next.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("next = %v", next)
	}
}

func TestScheduleAtFiresOnce(t *testing.T) {
	sched, err := NewSchedule(ScheduleSpec{At: "2026-09-01T09:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	before := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	next, ok, err := sched.Next(before)
	if err != nil || !ok {
		t.Fatalf("Next before: ok=%v err=%v", ok, err)
	}
	if !next.Equal(time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("next = %v", next)
	}

	after := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	if _, ok, _ := sched.Next(after); ok {
		t.Error("at schedule must not fire again once past")
	}
}
