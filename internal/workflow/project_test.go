package workflow

import "testing"

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPlanning, StatusAwaitingApproval, true},
		{StatusPlanning, StatusCancelled, true},
		{StatusPlanning, StatusFailed, true},
		{StatusPlanning, StatusExecuting, false},
		{StatusAwaitingApproval, StatusExecuting, true},
		{StatusAwaitingApproval, StatusPlanning, true},
		{StatusAwaitingApproval, StatusCancelled, true},
		{StatusAwaitingApproval, StatusDone, false},
		{StatusExecuting, StatusPaused, true},
		{StatusExecuting, StatusReviewing, true},
		{StatusExecuting, StatusFailed, true},
		{StatusExecuting, StatusCancelled, true},
		{StatusExecuting, StatusDone, false},
		{StatusPaused, StatusExecuting, true},
		{StatusPaused, StatusCancelled, true},
		{StatusPaused, StatusReviewing, false},
		{StatusReviewing, StatusDone, true},
		{StatusReviewing, StatusPlanning, true},
		{StatusReviewing, StatusExecuting, true},
		{StatusReviewing, StatusFailed, true},
		{StatusFailed, StatusPlanning, true},
		{StatusFailed, StatusCancelled, true},
		{StatusDone, StatusPlanning, true},
		{StatusDone, StatusCancelled, false},
		{StatusCancelled, StatusPlanning, false},
		{StatusCancelled, StatusCancelled, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestPlanHashStability(t *testing.T) {
	phases := []Phase{
		{ID: "p1", Name: "research", Tasks: []TaskSpec{
			{ID: "t1", Description: "gather sources"},
			{ID: "t2", Description: "summarize findings"},
		}},
		{ID: "p2", Name: "write", Tasks: []TaskSpec{
			{ID: "t3", Description: "draft report"},
		}},
	}

	h1 := ComputePlanHash("write a report", phases)
	h2 := ComputePlanHash("write a report", phases)
	if h1 != h2 {
		t.Fatal("hash must be stable across computations")
	}

	mutated := []Phase{
		{ID: "p1", Name: "research", Tasks: []TaskSpec{
			{ID: "t1", Description: "gather sources"},
			{ID: "t2-renamed", Description: "summarize findings"},
		}},
		phases[1],
	}
	if ComputePlanHash("write a report", mutated) == h1 {
		t.Error("changing a task id must change the hash")
	}

	reworded := []Phase{
		{ID: "p1", Name: "research", Tasks: []TaskSpec{
			{ID: "t1", Description: "gather better sources"},
			{ID: "t2", Description: "summarize findings"},
		}},
		phases[1],
	}
	if ComputePlanHash("write a report", reworded) == h1 {
		t.Error("changing a task description must change the hash")
	}

	if ComputePlanHash("different goal", phases) == h1 {
		t.Error("changing the goal must change the hash")
	}

	// Phase status is runtime state, not plan identity.
	withStatus := append([]Phase(nil), phases...)
	withStatus[0].Status = PhaseDone
	if ComputePlanHash("write a report", withStatus) != h1 {
		t.Error("phase status must not affect the hash")
	}
}
