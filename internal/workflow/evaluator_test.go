package workflow

import (
	"context"
	"testing"

	"github.com/valetlabs/valet/internal/llm"
)

func TestLLMEvaluatorParsesVerdict(t *testing.T) {
	project := &Project{
		Goal: "write a report",
		TaskResults: []TaskResult{
			{TaskID: "t1", Success: true, Output: "report drafted\nwith two sections"},
		},
	}

	cases := []struct {
		text string
		want bool
	}{
		{"YES", true},
		{"yes, the report covers everything", true},
		{"  Yes\nreasoning follows", true},
		{"NO", false},
		{"No, section two is missing", false},
		{"I cannot tell", false},
	}
	for _, tc := range cases {
		client := &scriptedLLM{script: []*llm.Response{{Text: tc.text}}}
		e := NewLLMEvaluator(client, "claude-sonnet-4-20250514")
		met, err := e.Evaluate(context.Background(), "Is the report complete?", project)
		if err != nil {
			t.Fatalf("Evaluate(%q): %v", tc.text, err)
		}
		if met != tc.want {
			t.Errorf("Evaluate(%q) = %v, want %v", tc.text, met, tc.want)
		}
	}
}
