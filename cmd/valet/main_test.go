package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/valetlabs/valet/internal/agent"
)

func TestRootCmdHasSubcommands(t *testing.T) {
	root := buildRootCmd()
	want := map[string]bool{"serve": false, "chat": false, "version": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestStdinApprover(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"yes\n", true},
		{"Y\n", true},
		{"n\n", false},
		{"no\n", false},
		{"\n", false},
		{"whatever\n", false},
	}
	for _, tc := range cases {
		var out bytes.Buffer
		a := &stdinApprover{in: strings.NewReader(tc.input), out: &out}
		got, err := a.RequestApproval(context.Background(), &agent.ApprovalRequest{
			Tool:        "write_file",
			Description: "Write a text file",
		})
		if err != nil {
			t.Fatalf("input %q: %v", tc.input, err)
		}
		if got != tc.want {
			t.Errorf("input %q = %v, want %v", tc.input, got, tc.want)
		}
		if !strings.Contains(out.String(), "write_file") {
			t.Errorf("prompt should name the tool, got %q", out.String())
		}
	}
}

func TestParseTier(t *testing.T) {
	if parseTier("observe").String() != "observe" {
		t.Error("observe tier")
	}
	if parseTier("").String() != "full" {
		t.Error("default tier must be full")
	}
}
