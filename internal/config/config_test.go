package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/valetlabs/valet/internal/llm"
)

const sampleConfig = `
agent:
  name: valet
  persona: "You are Valet, a helpful personal assistant."
  max_iterations: 8

budget:
  daily_token_limit: 500000

models:
  light: claude-haiku-3-5-20241022
  heavy: claude-sonnet-4-20250514
  heavy_modes: [plan, research]

auth:
  profiles:
    - name: anthropic-main
      provider: anthropic
      api_key: ${VALET_TEST_API_KEY}

scheduler:
  jobs:
    - id: morning-brief
      name: Morning briefing
      prompt: "Summarize my calendar and inbox for today."
      enabled: true
      schedule:
        cron: "0 7 * * *"
        timezone: America/New_York

workflow:
  workers: 4
  default_budget:
    max_cost_usd: 5.0
    max_llm_calls: 50
`

func TestLoadExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("VALET_TEST_API_KEY", "sk-test-123")

	path := filepath.Join(t.TempDir(), "valet.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Agent.MaxIterations != 8 {
		t.Errorf("max_iterations = %d, want 8", cfg.Agent.MaxIterations)
	}
	if cfg.Auth.Profiles[0].APIKey != "sk-test-123" {
		t.Errorf("api_key = %q, env expansion failed", cfg.Auth.Profiles[0].APIKey)
	}

	// Unset fields take defaults.
	if cfg.Agent.Tier != "full" {
		t.Errorf("tier = %q, want full", cfg.Agent.Tier)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.Gateway.MaxQueueSize != 100 {
		t.Errorf("max_queue_size = %d, want 100", cfg.Gateway.MaxQueueSize)
	}
	if cfg.Workflow.WorkerModel != cfg.Models.Heavy {
		t.Errorf("worker_model = %q, want heavy model", cfg.Workflow.WorkerModel)
	}

	if len(cfg.Scheduler.Jobs) != 1 || cfg.Scheduler.Jobs[0].Schedule.Cron != "0 7 * * *" {
		t.Fatalf("scheduler jobs = %+v", cfg.Scheduler.Jobs)
	}
	if cfg.Workflow.DefaultBudget.MaxLLMCalls != 50 {
		t.Errorf("default_budget.max_llm_calls = %d, want 50", cfg.Workflow.DefaultBudget.MaxLLMCalls)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("agent:\n  nmae: valet\n"))
	if err == nil {
		t.Fatal("expected error for misspelled field")
	}
	if !strings.Contains(err.Error(), "nmae") {
		t.Errorf("error should name the unknown field: %v", err)
	}
}

func TestParseRejectsMultipleDocuments(t *testing.T) {
	_, err := Parse([]byte("agent:\n  name: a\n---\nagent:\n  name: b\n"))
	if err == nil {
		t.Fatal("expected error for multi-document input")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging format"},
		{"bad tier", func(c *Config) { c.Agent.Tier = "root" }, "tier"},
		{"negative budget", func(c *Config) { c.Budget.DailyTokenLimit = -1 }, "daily_token_limit"},
		{"profile missing provider", func(c *Config) {
			c.Auth.Profiles = []llm.Profile{{Name: "p"}}
		}, "name and provider"},
		{"duplicate profile", func(c *Config) {
			c.Auth.Profiles = []llm.Profile{
				{Name: "p", Provider: "anthropic"},
				{Name: "p", Provider: "openai"},
			}
		}, "duplicate auth profile"},
		{"duplicate job", func(c *Config) {
			c.Scheduler.Jobs = []JobConfig{{ID: "j"}, {ID: "j"}}
		}, "duplicate scheduler job"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			applyDefaults(&cfg)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseEmptyConfigIsValid(t *testing.T) {
	cfg, err := Parse([]byte("agent:\n  name: valet\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Models.Heavy == "" {
		t.Error("heavy model default missing")
	}
	if cfg.Circuit.FailureThreshold != 5 {
		t.Errorf("circuit failure_threshold = %d, want 5", cfg.Circuit.FailureThreshold)
	}
}
