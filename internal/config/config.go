// Package config loads the valet runtime configuration from YAML.
// Environment references like ${ANTHROPIC_API_KEY} are expanded before
// parsing; unknown keys are rejected so typos fail at startup.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/valetlabs/valet/internal/llm"
	"github.com/valetlabs/valet/internal/scheduler"
	"github.com/valetlabs/valet/internal/tools"
	"github.com/valetlabs/valet/internal/workflow"
)

// Config is the root configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Budget    BudgetConfig    `yaml:"budget"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Tools     ToolsConfig     `yaml:"tools"`
	Models    ModelsConfig    `yaml:"models"`
	Auth      AuthConfig      `yaml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
}

type AgentConfig struct {
	Name               string `yaml:"name"`
	Persona            string `yaml:"persona"`
	Tier               string `yaml:"tier"`
	MaxIterations      int    `yaml:"max_iterations"`
	ContextLimit       int    `yaml:"context_limit"`
	ContextReserve     int    `yaml:"context_reserve"`
	MaxToolResultChars int    `yaml:"max_tool_result_chars"`
}

type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

type BudgetConfig struct {
	Dir             string `yaml:"dir"`
	DailyTokenLimit int    `yaml:"daily_token_limit"`
	FailOpen        bool   `yaml:"fail_open"`
}

type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration"`
	HistorySize      int           `yaml:"history_size"`
}

type SessionsConfig struct {
	Dir string `yaml:"dir"`
}

type ToolsConfig struct {
	GrantsDir    string       `yaml:"grants_dir"`
	WorkspaceDir string       `yaml:"workspace_dir"`
	Policy       tools.Policy `yaml:"policy"`
}

type ModelsConfig struct {
	Light            string   `yaml:"light"`
	Heavy            string   `yaml:"heavy"`
	Thinking         string   `yaml:"thinking"`
	Fallbacks        []string `yaml:"fallbacks"`
	Default          string   `yaml:"default"`
	HeavyModes       []string `yaml:"heavy_modes"`
	LightModes       []string `yaml:"light_modes"`
	ComplexThreshold int      `yaml:"complex_threshold"`
}

type AuthConfig struct {
	Profiles []llm.Profile `yaml:"profiles"`
}

type GatewayConfig struct {
	MaxQueueSize int `yaml:"max_queue_size"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	HistoryDB    string        `yaml:"history_db"`
	Jobs         []JobConfig   `yaml:"jobs"`
}

type JobConfig struct {
	ID       string                 `yaml:"id"`
	Name     string                 `yaml:"name"`
	Source   string                 `yaml:"source"`
	Prompt   string                 `yaml:"prompt"`
	Channel  string                 `yaml:"channel"`
	Enabled  bool                   `yaml:"enabled"`
	Schedule scheduler.ScheduleSpec `yaml:"schedule"`
	Metadata map[string]any         `yaml:"metadata"`
}

type WorkflowConfig struct {
	Dir               string                `yaml:"dir"`
	Workers           int                   `yaml:"workers"`
	WorkerModel       string                `yaml:"worker_model"`
	PauseOnExhaustion bool                  `yaml:"pause_on_exhaustion"`
	DefaultBudget     workflow.BudgetLimits `yaml:"default_budget"`
}

// Load reads, expands, and strictly parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration bytes. Unknown fields and multi-document
// input are rejected.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "valet"
	}
	if cfg.Agent.Tier == "" {
		cfg.Agent.Tier = "full"
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 5
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = ":9090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "valet"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.Budget.Dir == "" {
		cfg.Budget.Dir = "data"
	}
	if cfg.Circuit.FailureThreshold == 0 {
		cfg.Circuit.FailureThreshold = 5
	}
	if cfg.Circuit.OpenDuration == 0 {
		cfg.Circuit.OpenDuration = time.Minute
	}
	if cfg.Circuit.HistorySize == 0 {
		cfg.Circuit.HistorySize = 20
	}
	if cfg.Sessions.Dir == "" {
		cfg.Sessions.Dir = "data/sessions"
	}
	if cfg.Tools.GrantsDir == "" {
		cfg.Tools.GrantsDir = "data"
	}
	if cfg.Tools.WorkspaceDir == "" {
		cfg.Tools.WorkspaceDir = "data/workspace"
	}
	if cfg.Models.Light == "" {
		cfg.Models.Light = "claude-haiku-3-5-20241022"
	}
	if cfg.Models.Heavy == "" {
		cfg.Models.Heavy = "claude-sonnet-4-20250514"
	}
	if cfg.Models.Thinking == "" {
		cfg.Models.Thinking = cfg.Models.Heavy
	}
	if cfg.Gateway.MaxQueueSize == 0 {
		cfg.Gateway.MaxQueueSize = 100
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = time.Second
	}
	if cfg.Workflow.Dir == "" {
		cfg.Workflow.Dir = "data"
	}
	if cfg.Workflow.Workers == 0 {
		cfg.Workflow.Workers = 2
	}
	if cfg.Workflow.WorkerModel == "" {
		cfg.Workflow.WorkerModel = cfg.Models.Heavy
	}
}

// Validate rejects configurations that would fail at runtime.
func (cfg *Config) Validate() error {
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown logging level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown logging format %q", cfg.Logging.Format)
	}
	switch cfg.Agent.Tier {
	case "none", "observe", "interact", "full":
	default:
		return fmt.Errorf("config: unknown agent tier %q", cfg.Agent.Tier)
	}
	if cfg.Budget.DailyTokenLimit < 0 {
		return fmt.Errorf("config: daily_token_limit must not be negative")
	}
	if cfg.Gateway.MaxQueueSize < 1 {
		return fmt.Errorf("config: max_queue_size must be at least 1")
	}
	seen := map[string]bool{}
	for i, p := range cfg.Auth.Profiles {
		if p.Name == "" || p.Provider == "" {
			return fmt.Errorf("config: auth profile %d requires name and provider", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate auth profile %q", p.Name)
		}
		seen[p.Name] = true
	}
	jobIDs := map[string]bool{}
	for _, job := range cfg.Scheduler.Jobs {
		if job.ID == "" {
			return fmt.Errorf("config: scheduler job requires an id")
		}
		if jobIDs[job.ID] {
			return fmt.Errorf("config: duplicate scheduler job %q", job.ID)
		}
		jobIDs[job.ID] = true
	}
	return nil
}
