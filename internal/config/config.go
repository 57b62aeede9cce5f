// Package config loads shipyard configuration.
//
// Values come from a YAML file overridden by SHIPYARD_-prefixed
// environment variables, then defaults are applied and the result is
// validated. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete shipyard configuration.
type Config struct {
	Server         ServerConfig         `koanf:"server"`
	Observability  ObservabilityConfig  `koanf:"observability"`
	Logging        LoggingConfig        `koanf:"logging"`
	Orchestrator   OrchestratorConfig   `koanf:"orchestrator"`
	Tracker        TrackerConfig        `koanf:"tracker"`
	Director       DirectorConfig       `koanf:"director"`
	AutoCorrection AutoCorrectionConfig `koanf:"auto_correction"`
	Pipeline       PipelineConfig       `koanf:"pipeline"`
	Tiers          []TierConfig         `koanf:"tiers"`
	Events         EventsConfig         `koanf:"events"`
	GitHub         GitHubConfig         `koanf:"github"`
	Anthropic      AnthropicConfig      `koanf:"anthropic"`
	OpenAI         OpenAIConfig         `koanf:"openai"`
	Temporal       TemporalConfig       `koanf:"temporal"`
	Redaction      RedactionConfig      `koanf:"redaction"`
}

// RedactionConfig controls secret scrubbing of session failure messages
// and audit entries.
type RedactionConfig struct {
	Disabled  bool     `koanf:"disabled"`
	AllowList []string `koanf:"allow_list"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry settings.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	Protocol        string `koanf:"protocol"`
	Insecure        bool   `koanf:"insecure"`
}

// LoggingConfig holds the loggable subset of logging.Config.
type LoggingConfig struct {
	Level           string `koanf:"level"`
	Format          string `koanf:"format"`
	OTEL            bool   `koanf:"otel"`
	DisableSampling bool   `koanf:"disable_sampling"`
}

// OrchestratorConfig bounds model-driven phases.
type OrchestratorConfig struct {
	MaxPlanningTurns     int    `koanf:"max_planning_turns"`
	MaxImplementingTurns int    `koanf:"max_implementing_turns"`
	DefaultModel         string `koanf:"default_model"`
	DefaultProvider      string `koanf:"default_provider"`
	// ImplementCommand runs in the session worktree with the task on stdin.
	ImplementCommand string   `koanf:"implement_command"`
	ImplementTimeout Duration `koanf:"implement_timeout"`
	BranchPrefix     string   `koanf:"branch_prefix"`
}

// TrackerConfig bounds session admission.
type TrackerConfig struct {
	MaxParallel int      `koanf:"max_parallel"`
	StaleAfter  Duration `koanf:"stale_after"`
}

// DirectorConfig configures the integration scheduler.
type DirectorConfig struct {
	ScheduleInterval Duration             `koanf:"schedule_interval"`
	DefaultPriority  int                  `koanf:"default_priority"`
	ManifestPath     string               `koanf:"manifest_path"`
	MainBranch       string               `koanf:"main_branch"`
	RepoPath         string               `koanf:"repo_path"`
	WatchManifest    bool                 `koanf:"watch_manifest"`
	Retry            RetryConfig          `koanf:"retry"`
	CircuitBreaker   CircuitBreakerConfig `koanf:"circuit_breaker"`
}

// RetryConfig bounds integration retries per branch.
// MaxAttempts 0 means unlimited; Backoff 0 means retry every cycle.
type RetryConfig struct {
	MaxAttempts int      `koanf:"max_attempts"`
	Backoff     Duration `koanf:"backoff"`
	MaxBackoff  Duration `koanf:"max_backoff"`
	Multiplier  float64  `koanf:"multiplier"`
}

// CircuitBreakerConfig pauses dispatch after consecutive failures.
// FailureThreshold 0 disables the breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int      `koanf:"failure_threshold"`
	Cooldown         Duration `koanf:"cooldown"`
}

// AutoCorrectionConfig bounds quality correction cycles.
type AutoCorrectionConfig struct {
	MaxAttempts int `koanf:"max_attempts"`
}

// PipelineConfig configures the quality pipeline.
type PipelineConfig struct {
	Timeout        Duration `koanf:"timeout"`
	MaxConcurrency int      `koanf:"max_concurrency"`
	AgentsFile     string   `koanf:"agents_file"`
}

// TierConfig maps a diff size to the agents that check it.
type TierConfig struct {
	Name     string   `koanf:"name"`
	MaxFiles int      `koanf:"max_files"`
	MaxLines int      `koanf:"max_lines"`
	Agents   []string `koanf:"agents"`
}

// EventsConfig configures outbound event sinks.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// GitHubConfig configures the integrator.
type GitHubConfig struct {
	Token Secret `koanf:"token"`
	Owner string `koanf:"owner"`
	Repo  string `koanf:"repo"`
	// WebhookSecret enables POST /webhooks/github when set.
	WebhookSecret Secret `koanf:"webhook_secret"`
}

// AnthropicConfig configures the Anthropic transport.
type AnthropicConfig struct {
	APIKey            Secret  `koanf:"api_key"`
	BaseURL           string  `koanf:"base_url"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	MaxTokens         int     `koanf:"max_tokens"`
}

// OpenAIConfig configures the OpenAI transport.
type OpenAIConfig struct {
	APIKey  Secret `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
}

// TemporalConfig enables the durable workflow driver.
type TemporalConfig struct {
	Enabled   bool   `koanf:"enabled"`
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "shipyard"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}

	if cfg.Orchestrator.MaxPlanningTurns == 0 {
		cfg.Orchestrator.MaxPlanningTurns = 15
	}
	if cfg.Orchestrator.MaxImplementingTurns == 0 {
		cfg.Orchestrator.MaxImplementingTurns = 50
	}
	if cfg.Orchestrator.DefaultProvider == "" {
		cfg.Orchestrator.DefaultProvider = "anthropic"
	}
	if cfg.Orchestrator.DefaultModel == "" {
		cfg.Orchestrator.DefaultModel = "claude-sonnet-4-5-20250929"
	}

	if cfg.Orchestrator.ImplementCommand == "" {
		cfg.Orchestrator.ImplementCommand = "claude -p --permission-mode acceptEdits"
	}
	if cfg.Orchestrator.ImplementTimeout == 0 {
		cfg.Orchestrator.ImplementTimeout = Duration(time.Hour)
	}
	if cfg.Orchestrator.BranchPrefix == "" {
		cfg.Orchestrator.BranchPrefix = "shipyard/"
	}

	if cfg.Tracker.MaxParallel == 0 {
		cfg.Tracker.MaxParallel = 3
	}
	if cfg.Tracker.StaleAfter == 0 {
		cfg.Tracker.StaleAfter = Duration(2 * time.Minute)
	}

	if cfg.Director.ScheduleInterval == 0 {
		cfg.Director.ScheduleInterval = Duration(30 * time.Second)
	}
	if cfg.Director.DefaultPriority == 0 {
		cfg.Director.DefaultPriority = 50
	}
	if cfg.Director.ManifestPath == "" {
		cfg.Director.ManifestPath = ".shipyard/manifest.json"
	}
	if cfg.Director.MainBranch == "" {
		cfg.Director.MainBranch = "main"
	}
	if cfg.Director.RepoPath == "" {
		cfg.Director.RepoPath = "."
	}
	if cfg.Director.Retry.Multiplier == 0 {
		cfg.Director.Retry.Multiplier = 2
	}
	if cfg.Director.CircuitBreaker.Cooldown == 0 {
		cfg.Director.CircuitBreaker.Cooldown = Duration(5 * time.Minute)
	}

	if cfg.AutoCorrection.MaxAttempts == 0 {
		cfg.AutoCorrection.MaxAttempts = 2
	}
	if cfg.Pipeline.Timeout == 0 {
		cfg.Pipeline.Timeout = Duration(20 * time.Minute)
	}
	if cfg.Pipeline.MaxConcurrency == 0 {
		cfg.Pipeline.MaxConcurrency = 8
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "shipyard"
	}
	if cfg.Anthropic.RequestsPerSecond == 0 {
		cfg.Anthropic.RequestsPerSecond = 2
	}
	if cfg.Anthropic.MaxTokens == 0 {
		cfg.Anthropic.MaxTokens = 8192
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "gpt-4o"
	}
	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "shipyard"
	}
}

// DefaultTiers returns the built-in small/medium/large tiers.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{Name: "small", MaxFiles: 5, MaxLines: 200, Agents: []string{"tests", "secrets"}},
		{Name: "medium", MaxFiles: 20, MaxLines: 1000, Agents: []string{"tests", "lint", "secrets"}},
		{Name: "large", MaxFiles: 0, MaxLines: 0, Agents: []string{"tests", "lint", "secrets", "review"}},
	}
}

// Validate checks limits and tier definitions.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port out of range: %d", c.Server.Port))
	}
	if c.Orchestrator.MaxPlanningTurns < 1 {
		errs = append(errs, errors.New("orchestrator.max_planning_turns must be positive"))
	}
	if c.Tracker.MaxParallel < 1 {
		errs = append(errs, errors.New("tracker.max_parallel must be positive"))
	}
	if c.AutoCorrection.MaxAttempts < 0 {
		errs = append(errs, errors.New("auto_correction.max_attempts cannot be negative"))
	}
	if c.Director.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("director.retry.max_attempts cannot be negative"))
	}
	if c.Pipeline.MaxConcurrency < 1 {
		errs = append(errs, errors.New("pipeline.max_concurrency must be positive"))
	}
	if len(c.Tiers) == 0 {
		errs = append(errs, errors.New("at least one tier is required"))
	}
	seen := map[string]bool{}
	for _, t := range c.Tiers {
		if t.Name == "" {
			errs = append(errs, errors.New("tier name cannot be empty"))
			continue
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Errorf("duplicate tier %q", t.Name))
		}
		seen[t.Name] = true
		if len(t.Agents) == 0 {
			errs = append(errs, fmt.Errorf("tier %q has no agents", t.Name))
		}
	}
	switch c.Orchestrator.DefaultProvider {
	case "anthropic", "openai":
	default:
		errs = append(errs, fmt.Errorf("orchestrator.default_provider must be anthropic or openai, got %q", c.Orchestrator.DefaultProvider))
	}

	return errors.Join(errs...)
}
