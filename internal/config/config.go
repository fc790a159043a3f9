// Package config provides configuration types and defaults for kiln.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zjrosen/kiln/internal/log"
)

// Config holds all configuration options for kiln.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Projects     ProjectsConfig     `mapstructure:"projects"`
	Bus          BusConfig          `mapstructure:"bus"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Workflow     WorkflowConfig     `mapstructure:"workflow"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Deps         DepsConfig         `mapstructure:"deps"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"` // Listen address (default: 0.0.0.0)
	Port int    `mapstructure:"port"` // Listen port (default: 8000, 0 = auto-assign)
}

// DatabaseConfig holds persistence settings.
type DatabaseConfig struct {
	// Path is the SQLite database file location.
	// Default: ~/.kiln/kiln.db
	Path string `mapstructure:"path"`
}

// ProjectsConfig holds project workspace settings.
type ProjectsConfig struct {
	// BaseDir is the root directory project repositories are cloned under.
	// Default: ~/.kiln/projects
	BaseDir string `mapstructure:"base_dir"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	QueueSize int `mapstructure:"queue_size"` // Publication queue bound (default: 256)
}

// OrchestratorConfig holds build orchestration settings.
type OrchestratorConfig struct {
	MaxConcurrentBuilds int `mapstructure:"max_concurrent_builds"` // Worker count (default: 2)
	QueueSize           int `mapstructure:"queue_size"`            // Pending builds before rejection (default: 100)
}

// WorkflowConfig holds workflow engine settings.
type WorkflowConfig struct {
	// MaxQAIterations bounds the QA repair loop per workflow run.
	// Default: 3
	MaxQAIterations int `mapstructure:"max_qa_iterations"`

	// CommandTimeout is the per-command timeout in seconds for toolchain
	// invocations. Default: 300
	CommandTimeout int `mapstructure:"command_timeout"`
}

// LLMConfig holds language-model provider settings used for automated
// source repair. API keys are read from provider env vars, never from the
// config file.
type LLMConfig struct {
	Provider        string  `mapstructure:"provider"`          // ollama (default), openai, anthropic, azure, deepseek
	Model           string  `mapstructure:"model"`             // Empty uses the provider's default model
	BaseURL         string  `mapstructure:"base_url"`          // Override endpoint (dockerized Ollama, gateways)
	Temperature     float64 `mapstructure:"temperature"`       // Sampling temperature (default: 0.1)
	MaxTokens       int     `mapstructure:"max_tokens"`        // 0 uses the provider default
	Timeout         int     `mapstructure:"timeout"`           // Request timeout in seconds (default: 120)
	FallbackToLocal bool    `mapstructure:"fallback_to_local"` // Fall back to Ollama when the remote provider fails (default: true)
}

// DepsConfig holds dependency resolver settings.
type DepsConfig struct {
	// Watch enables the manifest watcher that re-scans project
	// dependencies when component manifests change on disk.
	// Default: false
	Watch bool `mapstructure:"watch"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.kiln/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DefaultDatabasePath returns the default SQLite database location.
// Returns ~/.kiln/kiln.db or a relative fallback if home dir unavailable.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "kiln.db"
	}
	return filepath.Join(home, ".kiln", "kiln.db")
}

// DefaultProjectsBaseDir returns the default project workspace root.
// Returns ~/.kiln/projects or a relative fallback if home dir unavailable.
func DefaultProjectsBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "projects"
	}
	return filepath.Join(home, ".kiln", "projects")
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.kiln/traces/traces.jsonl or empty string if home dir unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kiln", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Database: DatabaseConfig{
			Path: DefaultDatabasePath(),
		},
		Projects: ProjectsConfig{
			BaseDir: DefaultProjectsBaseDir(),
		},
		Bus: BusConfig{
			QueueSize: 256,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentBuilds: 2,
			QueueSize:           100,
		},
		Workflow: WorkflowConfig{
			MaxQAIterations: 3,
			CommandTimeout:  300,
		},
		LLM: LLMConfig{
			Provider:        "ollama",
			Model:           "", // Provider default resolved at client construction
			Temperature:     0.1,
			Timeout:         120,
			FallbackToLocal: true,
		},
		Deps: DepsConfig{
			Watch: false,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from home dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the full configuration for errors.
// Empty/zero values pass; they take defaults at the point of use.
func (c Config) Validate() error {
	if err := ValidateServer(c.Server); err != nil {
		return err
	}
	if err := ValidateBus(c.Bus); err != nil {
		return err
	}
	if err := ValidateOrchestrator(c.Orchestrator); err != nil {
		return err
	}
	if err := ValidateWorkflow(c.Workflow); err != nil {
		return err
	}
	if err := ValidateLLM(c.LLM); err != nil {
		return err
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	return nil
}

// ValidateServer checks server configuration for errors.
func ValidateServer(server ServerConfig) error {
	if server.Port < 0 || server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", server.Port)
	}
	return nil
}

// ValidateBus checks event bus configuration for errors.
func ValidateBus(b BusConfig) error {
	if b.QueueSize < 0 {
		return fmt.Errorf("bus.queue_size must not be negative, got %d", b.QueueSize)
	}
	return nil
}

// ValidateOrchestrator checks orchestrator configuration for errors.
func ValidateOrchestrator(orch OrchestratorConfig) error {
	if orch.MaxConcurrentBuilds < 0 {
		return fmt.Errorf("orchestrator.max_concurrent_builds must not be negative, got %d", orch.MaxConcurrentBuilds)
	}
	if orch.QueueSize < 0 {
		return fmt.Errorf("orchestrator.queue_size must not be negative, got %d", orch.QueueSize)
	}
	return nil
}

// ValidateWorkflow checks workflow engine configuration for errors.
func ValidateWorkflow(wf WorkflowConfig) error {
	if wf.MaxQAIterations < 0 {
		return fmt.Errorf("workflow.max_qa_iterations must not be negative, got %d", wf.MaxQAIterations)
	}
	if wf.CommandTimeout < 0 {
		return fmt.Errorf("workflow.command_timeout must not be negative, got %d", wf.CommandTimeout)
	}
	return nil
}

// ValidateLLM checks language-model configuration for errors.
func ValidateLLM(llm LLMConfig) error {
	if llm.Provider != "" {
		switch llm.Provider {
		case "ollama", "openai", "anthropic", "azure", "deepseek":
			// Valid
		default:
			return fmt.Errorf("llm.provider must be \"ollama\", \"openai\", \"anthropic\", \"azure\", or \"deepseek\", got %q", llm.Provider)
		}
	}
	if llm.Temperature < 0.0 || llm.Temperature > 2.0 {
		return fmt.Errorf("llm.temperature must be between 0.0 and 2.0, got %v", llm.Temperature)
	}
	if llm.MaxTokens < 0 {
		return fmt.Errorf("llm.max_tokens must not be negative, got %d", llm.MaxTokens)
	}
	if llm.Timeout < 0 {
		return fmt.Errorf("llm.timeout must not be negative, got %d", llm.Timeout)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	// Validate SampleRate is in range [0.0, 1.0]
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	// Validate Exporter is a valid option
	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" && DefaultTracesFilePath() == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Kiln Configuration

# HTTP server settings
server:
  host: 0.0.0.0   # Listen address
  port: 8000      # Listen port

# Persistence
database:
  # SQLite database file (default: ~/.kiln/kiln.db)
  # path: /path/to/kiln.db

# Project workspaces
projects:
  # Root directory repositories are cloned under (default: ~/.kiln/projects)
  # base_dir: /path/to/projects

# Event bus
bus:
  queue_size: 256   # Publication queue bound; publishers block when full

# Build orchestration
orchestrator:
  max_concurrent_builds: 2   # Builds running at once
  queue_size: 100            # Pending builds held before submissions are rejected

# Workflow engine
workflow:
  max_qa_iterations: 3   # QA repair loop bound per workflow run
  command_timeout: 300   # Per-command timeout in seconds for toolchain calls

# Language model used for automated source repair
# API keys come from env vars (OPENAI_API_KEY, ANTHROPIC_API_KEY,
# AZURE_OPENAI_API_KEY, DEEPSEEK_API_KEY), never from this file.
llm:
  provider: ollama        # ollama (default), openai, anthropic, azure, deepseek
  # model: qwen2.5-coder:14b   # Empty uses the provider's default model
  # base_url: http://localhost:11434   # Override endpoint (dockerized Ollama, gateways)
  temperature: 0.1
  # max_tokens: 4096      # 0 uses the provider default
  timeout: 120            # Request timeout in seconds
  fallback_to_local: true # Fall back to Ollama when the remote provider fails

# Dependency resolver
deps:
  watch: false   # Re-scan dependencies when component manifests change on disk

# Distributed tracing
# Enables end-to-end visibility into build and workflow execution
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.kiln/traces/traces.jsonl  # Output file for file exporter
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
#
# Example: Send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	// Create parent directory if needed
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write the template
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
