package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, "0.0.0.0", cfg.Server.Host)
	require.Equal(t, 8000, cfg.Server.Port)
	require.NotEmpty(t, cfg.Database.Path)
	require.True(t, strings.HasSuffix(cfg.Database.Path, "kiln.db"))
	require.NotEmpty(t, cfg.Projects.BaseDir)
	require.Equal(t, 256, cfg.Bus.QueueSize)
	require.Equal(t, 2, cfg.Orchestrator.MaxConcurrentBuilds)
	require.Equal(t, 100, cfg.Orchestrator.QueueSize)
	require.Equal(t, 3, cfg.Workflow.MaxQAIterations)
	require.Equal(t, 300, cfg.Workflow.CommandTimeout)
	require.Equal(t, "ollama", cfg.LLM.Provider)
	require.Empty(t, cfg.LLM.Model, "model default is provider-specific, resolved later")
	require.InDelta(t, 0.1, cfg.LLM.Temperature, 0.0001)
	require.Equal(t, 120, cfg.LLM.Timeout)
	require.True(t, cfg.LLM.FallbackToLocal)
	require.False(t, cfg.Deps.Watch)
	require.False(t, cfg.Tracing.Enabled)
	require.Equal(t, "file", cfg.Tracing.Exporter)
	require.Equal(t, "localhost:4317", cfg.Tracing.OTLPEndpoint)
	require.InDelta(t, 1.0, cfg.Tracing.SampleRate, 0.0001)
}

func TestDefaults_Validate(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestValidateServer_PortRange(t *testing.T) {
	require.NoError(t, ValidateServer(ServerConfig{Port: 0}))
	require.NoError(t, ValidateServer(ServerConfig{Port: 8000}))
	require.NoError(t, ValidateServer(ServerConfig{Port: 65535}))

	err := ValidateServer(ServerConfig{Port: -1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "server.port")

	err = ValidateServer(ServerConfig{Port: 70000})
	require.Error(t, err)
	require.Contains(t, err.Error(), "server.port")
}

func TestValidateBus_NegativeQueueSize(t *testing.T) {
	require.NoError(t, ValidateBus(BusConfig{QueueSize: 0}))

	err := ValidateBus(BusConfig{QueueSize: -1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "bus.queue_size")
}

func TestValidateOrchestrator(t *testing.T) {
	require.NoError(t, ValidateOrchestrator(OrchestratorConfig{}))
	require.NoError(t, ValidateOrchestrator(OrchestratorConfig{MaxConcurrentBuilds: 4, QueueSize: 50}))

	err := ValidateOrchestrator(OrchestratorConfig{MaxConcurrentBuilds: -1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "orchestrator.max_concurrent_builds")

	err = ValidateOrchestrator(OrchestratorConfig{QueueSize: -5})
	require.Error(t, err)
	require.Contains(t, err.Error(), "orchestrator.queue_size")
}

func TestValidateWorkflow(t *testing.T) {
	require.NoError(t, ValidateWorkflow(WorkflowConfig{MaxQAIterations: 3, CommandTimeout: 300}))
	require.NoError(t, ValidateWorkflow(WorkflowConfig{}), "zero values take defaults at use")

	err := ValidateWorkflow(WorkflowConfig{MaxQAIterations: -1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "workflow.max_qa_iterations")

	err = ValidateWorkflow(WorkflowConfig{CommandTimeout: -10})
	require.Error(t, err)
	require.Contains(t, err.Error(), "workflow.command_timeout")
}

func TestValidateLLM_Provider(t *testing.T) {
	for _, provider := range []string{"", "ollama", "openai", "anthropic", "azure", "deepseek"} {
		require.NoError(t, ValidateLLM(LLMConfig{Provider: provider, Temperature: 0.1}), "provider %q", provider)
	}

	err := ValidateLLM(LLMConfig{Provider: "bedrock"})
	require.Error(t, err)
	require.Contains(t, err.Error(), `got "bedrock"`)
}

func TestValidateLLM_Ranges(t *testing.T) {
	err := ValidateLLM(LLMConfig{Temperature: 2.5})
	require.Error(t, err)
	require.Contains(t, err.Error(), "llm.temperature")

	err = ValidateLLM(LLMConfig{Temperature: -0.1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "llm.temperature")

	err = ValidateLLM(LLMConfig{MaxTokens: -1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "llm.max_tokens")

	err = ValidateLLM(LLMConfig{Timeout: -1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "llm.timeout")
}

func TestValidateTracing_SampleRate(t *testing.T) {
	require.NoError(t, ValidateTracing(TracingConfig{SampleRate: 0.0}))
	require.NoError(t, ValidateTracing(TracingConfig{SampleRate: 1.0}))

	err := ValidateTracing(TracingConfig{SampleRate: 1.5})
	require.Error(t, err)
	require.Contains(t, err.Error(), "tracing.sample_rate")

	err = ValidateTracing(TracingConfig{SampleRate: -0.1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "tracing.sample_rate")
}

func TestValidateTracing_Exporter(t *testing.T) {
	for _, exporter := range []string{"", "none", "file", "stdout", "otlp"} {
		require.NoError(t, ValidateTracing(TracingConfig{Exporter: exporter, SampleRate: 1.0}), "exporter %q", exporter)
	}

	err := ValidateTracing(TracingConfig{Exporter: "jaeger", SampleRate: 1.0})
	require.Error(t, err)
	require.Contains(t, err.Error(), `got "jaeger"`)
}

func TestValidateTracing_OTLPRequiresEndpoint(t *testing.T) {
	err := ValidateTracing(TracingConfig{
		Enabled:    true,
		Exporter:   "otlp",
		SampleRate: 1.0,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "tracing.otlp_endpoint")

	require.NoError(t, ValidateTracing(TracingConfig{
		Enabled:      true,
		Exporter:     "otlp",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   1.0,
	}))
}

func TestWriteDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "nested", "config.yaml")

	require.NoError(t, WriteDefaultConfig(configPath))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)

	content := string(data)
	require.Contains(t, content, "# Kiln Configuration")
	require.Contains(t, content, "port: 8000")
	require.Contains(t, content, "max_concurrent_builds: 2")
	require.Contains(t, content, "max_qa_iterations: 3")
	require.Contains(t, content, "provider: ollama")

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestDefaultConfigTemplate_ParsesAsDocumentedDefaults(t *testing.T) {
	// The template's uncommented keys must agree with Defaults().
	tmpl := DefaultConfigTemplate()
	defaults := Defaults()

	require.Contains(t, tmpl, "host: 0.0.0.0")
	require.Contains(t, tmpl, "queue_size: 256")
	require.Contains(t, tmpl, "command_timeout: 300")
	require.Contains(t, tmpl, "timeout: 120")
	require.Contains(t, tmpl, "fallback_to_local: true")
	require.Contains(t, tmpl, "watch: false")

	require.Equal(t, 256, defaults.Bus.QueueSize)
	require.Equal(t, 300, defaults.Workflow.CommandTimeout)
}
