// Package cmd wires the kiln command line. The root command only hosts
// shared flags and configuration loading; the work happens in the
// subcommands.
package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/kiln/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Multi-agent build service for ESP-IDF firmware projects",
	Long: `Kiln tracks firmware repositories, builds them through the ESP-IDF
toolchain when commits arrive, and repairs failing sources with an LLM
before retrying. It exposes a REST API and a WebSocket event stream for
dashboards.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/kiln/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"write diagnostic logs to kiln.log")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("server.host", defaults.Server.Host)
	viper.SetDefault("server.port", defaults.Server.Port)
	viper.SetDefault("database.path", defaults.Database.Path)
	viper.SetDefault("projects.base_dir", defaults.Projects.BaseDir)
	viper.SetDefault("bus.queue_size", defaults.Bus.QueueSize)
	viper.SetDefault("orchestrator.max_concurrent_builds", defaults.Orchestrator.MaxConcurrentBuilds)
	viper.SetDefault("orchestrator.queue_size", defaults.Orchestrator.QueueSize)
	viper.SetDefault("workflow.max_qa_iterations", defaults.Workflow.MaxQAIterations)
	viper.SetDefault("workflow.command_timeout", defaults.Workflow.CommandTimeout)
	viper.SetDefault("llm.provider", defaults.LLM.Provider)
	viper.SetDefault("llm.model", defaults.LLM.Model)
	viper.SetDefault("llm.base_url", defaults.LLM.BaseURL)
	viper.SetDefault("llm.temperature", defaults.LLM.Temperature)
	viper.SetDefault("llm.max_tokens", defaults.LLM.MaxTokens)
	viper.SetDefault("llm.timeout", defaults.LLM.Timeout)
	viper.SetDefault("llm.fallback_to_local", defaults.LLM.FallbackToLocal)
	viper.SetDefault("deps.watch", defaults.Deps.Watch)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	// KILN_SERVER_PORT=9000 overrides server.port and so on.
	viper.SetEnvPrefix("KILN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .kiln/config.yaml (current directory)
		// 2. ~/.config/kiln/config.yaml (user config)
		if _, err := os.Stat(".kiln/config.yaml"); err == nil {
			viper.SetConfigFile(".kiln/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "kiln"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .kiln/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".kiln/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
