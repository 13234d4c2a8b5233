package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load initializes the configuration from file and environment variables.
// File and env discovery follows the project convention: an optional .env
// file first, then a YAML config file, then environment variables with an
// ORC_ prefix taking final precedence.
func Load(cfgFile string) {
	// explicit .env loading
	if err := godotenv.Load(); err != nil {
		// no .env file present; nothing to do
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("ORC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Store defaults
	viper.SetDefault("store.type", "sqlite")
	viper.SetDefault("store.dsn", "/persistent/task-graph/task-graph.db")

	// Task graph defaults
	viper.SetDefault("graph.max_tasks", 10000)
	viper.SetDefault("graph.max_dependencies", 100)
	viper.SetDefault("graph.max_retries_ceiling", 10)
	viper.SetDefault("graph.max_timeout_ms", 3600000)

	// Orchestrator defaults
	viper.SetDefault("orchestrator.max_retries", 3)
	viper.SetDefault("orchestrator.poll_interval_ms", 5000)
	viper.SetDefault("orchestrator.max_assignments_per_cycle", 5)
	viper.SetDefault("orchestrator.min_capability_score", 0.1)
	viper.SetDefault("orchestrator.max_assignment_age_ms", 0) // 0 disables the stale-assignment revert sweep
	viper.SetDefault("orchestrator.event_log_size", 1000)

	// Logging/metrics defaults
	viper.SetDefault("verbose", false)
	viper.SetDefault("log_file", "")
	viper.SetDefault("metrics_port", 9090)

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile == "" {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// no config file is a normal, silent default — unlike the CLI
			// product this is derived from, a long-running service should
			// not scribble a default config file into its working directory
		}
	}
}
