package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// ValidateConfig validates configuration values and returns an error
// describing every violation found. Call after Load.
func ValidateConfig() error {
	var errs []string

	if viper.IsSet("graph.max_tasks") {
		if v := viper.GetInt("graph.max_tasks"); v <= 0 {
			errs = append(errs, fmt.Sprintf("graph.max_tasks must be positive, got: %d", v))
		}
	}
	if viper.IsSet("graph.max_dependencies") {
		if v := viper.GetInt("graph.max_dependencies"); v <= 0 || v > 100 {
			errs = append(errs, fmt.Sprintf("graph.max_dependencies must be in (0, 100], got: %d", v))
		}
	}
	if viper.IsSet("graph.max_retries_ceiling") {
		if v := viper.GetInt("graph.max_retries_ceiling"); v <= 0 || v > 10 {
			errs = append(errs, fmt.Sprintf("graph.max_retries_ceiling must be in (0, 10], got: %d", v))
		}
	}
	if viper.IsSet("graph.max_timeout_ms") {
		if v := viper.GetInt("graph.max_timeout_ms"); v <= 0 || v > 3600000 {
			errs = append(errs, fmt.Sprintf("graph.max_timeout_ms must be in (0, 3600000], got: %d", v))
		}
	}

	if viper.IsSet("orchestrator.max_retries") {
		if v := viper.GetInt("orchestrator.max_retries"); v < 0 {
			errs = append(errs, fmt.Sprintf("orchestrator.max_retries must be non-negative, got: %d", v))
		}
	}
	if viper.IsSet("orchestrator.poll_interval_ms") {
		if v := viper.GetInt("orchestrator.poll_interval_ms"); v <= 0 {
			errs = append(errs, fmt.Sprintf("orchestrator.poll_interval_ms must be positive, got: %d", v))
		}
	}
	if viper.IsSet("orchestrator.max_assignments_per_cycle") {
		if v := viper.GetInt("orchestrator.max_assignments_per_cycle"); v <= 0 {
			errs = append(errs, fmt.Sprintf("orchestrator.max_assignments_per_cycle must be positive, got: %d", v))
		}
	}
	if viper.IsSet("orchestrator.min_capability_score") {
		if v := viper.GetFloat64("orchestrator.min_capability_score"); v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("orchestrator.min_capability_score must be in [0, 1], got: %f", v))
		}
	}

	if viper.IsSet("metrics_port") {
		if v := viper.GetInt("metrics_port"); v < 0 || v > 65535 {
			errs = append(errs, fmt.Sprintf("metrics_port must be between 0 and 65535, got: %d", v))
		}
	}

	if len(errs) == 0 {
		return nil
	}

	msg := errs[0]
	for i := 1; i < len(errs); i++ {
		msg += "\n  " + errs[i]
	}
	return fmt.Errorf("configuration validation failed:\n  %s", msg)
}

// ValidateAndExit validates the configuration and exits with a non-zero
// code on failure, printing the violations to stderr.
func ValidateAndExit() {
	if err := ValidateConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
