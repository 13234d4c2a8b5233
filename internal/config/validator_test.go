package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name      string
		setup     func()
		wantError bool
		errMsg    string
	}{
		{
			name: "valid configuration",
			setup: func() {
				viper.Set("graph.max_tasks", 100)
				viper.Set("orchestrator.max_retries", 3)
				viper.Set("orchestrator.min_capability_score", 0.1)
				viper.Set("metrics_port", 9090)
			},
			wantError: false,
		},
		{
			name: "no values set is valid",
			setup: func() {},
			wantError: false,
		},
		{
			name: "invalid max_tasks",
			setup: func() {
				viper.Set("graph.max_tasks", 0)
			},
			wantError: true,
			errMsg:    "graph.max_tasks must be positive",
		},
		{
			name: "invalid max_dependencies",
			setup: func() {
				viper.Set("graph.max_dependencies", 200)
			},
			wantError: true,
			errMsg:    "graph.max_dependencies must be in (0, 100]",
		},
		{
			name: "invalid max_retries_ceiling",
			setup: func() {
				viper.Set("graph.max_retries_ceiling", 20)
			},
			wantError: true,
			errMsg:    "graph.max_retries_ceiling must be in (0, 10]",
		},
		{
			name: "invalid poll interval",
			setup: func() {
				viper.Set("orchestrator.poll_interval_ms", 0)
			},
			wantError: true,
			errMsg:    "orchestrator.poll_interval_ms must be positive",
		},
		{
			name: "invalid min capability score",
			setup: func() {
				viper.Set("orchestrator.min_capability_score", 1.5)
			},
			wantError: true,
			errMsg:    "orchestrator.min_capability_score must be in [0, 1]",
		},
		{
			name: "invalid metrics port",
			setup: func() {
				viper.Set("metrics_port", 99999)
			},
			wantError: true,
			errMsg:    "metrics_port must be between 0 and 65535",
		},
		{
			name: "multiple errors",
			setup: func() {
				viper.Set("graph.max_tasks", -1)
				viper.Set("metrics_port", -1)
			},
			wantError: true,
			errMsg:    "configuration validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			if tt.setup != nil {
				tt.setup()
			}

			err := ValidateConfig()
			if tt.wantError {
				if err == nil {
					t.Fatalf("ValidateConfig() expected error, got nil")
				}
				if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("ValidateConfig() error = %v, want error containing %v", err, tt.errMsg)
				}
			} else if err != nil {
				t.Errorf("ValidateConfig() unexpected error: %v", err)
			}
		})
	}
}
