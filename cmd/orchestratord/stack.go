package main

import (
	"log/slog"
	"time"

	"taskgraph/internal/graph"
	"taskgraph/internal/orchestrator"
	"taskgraph/internal/store"

	"github.com/spf13/viper"
)

// openStack builds the store, graph, and orchestrator from the current
// viper configuration. Every subcommand that touches the task graph goes
// through this so they stay consistent with `run`.
func openStack(agents orchestrator.AgentProvider, sender orchestrator.MessageSender) (store.Store, *graph.Graph, *orchestrator.Orchestrator, error) {
	s, err := store.NewStore(store.StoreConfig{
		Type: viper.GetString("store.type"),
		DSN:  viper.GetString("store.dsn"),
	})
	if err != nil {
		return nil, nil, nil, err
	}

	g := graph.New(s, graph.Config{
		MaxTasks:          viper.GetInt("graph.max_tasks"),
		MaxDependencies:   viper.GetInt("graph.max_dependencies"),
		MaxRetriesCeiling: viper.GetInt("graph.max_retries_ceiling"),
		MaxTimeoutMs:      viper.GetInt64("graph.max_timeout_ms"),
		DefaultMaxRetries: viper.GetInt("orchestrator.max_retries"),
	})

	orch := orchestrator.New(g, agents, sender, orchestrator.Config{
		MaxRetries:             viper.GetInt("orchestrator.max_retries"),
		PollInterval:           time.Duration(viper.GetInt64("orchestrator.poll_interval_ms")) * time.Millisecond,
		MaxAssignmentsPerCycle: viper.GetInt("orchestrator.max_assignments_per_cycle"),
		MinCapabilityScore:     viper.GetFloat64("orchestrator.min_capability_score"),
		MaxAssignmentAge:       time.Duration(viper.GetInt64("orchestrator.max_assignment_age_ms")) * time.Millisecond,
		EventLogSize:           viper.GetInt("orchestrator.event_log_size"),
	}, slog.Default())

	return s, g, orch, nil
}
