package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print task counts and agent capability summaries",
	Long:  `status opens the configured store and reports how many tasks are in each state, plus a summary of what the store knows about each agent's capabilities.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	agents := newDemoAgentProvider()
	sender := newDemoSender(slog.Default())
	s, _, orch, err := openStack(agents, sender)
	if err != nil {
		return fmt.Errorf("open stack: %w", err)
	}
	defer s.Close()

	st, err := orch.GetStatus(context.Background())
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}

	fmt.Printf("active tasks: %d/%d\n", st.ActiveTasks, st.MaxTasks)
	fmt.Printf("tasks by status:\n")
	for status, count := range st.TasksByStatus {
		fmt.Printf("  %-10s %d\n", status, count)
	}

	fmt.Printf("agents:\n")
	for _, a := range st.AgentSummaries {
		fmt.Printf("  %-20s completed=%d failed=%d top=%v\n", a.AgentID, a.TotalCompleted, a.TotalFailed, a.TopCapabilities)
	}

	return nil
}
