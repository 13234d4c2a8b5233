package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"taskgraph/internal/orchestrator"

	"github.com/spf13/cobra"
)

var decomposeFile string

var decomposeCmd = &cobra.Command{
	Use:   "decompose",
	Short: "Create a goal's subtasks from a JSON spec file",
	Long:  `decompose reads a JSON-encoded orchestrator.GoalSpec (goal, subtasks, and their dependency indices) and creates every subtask in the store, wiring up the dependencies between them.`,
	RunE:  runDecompose,
}

func init() {
	decomposeCmd.Flags().StringVarP(&decomposeFile, "file", "f", "", "path to a JSON goal spec (required; use '-' for stdin)")
	decomposeCmd.MarkFlagRequired("file")
}

func runDecompose(cmd *cobra.Command, args []string) error {
	raw, err := readDecomposeInput()
	if err != nil {
		return fmt.Errorf("read spec: %w", err)
	}

	var spec orchestrator.GoalSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return fmt.Errorf("parse spec: %w", err)
	}

	agents := newDemoAgentProvider()
	sender := newDemoSender(slog.Default())
	s, _, orch, err := openStack(agents, sender)
	if err != nil {
		return fmt.Errorf("open stack: %w", err)
	}
	defer s.Close()

	tasks, err := orch.DecomposeGoal(context.Background(), spec)
	if err != nil {
		return fmt.Errorf("decompose goal: %w", err)
	}

	for _, t := range tasks {
		fmt.Printf("%s\t%s\t%s\n", t.ID, t.Status, t.Title)
	}
	return nil
}

func readDecomposeInput() ([]byte, error) {
	if decomposeFile == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(decomposeFile)
}
