package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator's assignment and recovery loop",
	Long:  `run starts the periodic assignment cycle against the configured store, assigning ready tasks to agents reported by the demo agent roster until interrupted.`,
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	agents := newDemoAgentProvider()
	sender := newDemoSender(logger)

	s, _, orch, err := openStack(agents, sender)
	if err != nil {
		return fmt.Errorf("open stack: %w", err)
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("orchestrator starting")
	orch.Start(ctx)
	<-ctx.Done()
	logger.Info("orchestrator stopping")
	orch.Stop()
	return nil
}
