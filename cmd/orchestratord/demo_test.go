package main

import (
	"context"
	"log/slog"
	"testing"

	"taskgraph/internal/orchestrator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemoAgentProviderListsRoster(t *testing.T) {
	p := newDemoAgentProvider()
	agents, err := p.GetAvailableAgents(context.Background())
	require.NoError(t, err)
	assert.Len(t, agents, 3)

	a, err := p.GetAgent(context.Background(), "agent-coder")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, orchestrator.AgentIdle, a.Status)

	missing, err := p.GetAgent(context.Background(), "agent-nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDemoSenderNeverErrors(t *testing.T) {
	s := newDemoSender(slog.Default())
	err := s.SendTaskMessage(context.Background(), "agent-coder", orchestrator.TaskMessage{TaskID: "t1", Type: orchestrator.MessageAssignment})
	require.NoError(t, err)
	err = s.SendNotification(context.Background(), "agent-coder", "hello")
	require.NoError(t, err)
}
