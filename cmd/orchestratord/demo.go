package main

import (
	"context"
	"log/slog"
	"sync"

	"taskgraph/internal/orchestrator"
)

// demoAgentProvider is a fixed, in-memory worker roster. A real deployment
// implements orchestrator.AgentProvider against whatever directory tracks
// its actual agent processes; this one exists so `run` has something to
// assign against out of the box.
type demoAgentProvider struct {
	mu     sync.Mutex
	agents map[string]orchestrator.Agent
}

func newDemoAgentProvider() *demoAgentProvider {
	roster := []orchestrator.Agent{
		{ID: "agent-researcher", Status: orchestrator.AgentIdle, Role: "researcher", Capabilities: []string{"research", "summarize"}},
		{ID: "agent-coder", Status: orchestrator.AgentIdle, Role: "coder", Capabilities: []string{"code", "test"}},
		{ID: "agent-reviewer", Status: orchestrator.AgentIdle, Role: "reviewer", Capabilities: []string{"review", "code"}},
	}
	agents := make(map[string]orchestrator.Agent, len(roster))
	for _, a := range roster {
		agents[a.ID] = a
	}
	return &demoAgentProvider{agents: agents}
}

func (p *demoAgentProvider) GetAvailableAgents(ctx context.Context) ([]orchestrator.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]orchestrator.Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a)
	}
	return out, nil
}

func (p *demoAgentProvider) GetAgent(ctx context.Context, id string) (*orchestrator.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.agents[id]; ok {
		return &a, nil
	}
	return nil, nil
}

// demoSender logs every message it is asked to deliver instead of opening a
// real transport. A production MessageSender would sit in front of
// whatever channel the agent fleet actually listens on.
type demoSender struct {
	logger *slog.Logger
}

func newDemoSender(logger *slog.Logger) *demoSender {
	return &demoSender{logger: logger}
}

func (s *demoSender) SendTaskMessage(ctx context.Context, agentID string, msg orchestrator.TaskMessage) error {
	s.logger.Info("demo_send_task_message", "agent", agentID, "task", msg.TaskID, "type", msg.Type)
	return nil
}

func (s *demoSender) SendNotification(ctx context.Context, agentID string, text string) error {
	s.logger.Info("demo_send_notification", "agent", agentID, "text", text)
	return nil
}
