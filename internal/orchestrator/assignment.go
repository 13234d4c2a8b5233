package orchestrator

import (
	"context"
	"fmt"
	"time"

	"taskgraph/internal/store"
	"taskgraph/internal/telemetry"
)

const metricsProject = "core"

// AssignmentCycle considers up to MaxAssignmentsPerCycle ready tasks and
// pairs each with the best-scoring available agent. When MaxAssignmentAge
// is positive it first reverts any assignment older than that age back to
// pending, giving a bounded self-heal path for messages that were never
// delivered. It returns one AssignmentDecision per task it looked at,
// including ones it could not place.
func (o *Orchestrator) AssignmentCycle(ctx context.Context) ([]AssignmentDecision, error) {
	telemetry.TrackAssignmentCycle(metricsProject)
	if o.cfg.MaxAssignmentAge > 0 {
		if err := o.revertStaleAssignments(ctx); err != nil {
			return nil, fmt.Errorf("assignment cycle: revert stale: %w", err)
		}
	}

	agents, err := o.agents.GetAvailableAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("assignment cycle: list agents: %w", err)
	}

	var decisions []AssignmentDecision
	exclude := make(map[string]bool)

	for i := 0; i < o.cfg.MaxAssignmentsPerCycle; i++ {
		task, err := o.nextReadyTask(ctx, exclude)
		if err != nil {
			return decisions, fmt.Errorf("assignment cycle: next task: %w", err)
		}
		if task == nil {
			break
		}
		exclude[task.ID] = true

		decision, err := o.assignOne(ctx, task, agents)
		if err != nil {
			return decisions, fmt.Errorf("assignment cycle: task %s: %w", task.ID, err)
		}
		decisions = append(decisions, decision)
	}

	return decisions, nil
}

// nextReadyTask queries for a pending, unowned, unblocked task not already
// considered in this cycle.
func (o *Orchestrator) nextReadyTask(ctx context.Context, exclude map[string]bool) (*store.Task, error) {
	candidates, err := o.graph.QueryTasks(ctx, store.TaskFilter{
		Status:    []store.TaskStatus{store.StatusPending},
		Unowned:   true,
		Unblocked: true,
		Limit:     len(exclude) + o.cfg.MaxAssignmentsPerCycle + 1,
	})
	if err != nil {
		return nil, err
	}
	for _, t := range candidates {
		if !exclude[t.ID] {
			return t, nil
		}
	}
	return nil, nil
}

func (o *Orchestrator) assignOne(ctx context.Context, task *store.Task, agents []Agent) (AssignmentDecision, error) {
	agentID, score, reason, ok := o.selectBestAgent(ctx, task, agents, nil)
	if !ok {
		telemetry.TrackAssignmentFailure(metricsProject)
		return AssignmentDecision{TaskID: task.ID, Reason: "no available agent", Assigned: false}, nil
	}

	assigned, err := o.graph.AssignTask(ctx, task.ID, agentID, task.Version)
	if err != nil {
		return AssignmentDecision{}, err
	}
	decision := AssignmentDecision{TaskID: task.ID, AgentID: agentID, Score: score, Reason: reason, Assigned: assigned}
	if !assigned {
		telemetry.TrackAssignmentFailure(metricsProject)
		decision.Reason = "version conflict, will retry next cycle"
		return decision, nil
	}

	telemetry.TrackAssignment(metricsProject)
	o.sendAssignment(ctx, agentID, task)
	o.logEvent("task_assigned", fmt.Sprintf("task=%s agent=%s score=%.3f reason=%q", task.ID, agentID, score, reason))
	return decision, nil
}

// selectBestAgent ranks assignable agents (skipping excludeAgentID, if set)
// by their capability score for task. A score that exceeds
// MinCapabilityScore is a genuine match; otherwise the first eligible
// agent is returned as a fallback so a task is never stranded purely for
// lack of a capability profile.
func (o *Orchestrator) selectBestAgent(ctx context.Context, task *store.Task, agents []Agent, excludeAgentID *string) (agentID string, score float64, reason string, ok bool) {
	var fallbackID string
	haveFallback := false
	bestScore := -1.0

	for _, a := range agents {
		if !a.assignable() {
			continue
		}
		if excludeAgentID != nil && a.ID == *excludeAgentID {
			continue
		}
		if !haveFallback {
			fallbackID = a.ID
			haveFallback = true
		}
		s, err := o.graph.ScoreAgent(ctx, a.ID, task.RequiredCapabilities)
		if err != nil {
			continue
		}
		if s > bestScore {
			bestScore = s
			agentID = a.ID
		}
	}

	if agentID != "" && bestScore > o.cfg.MinCapabilityScore {
		return agentID, bestScore, fmt.Sprintf("Capability match, score=%.3f", bestScore), true
	}
	if haveFallback {
		return fallbackID, 0.1, "Fallback: no agent exceeded the capability threshold", true
	}
	return "", 0, "", false
}

// tryAssignTask attempts to place a single task immediately, used when a
// task_unblocked event fires between ticks. Errors are logged, not
// returned, since the periodic cycle will retry regardless.
func (o *Orchestrator) tryAssignTask(ctx context.Context, taskID string) {
	t, err := o.graph.GetTask(ctx, taskID)
	if err != nil || t.Status != store.StatusPending || t.OwnerAgentID != nil {
		return
	}
	agents, err := o.agents.GetAvailableAgents(ctx)
	if err != nil {
		o.logEvent("assignment_cycle_error", err.Error())
		return
	}
	if _, err := o.assignOne(ctx, t, agents); err != nil {
		o.logEvent("assignment_cycle_error", err.Error())
	}
}

// revertStaleAssignments reclaims assigned tasks whose last update
// predates MaxAssignmentAge, giving the next pass a chance to reassign
// them. Each call examines at most 4*MaxAssignmentsPerCycle assigned
// tasks, in priority-then-age order; assigned tasks beyond that are not
// checked.
func (o *Orchestrator) revertStaleAssignments(ctx context.Context) error {
	stale, err := o.graph.QueryTasks(ctx, store.TaskFilter{
		Status: []store.TaskStatus{store.StatusAssigned},
		Limit:  o.cfg.MaxAssignmentsPerCycle * 4,
	})
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-o.cfg.MaxAssignmentAge)
	for _, t := range stale {
		if t.UpdatedAt.After(cutoff) {
			continue
		}
		ok, err := o.graph.ReclaimStaleAssignment(ctx, t.ID, t.Version)
		if err != nil {
			return err
		}
		if ok {
			o.logEvent("assignment_reclaimed", fmt.Sprintf("task=%s previous_owner=%s", t.ID, derefOr(t.OwnerAgentID, "")))
		}
	}
	return nil
}

func (o *Orchestrator) sendAssignment(ctx context.Context, agentID string, t *store.Task) {
	err := o.sender.SendTaskMessage(ctx, agentID, TaskMessage{
		TaskID:          t.ID,
		Type:            MessageAssignment,
		Input:           t.Input,
		ExpectedOutput:  t.ExpectedOutput,
		SuccessCriteria: t.AcceptanceCriteria,
		TimeoutMs:       t.TimeoutMs,
	})
	if err != nil {
		o.logEvent("send_assignment_error", fmt.Sprintf("task=%s agent=%s err=%v", t.ID, agentID, err))
	}
}

func (o *Orchestrator) sendReassignment(ctx context.Context, agentID string, t *store.Task) {
	err := o.sender.SendTaskMessage(ctx, agentID, TaskMessage{
		TaskID:          t.ID,
		Type:            MessageReassignment,
		Input:           t.Input,
		ExpectedOutput:  t.ExpectedOutput,
		SuccessCriteria: t.AcceptanceCriteria,
		TimeoutMs:       t.TimeoutMs,
	})
	if err != nil {
		o.logEvent("send_reassignment_error", fmt.Sprintf("task=%s agent=%s err=%v", t.ID, agentID, err))
	}
}
