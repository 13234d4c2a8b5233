package orchestrator

import (
	"context"
	"fmt"

	"taskgraph/internal/graph"
	"taskgraph/internal/store"
	"taskgraph/internal/telemetry"
)

// handleTaskEvent is the graph subscriber that drives reactive (as opposed
// to ticker-driven) behavior: a freshly unblocked task is assigned right
// away instead of waiting for the next poll, and a failed task that can
// still retry is routed through attemptRecovery immediately.
func (o *Orchestrator) handleTaskEvent(ev graph.Event) {
	ctx := context.Background()
	switch ev.Type {
	case graph.EventTaskUnblocked:
		if ev.Task != nil {
			o.tryAssignTask(ctx, ev.Task.ID)
		}
	case graph.EventTaskFailed:
		if ev.Task != nil && ev.Task.RetryCount < ev.Task.MaxRetries {
			o.attemptRecovery(ctx, ev.Task)
		}
	}
}

// attemptRecovery retries a failed task, preferring to hand it to a
// different idle agent than the one that just failed it. It falls back to
// retrying with the same owner if no other agent is available; if that
// retry is refused, it logs task_recovery_exhausted and leaves the task as
// it is. A retry to an alternate agent that loses a version race is left
// for the next assignment cycle or event to pick up; it is not itself an
// error.
func (o *Orchestrator) attemptRecovery(ctx context.Context, t *store.Task) {
	telemetry.TrackRecoveryAttempt(metricsProject)
	agents, err := o.agents.GetAvailableAgents(ctx)
	if err != nil {
		o.logEvent("recovery_error", fmt.Sprintf("task=%s err=%v", t.ID, err))
		return
	}

	agentID, _, _, ok := o.selectBestAgent(ctx, t, agents, t.OwnerAgentID)
	if ok {
		res, err := o.graph.RetryTask(ctx, t.ID, &agentID, t.Version)
		if err != nil {
			o.logEvent("recovery_error", fmt.Sprintf("task=%s err=%v", t.ID, err))
			return
		}
		if !res.Success {
			return
		}
		fresh, err := o.graph.GetTask(ctx, t.ID)
		if err == nil {
			o.sendReassignment(ctx, agentID, fresh)
		}
		o.logEvent("task_recovered", fmt.Sprintf("task=%s new_owner=%s previous_owner=%s", t.ID, agentID, derefOr(t.OwnerAgentID, "")))
		return
	}

	// No alternate agent: retry with the task's previous owner.
	res, err := o.graph.RetryTask(ctx, t.ID, t.OwnerAgentID, t.Version)
	if err != nil {
		o.logEvent("recovery_error", fmt.Sprintf("task=%s err=%v", t.ID, err))
		return
	}
	if !res.Success {
		telemetry.TrackRecoveryExhausted(metricsProject)
		o.logEvent("task_recovery_exhausted", fmt.Sprintf("task=%s reason=no alternate agent available and retry with previous owner refused", t.ID))
		return
	}
	if t.OwnerAgentID != nil {
		if fresh, err := o.graph.GetTask(ctx, t.ID); err == nil {
			o.sendReassignment(ctx, *t.OwnerAgentID, fresh)
		}
	}
	o.logEvent("task_recovered", fmt.Sprintf("task=%s new_owner=%s previous_owner=%s", t.ID, derefOr(t.OwnerAgentID, ""), derefOr(t.OwnerAgentID, "")))
}

// notifyBlocked tells the sender about a task that just transitioned to
// blocked because a dependency failed permanently. It has no owner to
// notify when the task was never assigned, in which case it is a no-op.
func (o *Orchestrator) notifyBlocked(ctx context.Context, taskID string) {
	t, err := o.graph.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if t.OwnerAgentID == nil {
		return
	}
	text := fmt.Sprintf("task %s is permanently blocked: %s", t.ID, derefOr(t.ErrorMessage, "a dependency failed"))
	err = o.sender.SendNotification(ctx, *t.OwnerAgentID, text)
	if err != nil {
		o.logEvent("notify_blocked_error", fmt.Sprintf("task=%s err=%v", taskID, err))
	}
}

// CancelTask cancels a task and, if it had an owner, tells that owner's
// agent to stop working on it.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) (bool, error) {
	t, err := o.graph.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	owner := t.OwnerAgentID
	ok, err := o.graph.CancelTask(ctx, taskID, t.Version)
	if err != nil || !ok {
		return ok, err
	}
	if owner != nil {
		err := o.sender.SendTaskMessage(ctx, *owner, TaskMessage{TaskID: taskID, Type: MessageCancellation})
		if err != nil {
			o.logEvent("send_cancellation_error", fmt.Sprintf("task=%s agent=%s err=%v", taskID, *owner, err))
		}
	}
	return true, nil
}
