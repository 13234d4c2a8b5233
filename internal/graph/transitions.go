package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskgraph/internal/store"
	"taskgraph/internal/telemetry"
)

// guardedUpdate reads taskID, and if its version matches expectedVersion,
// its status is one of allowedFrom, and extraGuard (when non-nil) reports
// true, applies mutate and writes the row back through store.UpdateTaskGuarded.
// It returns the task as read (pre-mutation) and false when any guard
// fails, and the mutated task with true on a committed transition. A
// missing task is reported as (nil, false, nil), never as an error.
func guardedUpdate(ctx context.Context, s store.Store, taskID string, expectedVersion int, allowedFrom []store.TaskStatus, extraGuard func(*store.Task) bool, mutate func(*store.Task)) (*store.Task, bool, error) {
	t, err := s.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if t.Version != expectedVersion {
		telemetry.TrackVersionConflict(metricsProject)
		return t, false, nil
	}
	allowed := false
	for _, st := range allowedFrom {
		if t.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return t, false, nil
	}
	if extraGuard != nil && !extraGuard(t) {
		return t, false, nil
	}

	mutate(t)
	t.Version = expectedVersion + 1
	t.UpdatedAt = time.Now().UTC()

	ok, err := s.UpdateTaskGuarded(ctx, t, expectedVersion)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		telemetry.TrackVersionConflict(metricsProject)
		return t, false, nil
	}
	return t, true, nil
}

// detectCycle reports whether adding an edge from taskID to each of
// newDeps would close a cycle. It walks outward from each proposed
// dependency along existing depends-on edges; if taskID is reachable that
// way, the new edge would complete a path back to itself.
func detectCycle(ctx context.Context, s store.Store, taskID string, newDeps []string) (bool, error) {
	visited := make(map[string]bool)
	queue := append([]string{}, newDeps...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == taskID {
			return true, nil
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		t, err := s.GetTask(ctx, cur)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		queue = append(queue, t.DependsOn...)
	}
	return false, nil
}

// AssignTask moves a pending task to assigned under agentID. It refuses
// (returning false, nil) when the version is stale or the task is not
// pending.
func (g *Graph) AssignTask(ctx context.Context, taskID, agentID string, expectedVersion int) (bool, error) {
	t, ok, err := guardedUpdate(ctx, g.store, taskID, expectedVersion, []store.TaskStatus{store.StatusPending}, nil, func(t *store.Task) {
		t.Status = store.StatusAssigned
		t.OwnerAgentID = &agentID
	})
	if err != nil {
		return false, err
	}
	if ok {
		g.emit(Event{Type: EventTaskAssigned, Task: t})
	}
	return ok, nil
}

// StartTask moves an assigned task to running.
func (g *Graph) StartTask(ctx context.Context, taskID string, expectedVersion int) (bool, error) {
	t, ok, err := guardedUpdate(ctx, g.store, taskID, expectedVersion, []store.TaskStatus{store.StatusAssigned}, nil, func(t *store.Task) {
		t.Status = store.StatusRunning
	})
	if err != nil {
		return false, err
	}
	if ok {
		g.emit(Event{Type: EventTaskStarted, Task: t})
	}
	return ok, nil
}

// CancelTask moves any non-terminal task to cancelled.
func (g *Graph) CancelTask(ctx context.Context, taskID string, expectedVersion int) (bool, error) {
	allowed := []store.TaskStatus{
		store.StatusPending, store.StatusBlocked, store.StatusAssigned,
		store.StatusRunning, store.StatusFailed,
	}
	t, ok, err := guardedUpdate(ctx, g.store, taskID, expectedVersion, allowed, nil, func(t *store.Task) {
		t.Status = store.StatusCancelled
	})
	if err != nil {
		return false, err
	}
	if ok {
		telemetry.TrackTaskCancelled(metricsProject)
		g.reportActiveTasks(ctx)
		g.emit(Event{Type: EventTaskCancelled, Task: t})
	}
	return ok, nil
}

// CompleteResult is the outcome of CompleteTask.
type CompleteResult struct {
	Success        bool
	UnblockedTasks []string
}

// CompleteTask moves an assigned or running task to completed, stamps
// completedAt, clears any prior error message, and unblocks any dependent
// task whose dependencies are now all satisfied. The update and fan-out
// commit in one transaction; on success it emits task_completed followed
// by task_unblocked for each newly freed dependent, in that order.
func (g *Graph) CompleteTask(ctx context.Context, taskID string, expectedVersion int) (CompleteResult, error) {
	var result CompleteResult
	var completed *store.Task
	var unblocked []*store.Task

	err := g.store.WithTx(ctx, func(tx store.Store) error {
		t, ok, err := guardedUpdate(ctx, tx, taskID, expectedVersion, []store.TaskStatus{store.StatusAssigned, store.StatusRunning}, nil, func(t *store.Task) {
			now := time.Now().UTC()
			t.Status = store.StatusCompleted
			t.CompletedAt = &now
			t.ErrorMessage = nil
		})
		if err != nil {
			return err
		}
		completed = t
		if !ok {
			return nil
		}
		result.Success = true
		ub, err := unblockDependents(ctx, tx, taskID)
		if err != nil {
			return err
		}
		unblocked = ub
		return nil
	})
	if err != nil {
		return CompleteResult{}, err
	}
	if !result.Success {
		return result, nil
	}

	telemetry.TrackTaskCompleted(metricsProject)
	g.reportActiveTasks(ctx)
	g.emit(Event{Type: EventTaskCompleted, Task: completed})
	for _, t := range unblocked {
		result.UnblockedTasks = append(result.UnblockedTasks, t.ID)
		g.emit(Event{Type: EventTaskUnblocked, Task: t})
	}
	return result, nil
}

// FailResult is the outcome of FailTask.
type FailResult struct {
	Success      bool
	CanRetry     bool
	BlockedTasks []string
}

// FailTask moves an assigned or running task to failed, unconditionally
// incrementing retryCount, and blocks every non-terminal dependent. It
// reports CanRetry based on retryCount against maxRetries after the
// increment. The update and fan-out commit in one transaction; on success
// it emits task_failed followed by task_blocked for each newly blocked
// dependent, in that order.
func (g *Graph) FailTask(ctx context.Context, taskID string, expectedVersion int, reason string) (FailResult, error) {
	var result FailResult
	var failed *store.Task
	var blocked []*store.Task

	err := g.store.WithTx(ctx, func(tx store.Store) error {
		t, ok, err := guardedUpdate(ctx, tx, taskID, expectedVersion, []store.TaskStatus{store.StatusAssigned, store.StatusRunning}, nil, func(t *store.Task) {
			t.Status = store.StatusFailed
			t.RetryCount++
			msg := reason
			t.ErrorMessage = &msg
		})
		if err != nil {
			return err
		}
		failed = t
		if !ok {
			return nil
		}
		result.Success = true
		result.CanRetry = t.RetryCount < t.MaxRetries
		bl, err := blockDependents(ctx, tx, taskID, reason)
		if err != nil {
			return err
		}
		blocked = bl
		return nil
	})
	if err != nil {
		return FailResult{}, err
	}
	if !result.Success {
		return result, nil
	}

	if !result.CanRetry {
		telemetry.TrackTaskFailed(metricsProject)
	}
	g.emit(Event{Type: EventTaskFailed, Task: failed, Reason: reason})
	for _, t := range blocked {
		result.BlockedTasks = append(result.BlockedTasks, t.ID)
		g.emit(Event{Type: EventTaskBlocked, Task: t})
	}
	return result, nil
}

// RetryResult is the outcome of RetryTask.
type RetryResult struct {
	Success bool
}

// RetryTask moves a failed task back to pending (agentID nil) or directly
// to assigned under agentID, without a second increment of retryCount. It
// refuses when retryCount has already reached maxRetries.
func (g *Graph) RetryTask(ctx context.Context, taskID string, agentID *string, expectedVersion int) (RetryResult, error) {
	t, ok, err := guardedUpdate(ctx, g.store, taskID, expectedVersion,
		[]store.TaskStatus{store.StatusFailed},
		func(t *store.Task) bool { return t.RetryCount < t.MaxRetries },
		func(t *store.Task) {
			t.ErrorMessage = nil
			if agentID != nil {
				t.Status = store.StatusAssigned
				t.OwnerAgentID = agentID
			} else {
				t.Status = store.StatusPending
				t.OwnerAgentID = nil
			}
		})
	if err != nil {
		return RetryResult{}, err
	}
	if ok {
		telemetry.TrackTaskRetried(metricsProject)
		g.emit(Event{Type: EventTaskRetried, Task: t})
	}
	return RetryResult{Success: ok}, nil
}

// ReclaimStaleAssignment reverts an assigned task back to pending with no
// owner. It is not part of the core state machine table; the orchestrator
// uses it for its optional stale-assignment sweep (see design notes on
// message-send-after-guard-success staleness) and otherwise never calls
// it. It does not emit one of the nine lifecycle events.
func (g *Graph) ReclaimStaleAssignment(ctx context.Context, taskID string, expectedVersion int) (bool, error) {
	_, ok, err := guardedUpdate(ctx, g.store, taskID, expectedVersion, []store.TaskStatus{store.StatusAssigned}, nil, func(t *store.Task) {
		t.Status = store.StatusPending
		t.OwnerAgentID = nil
	})
	return ok, err
}

// unblockDependents moves every blocked dependent of taskID to pending
// once all of its own dependencies read completed.
func unblockDependents(ctx context.Context, s store.Store, taskID string) ([]*store.Task, error) {
	dependentIDs, err := s.GetDependents(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var unblocked []*store.Task
	for _, id := range dependentIDs {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status != store.StatusBlocked {
			continue
		}
		allDone := true
		for _, depID := range t.DependsOn {
			dep, err := s.GetTask(ctx, depID)
			if err != nil {
				return nil, err
			}
			if dep.Status != store.StatusCompleted {
				allDone = false
				break
			}
		}
		if !allDone {
			continue
		}
		oldVersion := t.Version
		t.Status = store.StatusPending
		t.Version++
		t.UpdatedAt = time.Now().UTC()
		ok, err := s.UpdateTaskGuarded(ctx, t, oldVersion)
		if err != nil {
			return nil, err
		}
		if ok {
			unblocked = append(unblocked, t)
		}
	}
	return unblocked, nil
}

// blockDependents moves every non-terminal dependent of taskID to
// blocked, recording reason against the dependency that failed.
func blockDependents(ctx context.Context, s store.Store, taskID string, reason string) ([]*store.Task, error) {
	dependentIDs, err := s.GetDependents(ctx, taskID)
	if err != nil {
		return nil, err
	}
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	var blocked []*store.Task
	for _, id := range dependentIDs {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status == store.StatusCompleted || t.Status == store.StatusCancelled {
			continue
		}
		msg := fmt.Sprintf("Blocked: dependency %s failed — %s", short, reason)
		oldVersion := t.Version
		t.Status = store.StatusBlocked
		t.ErrorMessage = &msg
		t.Version++
		t.UpdatedAt = time.Now().UTC()
		ok, err := s.UpdateTaskGuarded(ctx, t, oldVersion)
		if err != nil {
			return nil, err
		}
		if ok {
			blocked = append(blocked, t)
		}
	}
	return blocked, nil
}
