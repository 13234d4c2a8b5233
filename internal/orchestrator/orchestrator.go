package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"taskgraph/internal/graph"
	"taskgraph/internal/store"
)

// Orchestrator matches tasks to agents, absorbs results, and recovers
// from failures. It owns no state of its own beyond the bounded event
// log; every task fact lives in the graph it wraps.
type Orchestrator struct {
	graph  *graph.Graph
	agents AgentProvider
	sender MessageSender
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	logMu    sync.Mutex
	eventLog []LogEntry
}

// New wraps g with the matching and recovery policy described by cfg and
// subscribes to its event stream immediately: reactive recovery (retrying
// a failed task, assigning a freshly unblocked one) works whether or not
// the periodic ticker is running, since SubmitResult and DecomposeGoal are
// valid to call standalone. A nil logger falls back to slog's default.
func New(g *graph.Graph, agents AgentProvider, sender MessageSender, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		graph:  g,
		agents: agents,
		sender: sender,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
	g.Subscribe(o.handleTaskEvent)
	return o
}

// SubtaskSpec is one member of a decomposed goal.
type SubtaskSpec struct {
	Title                string
	Description          string
	Input                string
	ExpectedOutput       string
	AcceptanceCriteria   string
	RequiredCapabilities []string
	Priority             int
	MaxRetries           int
	TimeoutMs            int64
	// DependsOnIndices names other Subtasks in the same GoalSpec by
	// position; it is resolved to real task ids after pass 1 creates
	// every subtask.
	DependsOnIndices []int
}

// GoalSpec describes a goal to break into dependent subtasks.
type GoalSpec struct {
	Goal         string
	Subtasks     []SubtaskSpec
	ParentTaskID *string
}

// DecomposeGoal creates every subtask (pass 1, no dependencies yet), then
// wires each subtask's DependsOnIndices into real edges (pass 2), and
// re-reads every task so the returned list reflects any resulting
// blocked status. It logs a goal_decomposed entry and kicks off an
// assignment cycle in the background after it returns.
//
// Each pass commits independently rather than as a single database
// transaction: the embedded SQLite store serializes through one
// connection, and a literal nested transaction across N creates and M
// dependency wirings would deadlock against it. A failure partway
// through pass 2 can leave earlier subtasks committed without their
// later dependents wired; callers should treat a non-nil error as
// "inspect what was created" rather than "nothing happened".
func (o *Orchestrator) DecomposeGoal(ctx context.Context, spec GoalSpec) ([]*store.Task, error) {
	if len(spec.Subtasks) == 0 {
		return nil, fmt.Errorf("decomposeGoal: at least one subtask is required")
	}

	ids := make([]string, len(spec.Subtasks))
	for i, st := range spec.Subtasks {
		maxRetries := st.MaxRetries
		if maxRetries <= 0 {
			maxRetries = o.cfg.MaxRetries
		}
		t, err := o.graph.CreateTask(ctx, graph.CreateTaskOpts{
			Title:                st.Title,
			Description:          st.Description,
			Priority:             st.Priority,
			ParentTaskID:         spec.ParentTaskID,
			Input:                st.Input,
			ExpectedOutput:       st.ExpectedOutput,
			AcceptanceCriteria:   st.AcceptanceCriteria,
			RequiredCapabilities: st.RequiredCapabilities,
			MaxRetries:           maxRetries,
			TimeoutMs:            st.TimeoutMs,
		})
		if err != nil {
			return nil, fmt.Errorf("decomposeGoal: subtask %d: %w", i, err)
		}
		ids[i] = t.ID
	}

	for i, st := range spec.Subtasks {
		if len(st.DependsOnIndices) == 0 {
			continue
		}
		deps := make([]string, 0, len(st.DependsOnIndices))
		for _, idx := range st.DependsOnIndices {
			if idx < 0 || idx >= len(ids) {
				return nil, fmt.Errorf("decomposeGoal: subtask %d references out-of-range dependency index %d", i, idx)
			}
			deps = append(deps, ids[idx])
		}
		if err := o.graph.AddDependencies(ctx, ids[i], deps); err != nil {
			return nil, fmt.Errorf("decomposeGoal: subtask %d: %w", i, err)
		}
	}

	tasks := make([]*store.Task, len(ids))
	for i, id := range ids {
		t, err := o.graph.GetTask(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("decomposeGoal: re-read subtask %d: %w", i, err)
		}
		tasks[i] = t
	}

	o.logEvent("goal_decomposed", fmt.Sprintf("goal=%q subtasks=%d task_ids=%v", spec.Goal, len(ids), ids))

	go func() {
		if _, err := o.AssignmentCycle(context.Background()); err != nil {
			o.logEvent("assignment_cycle_error", err.Error())
		}
	}()

	return tasks, nil
}

// SubmitResult absorbs a worker's report of a task outcome. It is the
// entry point external callers use to feed results back into the graph.
func (o *Orchestrator) SubmitResult(ctx context.Context, result TaskResult) SubmitResultOutcome {
	t, err := o.graph.GetTask(ctx, result.TaskID)
	if err != nil {
		return SubmitResultOutcome{Accepted: false, Error: fmt.Sprintf("unknown task %s", result.TaskID)}
	}
	if t.Status != store.StatusAssigned && t.Status != store.StatusRunning {
		return SubmitResultOutcome{Accepted: false, Error: fmt.Sprintf("task %s is %s, not assigned or running", t.ID, t.Status)}
	}

	var owner *string
	if t.OwnerAgentID != nil {
		agentID := *t.OwnerAgentID
		owner = &agentID
	}

	switch result.Status {
	case ResultCompleted:
		res, err := o.graph.CompleteTask(ctx, t.ID, t.Version)
		if err != nil {
			o.logEvent("submit_result_error", err.Error())
			return SubmitResultOutcome{Accepted: false, Error: err.Error()}
		}
		if !res.Success {
			return SubmitResultOutcome{Accepted: false, Error: "version_conflict"}
		}
		if owner != nil {
			if _, err := o.graph.RecordTaskOutcome(ctx, *owner, t.RequiredCapabilities, true); err != nil {
				o.logEvent("record_outcome_error", err.Error())
			}
		}
		for _, id := range res.UnblockedTasks {
			o.tryAssignTask(ctx, id)
		}
		return SubmitResultOutcome{Accepted: true, UnblockedTasks: res.UnblockedTasks}

	case ResultFailed:
		reason := result.ErrorMessage
		if reason == "" {
			reason = "worker reported failure"
		}
		res, err := o.graph.FailTask(ctx, t.ID, t.Version, reason)
		if err != nil {
			o.logEvent("submit_result_error", err.Error())
			return SubmitResultOutcome{Accepted: false, Error: err.Error()}
		}
		if !res.Success {
			return SubmitResultOutcome{Accepted: false, Error: "version_conflict"}
		}
		if owner != nil {
			if _, err := o.graph.RecordTaskOutcome(ctx, *owner, t.RequiredCapabilities, false); err != nil {
				o.logEvent("record_outcome_error", err.Error())
			}
		}
		if !res.CanRetry {
			for _, id := range res.BlockedTasks {
				o.notifyBlocked(ctx, id)
			}
		}
		return SubmitResultOutcome{Accepted: true}

	default:
		return SubmitResultOutcome{Accepted: false, Error: fmt.Sprintf("unknown result status %q", result.Status)}
	}
}

// Start begins the periodic assignment ticker. Calling Start while already
// running is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	o.wg.Add(1)
	go o.tickLoop(ctx)
}

// Stop cancels the ticker and waits for its goroutine to exit. Calling
// Stop when not running is a no-op. The graph subscription set up by New
// remains active so reactive recovery keeps working.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	o.mu.Unlock()

	o.wg.Wait()
}

func (o *Orchestrator) isRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) tickLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			if _, err := o.AssignmentCycle(ctx); err != nil {
				o.logEvent("assignment_cycle_error", err.Error())
			}
		}
	}
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
