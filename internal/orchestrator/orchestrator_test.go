package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskgraph/internal/graph"
	"taskgraph/internal/store"
)

type fakeAgents struct {
	mu     sync.Mutex
	agents map[string]Agent
}

func newFakeAgents(agents ...Agent) *fakeAgents {
	m := make(map[string]Agent, len(agents))
	for _, a := range agents {
		m[a.ID] = a
	}
	return &fakeAgents{agents: m}
}

func (f *fakeAgents) GetAvailableAgents(ctx context.Context) ([]Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Agent, 0, len(f.agents))
	for _, a := range f.agents {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAgents) GetAgent(ctx context.Context, id string) (*Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

type sentMessage struct {
	AgentID string
	Msg     TaskMessage
}

type fakeSender struct {
	mu       sync.Mutex
	messages []sentMessage
	notes    []string
}

func (f *fakeSender) SendTaskMessage(ctx context.Context, agentID string, msg TaskMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{AgentID: agentID, Msg: msg})
	return nil
}

func (f *fakeSender) SendNotification(ctx context.Context, agentID string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, text)
	return nil
}

func (f *fakeSender) messagesFor(agentID string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.messages {
		if m.AgentID == agentID {
			out = append(out, m)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T, agents *fakeAgents, sender *fakeSender, cfg Config) (*Orchestrator, *graph.Graph) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "orch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	g := graph.New(s, graph.DefaultConfig())
	o := New(g, agents, sender, cfg, nil)
	return o, g
}

func TestAssignmentCycle_PrefersCapableAgent(t *testing.T) {
	ctx := context.Background()
	agents := newFakeAgents(
		Agent{ID: "agent-good", Status: AgentIdle, Capabilities: []string{"testing"}},
		Agent{ID: "agent-bad", Status: AgentIdle, Capabilities: []string{"testing"}},
	)
	sender := &fakeSender{}
	o, g := newTestOrchestrator(t, agents, sender, DefaultConfig())

	_, err := g.UpsertCapabilityProfile(ctx, "agent-good", map[string]float64{"testing": 0.9})
	require.NoError(t, err)
	_, err = g.RecordTaskOutcome(ctx, "agent-good", []string{"testing"}, true)
	require.NoError(t, err)
	_, err = g.UpsertCapabilityProfile(ctx, "agent-bad", map[string]float64{"testing": 0.1})
	require.NoError(t, err)
	_, err = g.RecordTaskOutcome(ctx, "agent-bad", []string{"testing"}, false)
	require.NoError(t, err)

	task, err := g.CreateTask(ctx, graph.CreateTaskOpts{Title: "run tests", RequiredCapabilities: []string{"testing"}})
	require.NoError(t, err)

	decisions, err := o.AssignmentCycle(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.True(t, decisions[0].Assigned)
	require.Equal(t, "agent-good", decisions[0].AgentID)

	got, err := g.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusAssigned, got.Status)
	require.Equal(t, "agent-good", *got.OwnerAgentID)

	msgs := sender.messagesFor("agent-good")
	require.Len(t, msgs, 1)
	require.Equal(t, MessageAssignment, msgs[0].Msg.Type)
}

func TestAssignmentCycle_FallsBackWithoutProfile(t *testing.T) {
	ctx := context.Background()
	agents := newFakeAgents(Agent{ID: "agent-1", Status: AgentIdle})
	sender := &fakeSender{}
	o, g := newTestOrchestrator(t, agents, sender, DefaultConfig())

	_, err := g.CreateTask(ctx, graph.CreateTaskOpts{Title: "anything", RequiredCapabilities: []string{"testing"}})
	require.NoError(t, err)

	decisions, err := o.AssignmentCycle(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.True(t, decisions[0].Assigned)
	require.Equal(t, "agent-1", decisions[0].AgentID)
}

func TestAssignmentCycle_NoAgentsLeavesTaskPending(t *testing.T) {
	ctx := context.Background()
	agents := newFakeAgents()
	sender := &fakeSender{}
	o, g := newTestOrchestrator(t, agents, sender, DefaultConfig())

	task, err := g.CreateTask(ctx, graph.CreateTaskOpts{Title: "orphan"})
	require.NoError(t, err)

	decisions, err := o.AssignmentCycle(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.False(t, decisions[0].Assigned)

	got, err := g.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, got.Status)
}

// End-to-end retry: a task fails, the orchestrator reassigns it to a
// different idle agent without re-incrementing retryCount a second time.
func TestSubmitResult_FailureTriggersRecoveryToAlternateAgent(t *testing.T) {
	ctx := context.Background()
	agents := newFakeAgents(
		Agent{ID: "agent-a", Status: AgentIdle},
		Agent{ID: "agent-b", Status: AgentIdle},
	)
	sender := &fakeSender{}
	o, g := newTestOrchestrator(t, agents, sender, DefaultConfig())

	task, err := g.CreateTask(ctx, graph.CreateTaskOpts{Title: "flaky", MaxRetries: 3})
	require.NoError(t, err)

	decisions, err := o.AssignmentCycle(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	firstOwner := decisions[0].AgentID

	got, err := g.GetTask(ctx, task.ID)
	require.NoError(t, err)

	outcome := o.SubmitResult(ctx, TaskResult{TaskID: task.ID, Status: ResultFailed, ErrorMessage: "boom"})
	require.True(t, outcome.Accepted)

	got, err = g.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, store.StatusAssigned, got.Status)
	require.NotNil(t, got.OwnerAgentID)
	require.NotEqual(t, firstOwner, *got.OwnerAgentID)

	otherAgent := firstOwner
	if otherAgent == "agent-a" {
		otherAgent = "agent-b"
	} else {
		otherAgent = "agent-a"
	}
	require.Equal(t, otherAgent, *got.OwnerAgentID)

	msgs := sender.messagesFor(*got.OwnerAgentID)
	require.NotEmpty(t, msgs)
	require.Equal(t, MessageReassignment, msgs[len(msgs)-1].Msg.Type)
}

// When retries are exhausted, dependents get blocked and each blocked
// dependent's owner (if any) is notified instead of the task being retried
// further. The child here was never assigned, so nobody is notified.
func TestSubmitResult_ExhaustedRetriesBlocksDependentsAndNotifies(t *testing.T) {
	ctx := context.Background()
	agents := newFakeAgents(Agent{ID: "agent-a", Status: AgentIdle})
	sender := &fakeSender{}
	o, g := newTestOrchestrator(t, agents, sender, DefaultConfig())

	parent, err := g.CreateTask(ctx, graph.CreateTaskOpts{Title: "parent", MaxRetries: 1})
	require.NoError(t, err)
	child, err := g.CreateTask(ctx, graph.CreateTaskOpts{Title: "child", DependsOn: []string{parent.ID}})
	require.NoError(t, err)
	require.Equal(t, store.StatusBlocked, child.Status)

	_, err = o.AssignmentCycle(ctx)
	require.NoError(t, err)

	got, _ := g.GetTask(ctx, parent.ID)
	require.Equal(t, store.StatusAssigned, got.Status)

	outcome := o.SubmitResult(ctx, TaskResult{TaskID: parent.ID, Status: ResultFailed, ErrorMessage: "fatal"})
	require.True(t, outcome.Accepted)

	got, _ = g.GetTask(ctx, parent.ID)
	require.Equal(t, store.StatusFailed, got.Status)
	require.Equal(t, 1, got.RetryCount)

	childAfter, err := g.GetTask(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusBlocked, childAfter.Status)

	notes := sender.notes
	require.Nil(t, childAfter.OwnerAgentID)
	require.Empty(t, notes, "a blocked dependent with no owner has nobody to notify")
}

func TestDecomposeGoal_CreatesSubtasksWithDependencies(t *testing.T) {
	ctx := context.Background()
	agents := newFakeAgents()
	sender := &fakeSender{}
	o, g := newTestOrchestrator(t, agents, sender, DefaultConfig())

	tasks, err := o.DecomposeGoal(ctx, GoalSpec{
		Goal: "ship the feature",
		Subtasks: []SubtaskSpec{
			{Title: "design"},
			{Title: "implement", DependsOnIndices: []int{0}},
			{Title: "test", DependsOnIndices: []int{1}},
		},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.Equal(t, store.StatusPending, tasks[0].Status)
	require.Equal(t, store.StatusBlocked, tasks[1].Status)
	require.Equal(t, store.StatusBlocked, tasks[2].Status)
	require.Equal(t, []string{tasks[0].ID}, tasks[1].DependsOn)
	require.Equal(t, []string{tasks[1].ID}, tasks[2].DependsOn)

	all, err := g.QueryTasks(ctx, store.TaskFilter{Limit: 100})
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestDecomposeGoal_RejectsOutOfRangeIndex(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, newFakeAgents(), &fakeSender{}, DefaultConfig())

	_, err := o.DecomposeGoal(ctx, GoalSpec{
		Goal:     "broken",
		Subtasks: []SubtaskSpec{{Title: "only", DependsOnIndices: []int{5}}},
	})
	require.Error(t, err)
}

func TestEventLog_BoundedAndTruncated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventLogSize = 3
	o, _ := newTestOrchestrator(t, newFakeAgents(), &fakeSender{}, cfg)

	for i := 0; i < 10; i++ {
		o.logEvent("test_kind", "detail")
	}
	log := o.GetEventLog(0)
	require.Len(t, log, 3)

	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	o.logEvent("long_kind", string(long))
	latest := o.GetEventLog(1)
	require.Len(t, latest, 1)
	require.Contains(t, latest[0].Detail, "... [truncated]")
	require.LessOrEqual(t, len(latest[0].Detail), maxLogDetailLen+len("... [truncated]"))
}

func TestAssignmentCycle_RevertsStaleAssignments(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxAssignmentAge = 10 * time.Millisecond
	agents := newFakeAgents(Agent{ID: "agent-a", Status: AgentIdle})
	sender := &fakeSender{}
	o, g := newTestOrchestrator(t, agents, sender, cfg)

	task, err := g.CreateTask(ctx, graph.CreateTaskOpts{Title: "slow"})
	require.NoError(t, err)
	ok, err := g.AssignTask(ctx, task.ID, "agent-a", task.Version)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	_, err = o.AssignmentCycle(ctx)
	require.NoError(t, err)

	got, err := g.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusAssigned, got.Status)
	require.Equal(t, "agent-a", *got.OwnerAgentID)

	found := false
	for _, entry := range o.GetEventLog(0) {
		if entry.Kind == "assignment_reclaimed" {
			found = true
		}
	}
	require.True(t, found, "expected a stale assignment to be reclaimed before reassignment")
}

func TestGetStatus_ReportsCountsAndAgentSummaries(t *testing.T) {
	ctx := context.Background()
	agents := newFakeAgents(Agent{ID: "agent-a", Status: AgentIdle})
	sender := &fakeSender{}
	o, g := newTestOrchestrator(t, agents, sender, DefaultConfig())

	_, err := g.CreateTask(ctx, graph.CreateTaskOpts{Title: "t1"})
	require.NoError(t, err)
	// Confidence ranks "testing" above "coding", but a run of outcomes
	// drives "coding"'s success rate high and "testing"'s low. Ranking
	// must follow success rate, not confidence.
	_, err = g.UpsertCapabilityProfile(ctx, "agent-a", map[string]float64{"testing": 0.9, "coding": 0.1})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = g.RecordTaskOutcome(ctx, "agent-a", []string{"coding"}, true)
		require.NoError(t, err)
		_, err = g.RecordTaskOutcome(ctx, "agent-a", []string{"testing"}, false)
		require.NoError(t, err)
	}

	status, err := o.GetStatus(ctx)
	require.NoError(t, err)
	require.False(t, status.Running)
	require.Equal(t, 1, status.TasksByStatus[store.StatusPending])
	require.Equal(t, 1, status.ActiveTasks)
	require.Equal(t, graph.DefaultConfig().MaxTasks, status.MaxTasks)
	require.Len(t, status.AgentSummaries, 1)
	require.Equal(t, "agent-a", status.AgentSummaries[0].AgentID)

	top := status.AgentSummaries[0].TopCapabilities
	codingRate, ok := top["coding"]
	require.True(t, ok)
	testingRate, ok := top["testing"]
	require.True(t, ok)
	require.Greater(t, codingRate, testingRate)
}

func TestStartStop_ReportsRunning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	o, _ := newTestOrchestrator(t, newFakeAgents(), &fakeSender{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o.Start(ctx)
	require.True(t, o.isRunning())
	time.Sleep(20 * time.Millisecond)
	o.Stop()
	require.False(t, o.isRunning())
}

func TestSubmitResult_UnknownTaskRejected(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, newFakeAgents(), &fakeSender{}, DefaultConfig())

	outcome := o.SubmitResult(ctx, TaskResult{TaskID: "does-not-exist", Status: ResultCompleted})
	require.False(t, outcome.Accepted)
	require.NotEmpty(t, outcome.Error)
}
