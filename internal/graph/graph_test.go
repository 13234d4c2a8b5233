package graph

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"taskgraph/internal/store"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, DefaultConfig())
}

func TestCreateTask_Basic(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	task, err := g.CreateTask(ctx, CreateTaskOpts{Title: "root task", Priority: 1})
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, task.Status)
	require.Equal(t, 1, task.Version)
	require.Empty(t, task.DependsOn)
}

func TestCreateTask_BlocksOnIncompleteDependency(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	a, err := g.CreateTask(ctx, CreateTaskOpts{Title: "a"})
	require.NoError(t, err)

	b, err := g.CreateTask(ctx, CreateTaskOpts{Title: "b", DependsOn: []string{a.ID}})
	require.NoError(t, err)
	require.Equal(t, store.StatusBlocked, b.Status)
	require.Equal(t, []string{a.ID}, b.DependsOn)
}

func TestCreateTask_PendingWhenDependencyAlreadyCompleted(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	a, err := g.CreateTask(ctx, CreateTaskOpts{Title: "a"})
	require.NoError(t, err)
	ok, err := g.AssignTask(ctx, a.ID, "agent-1", a.Version)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = g.StartTask(ctx, a.ID, a.Version+1)
	require.NoError(t, err)
	require.True(t, ok)
	res, err := g.CompleteTask(ctx, a.ID, a.Version+2)
	require.NoError(t, err)
	require.True(t, res.Success)

	b, err := g.CreateTask(ctx, CreateTaskOpts{Title: "b", DependsOn: []string{a.ID}})
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, b.Status)
}

func TestCreateTask_UnknownDependencyFails(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	_, err := g.CreateTask(ctx, CreateTaskOpts{Title: "orphan", DependsOn: []string{"does-not-exist"}})
	require.ErrorIs(t, err, ErrNotFound)

	all, err := g.QueryTasks(ctx, store.TaskFilter{})
	require.NoError(t, err)
	require.Empty(t, all, "a rejected createTask must leave no partial row behind")
}

// P5 - createTask refuses once the active task count reaches MaxTasks.
func TestCreateTask_CapacityEnforced(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	g.cfg.MaxTasks = 2

	_, err := g.CreateTask(ctx, CreateTaskOpts{Title: "one"})
	require.NoError(t, err)
	_, err = g.CreateTask(ctx, CreateTaskOpts{Title: "two"})
	require.NoError(t, err)

	_, err = g.CreateTask(ctx, CreateTaskOpts{Title: "three"})
	require.ErrorIs(t, err, ErrCapacity)
}

func TestCreateTask_MaxRetriesCeilingEnforced(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	_, err := g.CreateTask(ctx, CreateTaskOpts{Title: "x", MaxRetries: 999})
	require.ErrorIs(t, err, ErrCapacity)
}

// P1 - successful addDependencies produces an acyclic edge set, and a
// rejected addition leaves no partial edge behind.
func TestAddDependencies_CycleRejected(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	a, err := g.CreateTask(ctx, CreateTaskOpts{Title: "a"})
	require.NoError(t, err)
	b, err := g.CreateTask(ctx, CreateTaskOpts{Title: "b", DependsOn: []string{a.ID}})
	require.NoError(t, err)
	c, err := g.CreateTask(ctx, CreateTaskOpts{Title: "c", DependsOn: []string{b.ID}})
	require.NoError(t, err)

	err = g.AddDependencies(ctx, a.ID, []string{c.ID})
	require.ErrorIs(t, err, ErrCycle)

	fresh, err := g.GetTask(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, a.Version, fresh.Version, "a rejected cycle must leave the version unchanged")
	require.Empty(t, fresh.DependsOn)
}

func TestAddDependencies_BlocksOnIncompleteDependency(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	a, err := g.CreateTask(ctx, CreateTaskOpts{Title: "a"})
	require.NoError(t, err)
	b, err := g.CreateTask(ctx, CreateTaskOpts{Title: "b"})
	require.NoError(t, err)

	err = g.AddDependencies(ctx, b.ID, []string{a.ID})
	require.NoError(t, err)

	fresh, err := g.GetTask(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusBlocked, fresh.Status)
	require.Equal(t, []string{a.ID}, fresh.DependsOn)
}

func TestGetNextTask_PrefersCapabilityMatch(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	_, err := g.CreateTask(ctx, CreateTaskOpts{Title: "generic", Priority: 1})
	require.NoError(t, err)
	specific, err := g.CreateTask(ctx, CreateTaskOpts{Title: "specific", Priority: 2, RequiredCapabilities: []string{"testing"}})
	require.NoError(t, err)

	next, err := g.GetNextTask(ctx, []string{"testing"})
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, specific.ID, next.ID)
}

func TestGetNextTask_FallsBackToTopOfOrder(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	first, err := g.CreateTask(ctx, CreateTaskOpts{Title: "first", Priority: 1})
	require.NoError(t, err)
	_, err = g.CreateTask(ctx, CreateTaskOpts{Title: "second", Priority: 2})
	require.NoError(t, err)

	next, err := g.GetNextTask(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, first.ID, next.ID)
}

func TestGetNextTask_EmptyWhenNothingAssignable(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	next, err := g.GetNextTask(ctx, nil)
	require.NoError(t, err)
	require.Nil(t, next)
}

// Scenario 6 - cleanup on agent loss.
func TestCleanupForAgent_ResetsOwnedTasks(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	a, err := g.CreateTask(ctx, CreateTaskOpts{Title: "a"})
	require.NoError(t, err)
	b, err := g.CreateTask(ctx, CreateTaskOpts{Title: "b"})
	require.NoError(t, err)

	ok, err := g.AssignTask(ctx, a.ID, "agent-1", a.Version)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.AssignTask(ctx, b.ID, "agent-1", b.Version)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = g.StartTask(ctx, b.ID, b.Version+1)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := g.CleanupForAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	freshA, err := g.GetTask(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, freshA.Status)
	require.Nil(t, freshA.OwnerAgentID)
	require.Equal(t, a.Version+2, freshA.Version)

	freshB, err := g.GetTask(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, freshB.Status)
	require.Nil(t, freshB.OwnerAgentID)
	require.Equal(t, b.Version+3, freshB.Version)
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	_, err := g.CreateTask(ctx, CreateTaskOpts{Title: "a"})
	require.NoError(t, err)

	n, err := g.ClearAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tasks, err := g.QueryTasks(ctx, store.TaskFilter{})
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestGetTask_NotFound(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	_, err := g.GetTask(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound))
}
