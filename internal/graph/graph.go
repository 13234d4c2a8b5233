// Package graph implements the task dependency graph: creation, capability
// routing, optimistic-locking state transitions, and the cycle-free
// dependency edges that drive blocking and unblocking.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskgraph/internal/store"
	"taskgraph/internal/telemetry"
)

// metricsProject labels every metric this package emits. The graph has no
// multi-tenant concept of its own; one constant label keeps the Prometheus
// series stable regardless of how many callers embed this package.
const metricsProject = "core"

// Config bounds graph growth. Zero-valued fields are replaced by the
// defaults in DefaultConfig.
type Config struct {
	MaxTasks          int
	MaxDependencies   int
	MaxRetriesCeiling int
	MaxTimeoutMs      int64
	DefaultMaxRetries int
}

// DefaultConfig returns the limits used when a Config field is left zero.
func DefaultConfig() Config {
	return Config{
		MaxTasks:          10000,
		MaxDependencies:   100,
		MaxRetriesCeiling: 10,
		MaxTimeoutMs:      3600000,
		DefaultMaxRetries: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTasks <= 0 {
		c.MaxTasks = d.MaxTasks
	}
	if c.MaxDependencies <= 0 {
		c.MaxDependencies = d.MaxDependencies
	}
	if c.MaxRetriesCeiling <= 0 {
		c.MaxRetriesCeiling = d.MaxRetriesCeiling
	}
	if c.MaxTimeoutMs <= 0 {
		c.MaxTimeoutMs = d.MaxTimeoutMs
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = d.DefaultMaxRetries
	}
	return c
}

// Graph is the task dependency graph. It wraps a store.Store with the
// state machine, cycle detection, capability scoring, and event bus that
// turn row-level persistence into the task graph's semantics.
type Graph struct {
	store store.Store
	cfg   Config

	mu             sync.Mutex
	listeners      []listenerEntry
	nextListenerID int
}

// Config returns the limits this Graph is governed by.
func (g *Graph) Config() Config {
	return g.cfg
}

// New wraps s in a Graph governed by cfg.
func New(s store.Store, cfg Config) *Graph {
	return &Graph{store: s, cfg: cfg.withDefaults()}
}

// CreateTaskOpts describes a new task. DependsOn and RequiredCapabilities
// may be nil.
type CreateTaskOpts struct {
	Title                string
	Description          string
	Priority             int
	ParentTaskID         *string
	Input                string
	ExpectedOutput       string
	AcceptanceCriteria   string
	RequiredCapabilities []string
	DependsOn            []string
	MaxRetries           int
	TimeoutMs            int64
}

// CreateTask inserts a new task and its dependency edges inside a single
// transaction. The initial status is pending unless DependsOn names a task
// that has not yet completed, in which case it is blocked. Adding the
// edges is cycle-checked before anything is written; a cycle or an unknown
// dependency rolls back the whole insert. On success it emits task_created
// and returns the freshly read row.
func (g *Graph) CreateTask(ctx context.Context, opts CreateTaskOpts) (*store.Task, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = g.cfg.DefaultMaxRetries
	}
	if opts.MaxRetries > g.cfg.MaxRetriesCeiling {
		return nil, fmt.Errorf("%w: maxRetries %d exceeds ceiling %d", ErrCapacity, opts.MaxRetries, g.cfg.MaxRetriesCeiling)
	}
	if opts.TimeoutMs > g.cfg.MaxTimeoutMs {
		return nil, fmt.Errorf("%w: timeoutMs %d exceeds ceiling %d", ErrCapacity, opts.TimeoutMs, g.cfg.MaxTimeoutMs)
	}
	if len(opts.DependsOn) > g.cfg.MaxDependencies {
		return nil, fmt.Errorf("%w: %d dependencies exceeds limit %d", ErrCapacity, len(opts.DependsOn), g.cfg.MaxDependencies)
	}

	id := uuid.New().String()

	err := g.store.WithTx(ctx, func(tx store.Store) error {
		n, err := tx.CountActiveTasks(ctx)
		if err != nil {
			return err
		}
		if n >= g.cfg.MaxTasks {
			return fmt.Errorf("%w: %d active tasks at limit %d", ErrCapacity, n, g.cfg.MaxTasks)
		}

		allCompleted := true
		for _, depID := range opts.DependsOn {
			dep, err := tx.GetTask(ctx, depID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%w: dependency %s", ErrNotFound, depID)
				}
				return err
			}
			if dep.Status != store.StatusCompleted {
				allCompleted = false
			}
		}

		if len(opts.DependsOn) > 0 {
			cyclic, err := detectCycle(ctx, tx, id, opts.DependsOn)
			if err != nil {
				return err
			}
			if cyclic {
				telemetry.TrackCycleRejection(metricsProject)
				return ErrCycle
			}
		}

		status := store.StatusPending
		if len(opts.DependsOn) > 0 && !allCompleted {
			status = store.StatusBlocked
		}

		now := time.Now().UTC()
		t := &store.Task{
			ID:                   id,
			Title:                opts.Title,
			Description:          opts.Description,
			Status:               status,
			Priority:             opts.Priority,
			ParentTaskID:         opts.ParentTaskID,
			Input:                opts.Input,
			ExpectedOutput:       opts.ExpectedOutput,
			AcceptanceCriteria:   opts.AcceptanceCriteria,
			RequiredCapabilities: opts.RequiredCapabilities,
			DependsOn:            opts.DependsOn,
			Version:              1,
			MaxRetries:           opts.MaxRetries,
			TimeoutMs:            opts.TimeoutMs,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		return tx.InsertTask(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	fresh, err := g.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	telemetry.TrackTaskCreated(metricsProject)
	g.reportActiveTasks(ctx)
	g.emit(Event{Type: EventTaskCreated, Task: fresh})
	return fresh, nil
}

// reportActiveTasks refreshes the active-task gauge. Errors are swallowed:
// a stale metric is preferable to failing the caller's mutation over a
// read used only for observability.
func (g *Graph) reportActiveTasks(ctx context.Context) {
	n, err := g.store.CountActiveTasks(ctx)
	if err != nil {
		return
	}
	telemetry.SetTasksActive(metricsProject, n)
}

// GetTask reads a task by id. It returns an error matching ErrNotFound
// (the same sentinel as store.ErrNotFound) when no such task exists.
func (g *Graph) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return g.store.GetTask(ctx, id)
}

// QueryTasks lists tasks matching filter, ordered by priority then age.
func (g *Graph) QueryTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	return g.store.QueryTasks(ctx, filter)
}

// GetNextTask picks the best candidate for an agent advertising agentCaps.
// It queries unowned, unblocked, pending tasks and prefers the first one
// whose RequiredCapabilities intersect agentCaps; if none match it falls
// back to the head of the priority-ordered candidate list. It returns nil,
// nil when no pending task is assignable.
func (g *Graph) GetNextTask(ctx context.Context, agentCaps []string) (*store.Task, error) {
	candidates, err := g.store.QueryTasks(ctx, store.TaskFilter{
		Status:    []store.TaskStatus{store.StatusPending},
		Unowned:   true,
		Unblocked: true,
		Limit:     100,
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(agentCaps) > 0 {
		for _, t := range candidates {
			if len(t.RequiredCapabilities) == 0 {
				continue
			}
			if capsIntersect(t.RequiredCapabilities, agentCaps) {
				return t, nil
			}
		}
	}
	return candidates[0], nil
}

func capsIntersect(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, c := range b {
		set[c] = struct{}{}
	}
	for _, c := range a {
		if _, ok := set[c]; ok {
			return true
		}
	}
	return false
}

// AddDependencies appends new dependency edges to an existing task. New
// edges are deduplicated against the task's existing edges, validated to
// exist, and cycle-checked before being written; a cycle rolls back the
// whole call and leaves the task untouched. If the task is not already
// terminal and the combined edge set has an incomplete dependency, the
// task transitions to blocked and a task_blocked event is emitted.
func (g *Graph) AddDependencies(ctx context.Context, taskID string, depIDs []string) error {
	if len(depIDs) == 0 {
		return nil
	}

	var blockedTransition *store.Task

	err := g.store.WithTx(ctx, func(tx store.Store) error {
		t, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}

		existing := make(map[string]struct{}, len(t.DependsOn))
		for _, d := range t.DependsOn {
			existing[d] = struct{}{}
		}
		newDeps := make([]string, 0, len(depIDs))
		for _, d := range depIDs {
			if _, ok := existing[d]; ok {
				continue
			}
			if _, err := tx.GetTask(ctx, d); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%w: dependency %s", ErrNotFound, d)
				}
				return err
			}
			newDeps = append(newDeps, d)
		}
		if len(newDeps) == 0 {
			return nil
		}
		if len(t.DependsOn)+len(newDeps) > g.cfg.MaxDependencies {
			return fmt.Errorf("%w: %d dependencies exceeds limit %d", ErrCapacity, len(t.DependsOn)+len(newDeps), g.cfg.MaxDependencies)
		}

		cyclic, err := detectCycle(ctx, tx, taskID, newDeps)
		if err != nil {
			return err
		}
		if cyclic {
			telemetry.TrackCycleRejection(metricsProject)
			return ErrCycle
		}

		if err := tx.AddDependencies(ctx, taskID, newDeps); err != nil {
			return err
		}

		if t.Status == store.StatusCompleted || t.Status == store.StatusCancelled || t.Status == store.StatusBlocked {
			return nil
		}

		allDeps := append(append([]string{}, t.DependsOn...), newDeps...)
		allCompleted := true
		for _, d := range allDeps {
			dep, err := tx.GetTask(ctx, d)
			if err != nil {
				return err
			}
			if dep.Status != store.StatusCompleted {
				allCompleted = false
				break
			}
		}
		if allCompleted {
			return nil
		}

		oldVersion := t.Version
		t.Status = store.StatusBlocked
		t.Version++
		t.UpdatedAt = time.Now().UTC()
		ok, err := tx.UpdateTaskGuarded(ctx, t, oldVersion)
		if err != nil {
			return err
		}
		if ok {
			blockedTransition = t
		}
		return nil
	})
	if err != nil {
		return err
	}
	if blockedTransition != nil {
		g.emit(Event{Type: EventTaskBlocked, Task: blockedTransition})
	}
	return nil
}

// CleanupForAgent resets every task owned by agentID in assigned or
// running state back to pending with no owner, bumping its version. It
// reports how many tasks were reset.
func (g *Graph) CleanupForAgent(ctx context.Context, agentID string) (int, error) {
	reset := 0
	err := g.store.WithTx(ctx, func(tx store.Store) error {
		owned := agentID
		tasks, err := tx.QueryTasks(ctx, store.TaskFilter{
			Status:       []store.TaskStatus{store.StatusAssigned, store.StatusRunning},
			OwnerAgentID: &owned,
			Limit:        g.cfg.MaxTasks,
		})
		if err != nil {
			return err
		}
		for _, t := range tasks {
			oldVersion := t.Version
			t.Status = store.StatusPending
			t.OwnerAgentID = nil
			t.Version++
			t.UpdatedAt = time.Now().UTC()
			ok, err := tx.UpdateTaskGuarded(ctx, t, oldVersion)
			if err != nil {
				return err
			}
			if ok {
				reset++
			}
		}
		return nil
	})
	return reset, err
}

// ClearAll wipes every task and capability profile. It exists for test
// fixtures and administrative resets, never for production use on a live
// graph.
func (g *Graph) ClearAll(ctx context.Context) (int, error) {
	return g.store.ClearAll(ctx)
}
