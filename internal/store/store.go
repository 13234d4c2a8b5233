// Package store implements the durable, transactional layer backing the
// task graph: three relations (tasks, task dependency edges, agent
// capability profiles) behind a single Store interface, with a SQLite and a
// Postgres backend selectable through NewStore.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a task or capability profile id has no row.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract the graph domain layer is built on.
// Every method that writes a task guarded by version reports success via
// its bool return, never an error: stale-version is a guard failure, not a
// validation failure.
type Store interface {
	Close() error

	// InsertTask inserts a new task row plus its dependency edges in one
	// statement group. The caller is responsible for cycle-checking and
	// blocked/pending status before calling this.
	InsertTask(ctx context.Context, t *Task) error

	GetTask(ctx context.Context, id string) (*Task, error)
	QueryTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// UpdateTaskGuarded writes the full set of mutable columns on t,
	// succeeding only if the stored version still equals expectedVersion.
	// On success the stored version becomes t.Version (already incremented
	// by the caller). Returns false, nil on a guard miss.
	UpdateTaskGuarded(ctx context.Context, t *Task, expectedVersion int) (bool, error)

	// AddDependencies appends edges, ignoring ones that already exist.
	AddDependencies(ctx context.Context, taskID string, dependsOn []string) error

	// GetDependents returns the ids of tasks that declare a dependency on
	// dependsOnID (the reverse of DependsOn).
	GetDependents(ctx context.Context, dependsOnID string) ([]string, error)

	// CountActiveTasks returns the number of tasks not in a terminal
	// {completed, cancelled} state, for the I6 cap check.
	CountActiveTasks(ctx context.Context) (int, error)

	UpsertCapabilityProfile(ctx context.Context, p *CapabilityProfile) error
	GetCapabilityProfile(ctx context.Context, agentID string) (*CapabilityProfile, error)
	GetAllCapabilityProfiles(ctx context.Context) ([]*CapabilityProfile, error)

	// ClearAll deletes every task (edges cascade) and capability profile,
	// returning the number of tasks removed.
	ClearAll(ctx context.Context) (int, error)

	// WithTx runs fn against a Store bound to a single transaction,
	// committing on a nil return and rolling back otherwise. Used for
	// compound graph mutations spanning multiple tasks/edges (createTask
	// with edges, addDependencies, completeTask/failTask fan-out,
	// cleanupForAgent). Goal decomposition does not run inside one WithTx.
	WithTx(ctx context.Context, fn func(Store) error) error
}
