package graph

import (
	"errors"

	"taskgraph/internal/store"
)

// ErrNotFound is returned when a referenced task does not exist.
var ErrNotFound = store.ErrNotFound

// ErrCycle is returned when a dependency edge would close a cycle.
var ErrCycle = errors.New("graph: dependency cycle")

// ErrCapacity is returned when a mutation would exceed a configured limit
// (active task count, dependency count, retry ceiling, timeout ceiling).
var ErrCapacity = errors.New("graph: capacity exceeded")
