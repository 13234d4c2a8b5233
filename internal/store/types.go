package store

import "time"

// TaskStatus is one of the seven states in the task lifecycle.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusAssigned  TaskStatus = "assigned"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusBlocked   TaskStatus = "blocked"
	StatusCancelled TaskStatus = "cancelled"
)

// Task is the persisted row for a unit of work, with its dependency edges
// resolved into DependsOn by the store layer.
type Task struct {
	ID                   string
	Title                string
	Description          string
	Status               TaskStatus
	Priority             int
	OwnerAgentID         *string
	ParentTaskID         *string
	Input                string // serialized JSON blob
	ExpectedOutput       string // serialized JSON blob
	AcceptanceCriteria   string
	RequiredCapabilities []string
	DependsOn            []string
	Version              int
	RetryCount           int
	MaxRetries           int
	TimeoutMs            int64
	ErrorMessage         *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CompletedAt          *time.Time
}

// CapabilityProfile is the per-agent learned routing profile.
type CapabilityProfile struct {
	AgentID        string
	Capabilities   map[string]float64
	SuccessRate    map[string]float64
	TotalCompleted int
	TotalFailed    int
	UpdatedAt      time.Time
}

// TaskFilter narrows QueryTasks. A nil/empty field means "don't filter on
// this dimension".
type TaskFilter struct {
	Status             []TaskStatus
	OwnerAgentID       *string
	ParentTaskID       *string
	Unowned            bool
	Unblocked          bool
	RequiredCapability string
	Limit              int
}
