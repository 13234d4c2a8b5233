// Package orchestrator turns goals into graph tasks, matches them to
// agents by capability, absorbs worker results, and recovers from
// failures. It depends on the task graph for all state and on two
// narrow external contracts - an agent directory and a message
// transport - that it never implements itself.
package orchestrator

import "context"

// AgentStatus is the lifecycle state the agent provider reports for a
// worker. Only Idle and Restored are assignable.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentRestored AgentStatus = "restored"
)

// Agent is a snapshot of one worker as the agent provider sees it.
type Agent struct {
	ID           string
	Status       AgentStatus
	Capabilities []string
	Role         string
}

func (a Agent) assignable() bool {
	return a.Status == AgentIdle || a.Status == AgentRestored
}

// AgentProvider is the orchestrator's only source of worker state. It
// never blocks the graph; only the orchestrator's own methods call it.
type AgentProvider interface {
	GetAvailableAgents(ctx context.Context) ([]Agent, error)
	GetAgent(ctx context.Context, id string) (*Agent, error)
}

// MessageType names the kind of TaskMessage delivered to a worker.
type MessageType string

const (
	MessageAssignment            MessageType = "assignment"
	MessageReassignment          MessageType = "reassignment"
	MessageCancellation          MessageType = "cancellation"
	MessageBlockedNotification   MessageType = "blocked_notification"
	MessageUnblockedNotification MessageType = "unblocked_notification"
)

// TaskMessage is what the orchestrator hands a worker when it wants work
// started, restarted, or stopped.
type TaskMessage struct {
	TaskID          string
	Type            MessageType
	Input           string
	ExpectedOutput  string
	SuccessCriteria string
	TimeoutMs       int64
}

// MessageSender delivers messages to workers. Sends are modeled as
// fire-and-forget: the orchestrator never awaits worker-side delivery
// confirmation beyond the transport's own error return.
type MessageSender interface {
	SendTaskMessage(ctx context.Context, agentID string, msg TaskMessage) error
	SendNotification(ctx context.Context, agentID string, text string) error
}

// ResultStatus is a worker's self-reported task outcome.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// Confidence is a worker's self-reported confidence in its own result.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// TaskResult is what a worker reports back through SubmitResult.
type TaskResult struct {
	TaskID       string
	Status       ResultStatus
	Output       string
	Confidence   Confidence
	DurationMs   int64
	ErrorMessage string
}

// SubmitResultOutcome is what SubmitResult reports back to its caller.
type SubmitResultOutcome struct {
	Accepted       bool
	UnblockedTasks []string
	Error          string
}

// AssignmentDecision records the outcome for one task an assignment cycle
// considered. Assigned reports whether the task-to-agent pairing was
// committed; when it is false, Reason says why.
type AssignmentDecision struct {
	TaskID   string
	AgentID  string
	Score    float64
	Reason   string
	Assigned bool
}
