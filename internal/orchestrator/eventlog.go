package orchestrator

import (
	"context"
	"sort"
	"time"

	"taskgraph/internal/store"
	"taskgraph/internal/telemetry"
)

const maxLogDetailLen = 500

// LogEntry is one entry in the orchestrator's bounded in-memory event log.
// It is diagnostic, not authoritative: task state always lives in the
// graph; this log exists so an operator or status endpoint can see what
// the orchestrator has been doing without replaying graph events.
type LogEntry struct {
	Time   time.Time
	Kind   string
	Detail string
}

// logEvent appends an entry, truncating detail to maxLogDetailLen and
// evicting the oldest entry once EventLogSize is reached.
func (o *Orchestrator) logEvent(kind, detail string) {
	if len(detail) > maxLogDetailLen {
		detail = detail[:maxLogDetailLen] + "... [truncated]"
	}
	entry := LogEntry{Time: time.Now().UTC(), Kind: kind, Detail: detail}

	o.logMu.Lock()
	o.eventLog = append(o.eventLog, entry)
	if len(o.eventLog) > o.cfg.EventLogSize {
		o.eventLog = o.eventLog[len(o.eventLog)-o.cfg.EventLogSize:]
	}
	size := len(o.eventLog)
	o.logMu.Unlock()

	telemetry.SetEventLogSize(metricsProject, size)
	o.logger.Info(kind, "detail", entry.Detail)
}

// GetEventLog returns up to limit of the most recent log entries, newest
// first. limit <= 0 returns the whole bounded log.
func (o *Orchestrator) GetEventLog(limit int) []LogEntry {
	o.logMu.Lock()
	defer o.logMu.Unlock()

	n := len(o.eventLog)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]LogEntry, limit)
	for i := 0; i < limit; i++ {
		out[i] = o.eventLog[n-1-i]
	}
	return out
}

// AgentSummary is a compact view of one agent's top capabilities, used by
// GetStatus's dashboard-style output.
type AgentSummary struct {
	AgentID         string
	TopCapabilities map[string]float64
	TotalCompleted  int
	TotalFailed     int
}

// Status is a point-in-time snapshot of the orchestrator: whether it is
// running, how many tasks are in each state, a tail of its recent event
// log, and a summary of known agent capability profiles.
type Status struct {
	Running        bool
	TasksByStatus  map[store.TaskStatus]int
	ActiveTasks    int
	MaxTasks       int
	RecentEvents   []LogEntry
	AgentSummaries []AgentSummary
}

// GetStatus assembles a Status snapshot. It issues one QueryTasks call per
// status value, which is adequate for the bounded task counts this system
// targets; a deployment with a much larger graph would want a single
// aggregate COUNT query instead.
func (o *Orchestrator) GetStatus(ctx context.Context) (Status, error) {
	statuses := []store.TaskStatus{
		store.StatusPending, store.StatusAssigned, store.StatusRunning,
		store.StatusCompleted, store.StatusFailed, store.StatusBlocked, store.StatusCancelled,
	}
	counts := make(map[store.TaskStatus]int, len(statuses))
	for _, st := range statuses {
		tasks, err := o.graph.QueryTasks(ctx, store.TaskFilter{Status: []store.TaskStatus{st}, Limit: 1 << 30})
		if err != nil {
			return Status{}, err
		}
		counts[st] = len(tasks)
	}

	active := 0
	for status, n := range counts {
		if status != store.StatusCompleted && status != store.StatusCancelled {
			active += n
		}
	}

	summaries, err := o.buildAgentSummaries(ctx)
	if err != nil {
		return Status{}, err
	}

	return Status{
		Running:        o.isRunning(),
		TasksByStatus:  counts,
		ActiveTasks:    active,
		MaxTasks:       o.graph.Config().MaxTasks,
		RecentEvents:   o.GetEventLog(50),
		AgentSummaries: summaries,
	}, nil
}

// buildAgentSummaries reads every known capability profile and keeps each
// agent's top five capability tags by success rate.
func (o *Orchestrator) buildAgentSummaries(ctx context.Context) ([]AgentSummary, error) {
	profiles, err := o.graph.GetAllCapabilityProfiles(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]AgentSummary, 0, len(profiles))
	for _, p := range profiles {
		type tagScore struct {
			tag   string
			score float64
		}
		scored := make([]tagScore, 0, len(p.SuccessRate))
		for tag, score := range p.SuccessRate {
			scored = append(scored, tagScore{tag, score})
		}
		sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
		if len(scored) > 5 {
			scored = scored[:5]
		}
		top := make(map[string]float64, len(scored))
		for _, ts := range scored {
			top[ts.tag] = ts.score
		}
		out = append(out, AgentSummary{
			AgentID:         p.AgentID,
			TopCapabilities: top,
			TotalCompleted:  p.TotalCompleted,
			TotalFailed:     p.TotalFailed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}
