package orchestrator

import "time"

// Config governs goal decomposition defaults, the assignment cycle, and
// the matcher's acceptance threshold.
type Config struct {
	// MaxRetries is the per-task retry ceiling applied when decomposing a
	// goal and the subtask spec does not set its own.
	MaxRetries int
	// PollInterval is how often the ticker runs an assignment cycle.
	PollInterval time.Duration
	// MaxAssignmentsPerCycle bounds how many pending tasks one cycle
	// considers.
	MaxAssignmentsPerCycle int
	// MinCapabilityScore is the threshold a candidate agent's score must
	// exceed before the matcher treats it as a real (non-fallback) match.
	MinCapabilityScore float64
	// MaxAssignmentAge, when positive, causes each assignment cycle to
	// revert any assigned task whose last update is older than this back
	// to pending before considering new work. Zero disables the sweep.
	MaxAssignmentAge time.Duration
	// EventLogSize bounds the in-memory event log.
	EventLogSize int
}

// DefaultConfig returns the orchestrator's baseline tuning.
func DefaultConfig() Config {
	return Config{
		MaxRetries:             3,
		PollInterval:           5000 * time.Millisecond,
		MaxAssignmentsPerCycle: 5,
		MinCapabilityScore:     0.1,
		MaxAssignmentAge:       0,
		EventLogSize:           1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxAssignmentsPerCycle <= 0 {
		c.MaxAssignmentsPerCycle = d.MaxAssignmentsPerCycle
	}
	if c.EventLogSize <= 0 {
		c.EventLogSize = d.EventLogSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	return c
}
