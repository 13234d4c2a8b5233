package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"taskgraph/internal/store"
)

func TestScoreAgent_UnknownAgent(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	score, err := g.ScoreAgent(ctx, "ghost", []string{"testing"})
	require.NoError(t, err)
	require.Equal(t, 0.1, score)
}

func TestScoreAgent_ZeroHistoryOverallReliability(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	_, err := g.UpsertCapabilityProfile(ctx, "agent-1", map[string]float64{"testing": 0.8})
	require.NoError(t, err)

	score, err := g.ScoreAgent(ctx, "agent-1", nil)
	require.NoError(t, err)
	require.Equal(t, 0.5, score)
}

func TestScoreAgent_NoMatchingCapability(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	_, err := g.UpsertCapabilityProfile(ctx, "agent-1", map[string]float64{"writing": 0.8})
	require.NoError(t, err)

	score, err := g.ScoreAgent(ctx, "agent-1", []string{"testing"})
	require.NoError(t, err)
	require.Equal(t, 0.05, score)
}

func TestScoreAgent_WeightedFormula(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	p := &store.CapabilityProfile{
		AgentID:      "agent-1",
		Capabilities: map[string]float64{"testing": 0.9},
		SuccessRate:  map[string]float64{"testing": 0.95},
	}
	require.NoError(t, g.store.UpsertCapabilityProfile(ctx, p))

	score, err := g.ScoreAgent(ctx, "agent-1", []string{"testing"})
	require.NoError(t, err)
	want := (0.4*0.9 + 0.6*0.95) * 1.0
	require.InDelta(t, want, score, 1e-9)
}

func TestScoreAgent_PartialCoverageScales(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	p := &store.CapabilityProfile{
		AgentID:      "agent-1",
		Capabilities: map[string]float64{"testing": 0.8},
		SuccessRate:  map[string]float64{"testing": 0.8},
	}
	require.NoError(t, g.store.UpsertCapabilityProfile(ctx, p))

	score, err := g.ScoreAgent(ctx, "agent-1", []string{"testing", "writing"})
	require.NoError(t, err)
	mean := 0.4*0.8 + 0.6*0.8
	want := mean * 0.5
	require.InDelta(t, want, score, 1e-9)
}

func TestRecordTaskOutcome_UpdatesEMA(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	p, err := g.RecordTaskOutcome(ctx, "agent-1", []string{"testing"}, true)
	require.NoError(t, err)
	require.InDelta(t, 0.5*0.7+1.0*0.3, p.SuccessRate["testing"], 1e-9)
	require.Equal(t, 1, p.TotalCompleted)
	require.Equal(t, 0.5, p.Capabilities["testing"])

	p, err = g.RecordTaskOutcome(ctx, "agent-1", []string{"testing"}, false)
	require.NoError(t, err)
	prev := 0.5*0.7 + 1.0*0.3
	require.InDelta(t, prev*0.7, p.SuccessRate["testing"], 1e-9)
	require.Equal(t, 1, p.TotalFailed)
}

func TestUpsertCapabilityProfile_RoundTrip(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	_, err := g.UpsertCapabilityProfile(ctx, "agent-1", map[string]float64{"testing": 0.7})
	require.NoError(t, err)

	got, err := g.GetCapabilityProfile(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, 0.7, got.Capabilities["testing"])

	// merging a second tag preserves the first
	_, err = g.UpsertCapabilityProfile(ctx, "agent-1", map[string]float64{"writing": 0.4})
	require.NoError(t, err)
	got, err = g.GetCapabilityProfile(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, 0.7, got.Capabilities["testing"])
	require.Equal(t, 0.4, got.Capabilities["writing"])
}

func TestGetAllCapabilityProfiles(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	_, err := g.UpsertCapabilityProfile(ctx, "agent-1", map[string]float64{"testing": 0.7})
	require.NoError(t, err)
	_, err = g.UpsertCapabilityProfile(ctx, "agent-2", map[string]float64{"testing": 0.3})
	require.NoError(t, err)

	all, err := g.GetAllCapabilityProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

// Scenario 2 - capability-biased routing. This exercises ScoreAgent's
// ranking directly; the orchestrator package covers the full assignment
// cycle that picks among idle agents using this score.
func TestScoreAgent_PrefersHigherCapabilityProfile(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)

	good := &store.CapabilityProfile{
		AgentID:        "agent-good",
		Capabilities:   map[string]float64{"testing": 0.9},
		SuccessRate:    map[string]float64{"testing": 0.95},
		TotalCompleted: 20,
		TotalFailed:    1,
	}
	bad := &store.CapabilityProfile{
		AgentID:        "agent-bad",
		Capabilities:   map[string]float64{"testing": 0.2},
		SuccessRate:    map[string]float64{"testing": 0.1},
		TotalCompleted: 2,
		TotalFailed:    8,
	}
	require.NoError(t, g.store.UpsertCapabilityProfile(ctx, good))
	require.NoError(t, g.store.UpsertCapabilityProfile(ctx, bad))

	goodScore, err := g.ScoreAgent(ctx, "agent-good", []string{"testing"})
	require.NoError(t, err)
	badScore, err := g.ScoreAgent(ctx, "agent-bad", []string{"testing"})
	require.NoError(t, err)

	require.Greater(t, goodScore, badScore)
}
