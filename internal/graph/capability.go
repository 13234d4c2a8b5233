package graph

import (
	"context"
	"errors"
	"time"

	"taskgraph/internal/store"
	"taskgraph/internal/telemetry"
)

// capabilityEMAAlpha is the weight given to the newest outcome when
// updating a capability's rolling success rate.
const capabilityEMAAlpha = 0.3

// UpsertCapabilityProfile merges capabilities into agentID's profile,
// creating it if absent. Existing capability tags not named in
// capabilities are left untouched.
func (g *Graph) UpsertCapabilityProfile(ctx context.Context, agentID string, capabilities map[string]float64) (*store.CapabilityProfile, error) {
	p, err := g.store.GetCapabilityProfile(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		p = &store.CapabilityProfile{
			AgentID:      agentID,
			Capabilities: map[string]float64{},
			SuccessRate:  map[string]float64{},
		}
	} else if err != nil {
		return nil, err
	}
	if p.Capabilities == nil {
		p.Capabilities = map[string]float64{}
	}
	for tag, confidence := range capabilities {
		p.Capabilities[tag] = confidence
	}
	p.UpdatedAt = time.Now().UTC()
	if err := g.store.UpsertCapabilityProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetCapabilityProfile reads agentID's profile.
func (g *Graph) GetCapabilityProfile(ctx context.Context, agentID string) (*store.CapabilityProfile, error) {
	return g.store.GetCapabilityProfile(ctx, agentID)
}

// GetAllCapabilityProfiles lists every known agent profile.
func (g *Graph) GetAllCapabilityProfiles(ctx context.Context) ([]*store.CapabilityProfile, error) {
	return g.store.GetAllCapabilityProfiles(ctx)
}

// RecordTaskOutcome folds one task result into agentID's profile: it bumps
// totalCompleted or totalFailed, and for every tag in taskCaps updates the
// rolling success rate with an exponential moving average (new tags start
// from a neutral 0.5 prior, as does each tag's confidence the first time
// it is observed here).
func (g *Graph) RecordTaskOutcome(ctx context.Context, agentID string, taskCaps []string, succeeded bool) (*store.CapabilityProfile, error) {
	p, err := g.store.GetCapabilityProfile(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		p = &store.CapabilityProfile{
			AgentID:      agentID,
			Capabilities: map[string]float64{},
			SuccessRate:  map[string]float64{},
		}
	} else if err != nil {
		return nil, err
	}
	if p.Capabilities == nil {
		p.Capabilities = map[string]float64{}
	}
	if p.SuccessRate == nil {
		p.SuccessRate = map[string]float64{}
	}

	if succeeded {
		p.TotalCompleted++
	} else {
		p.TotalFailed++
	}

	outcome := 0.0
	if succeeded {
		outcome = 1.0
	}
	for _, tag := range taskCaps {
		prev, ok := p.SuccessRate[tag]
		if !ok {
			prev = 0.5
		}
		p.SuccessRate[tag] = prev*(1-capabilityEMAAlpha) + outcome*capabilityEMAAlpha
		if _, ok := p.Capabilities[tag]; !ok {
			p.Capabilities[tag] = 0.5
		}
	}

	p.UpdatedAt = time.Now().UTC()
	if err := g.store.UpsertCapabilityProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ScoreAgent rates agentID's fit for a task requiring requiredCapabilities
// on a 0-1 scale. An agent with no profile scores 0.1. With no required
// capabilities, the score is the agent's overall completion ratio (0.5
// with no history yet). Otherwise the score averages, over matched
// capability tags, 0.4*confidence + 0.6*successRate (defaulting an
// unseen tag's success rate to 0.5), then scales by how much of
// requiredCapabilities was matched. An agent matching none of the
// required capabilities scores 0.05.
func (g *Graph) ScoreAgent(ctx context.Context, agentID string, requiredCapabilities []string) (score float64, err error) {
	defer func() {
		if err == nil {
			telemetry.ObserveCapabilityScore(metricsProject, score)
		}
	}()

	p, err := g.store.GetCapabilityProfile(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return 0.1, nil
	}
	if err != nil {
		return 0, err
	}

	if len(requiredCapabilities) == 0 {
		total := p.TotalCompleted + p.TotalFailed
		if total == 0 {
			return 0.5, nil
		}
		return float64(p.TotalCompleted) / float64(total), nil
	}

	var sum float64
	matched := 0
	for _, tag := range requiredCapabilities {
		confidence, ok := p.Capabilities[tag]
		if !ok {
			continue
		}
		rate, ok := p.SuccessRate[tag]
		if !ok {
			rate = 0.5
		}
		sum += 0.4*confidence + 0.6*rate
		matched++
	}
	if matched == 0 {
		return 0.05, nil
	}
	mean := sum / float64(matched)
	coverage := float64(matched) / float64(len(requiredCapabilities))
	return mean * coverage, nil
}
