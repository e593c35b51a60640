package flow

import (
	"context"
	"fmt"
	"log"

	"github.com/tetrixcorps/voicecore/internal/domain"
	"github.com/tetrixcorps/voicecore/internal/repository"
)

// Resolver picks flows for new calls and agents for forwarding decisions.
type Resolver struct {
	store repository.Store
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store repository.Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveFlow returns the flow to use for a new call. A specific flow id wins
// when given; otherwise the industry's default flow (`<industry>_main`) is
// used, falling back to the first flow registered for the industry.
func (r *Resolver) ResolveFlow(ctx context.Context, industry, flowID string) (*domain.FlowDefinition, error) {
	if flowID != "" {
		f, err := r.store.GetFlow(ctx, flowID)
		if err != nil {
			return nil, fmt.Errorf("failed to get flow %s: %w", flowID, err)
		}
		return f, nil
	}
	if industry == "" {
		return nil, nil
	}

	f, err := r.store.GetFlow(ctx, industry+"_main")
	if err != nil {
		return nil, fmt.Errorf("failed to get default flow for %s: %w", industry, err)
	}
	if f != nil {
		return f, nil
	}

	flows, err := r.store.ListFlows(ctx, industry)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows for %s: %w", industry, err)
	}
	if len(flows) == 0 {
		return nil, nil
	}
	return &flows[0], nil
}

// PickAgent returns the best-available agent for a forwarding decision:
// filter by industry/department tags, filter by available status, tie-break
// by least-recently-assigned. A nil agent with nil error means no agent
// qualifies; the caller applies the step's fallback instead of failing the
// call.
func (r *Resolver) PickAgent(ctx context.Context, industry, department string) (*domain.Agent, error) {
	agents, err := r.store.ListAgents(ctx, industry)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	var best *domain.Agent
	for i := range agents {
		a := &agents[i]
		if a.Status != domain.AgentStatusAvailable {
			continue
		}
		if department != "" && a.Department != department {
			continue
		}
		if best == nil || assignedBefore(a, best) {
			best = a
		}
	}
	if best == nil {
		return nil, nil
	}

	if err := r.store.TouchAgentAssignment(ctx, best.AgentID); err != nil {
		// Round-robin bookkeeping only; the pick still stands.
		log.Printf("WARN: failed to touch agent assignment for %s: %v", best.AgentID, err)
	}
	return best, nil
}

// assignedBefore reports whether a was assigned less recently than b. An agent
// never assigned sorts first.
func assignedBefore(a, b *domain.Agent) bool {
	if a.LastAssignedAt == nil {
		return true
	}
	if b.LastAssignedAt == nil {
		return false
	}
	return a.LastAssignedAt.Before(*b.LastAssignedAt)
}
