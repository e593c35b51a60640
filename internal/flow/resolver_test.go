package flow

import (
	"context"
	"testing"
	"time"

	"github.com/tetrixcorps/voicecore/internal/domain"
	"github.com/tetrixcorps/voicecore/internal/repository"
)

func newTestResolver(t *testing.T) (*Resolver, repository.Store) {
	t.Helper()
	store, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewResolver(store), store
}

func TestResolveFlowPrecedence(t *testing.T) {
	ctx := context.Background()
	r, store := newTestResolver(t)

	flows := []*domain.FlowDefinition{
		{FlowID: "retail_main", Name: "Default", Industry: "retail",
			Steps: []domain.FlowStep{{ID: "bye", Kind: domain.StepKindHangup}}},
		{FlowID: "retail_summer", Name: "Campaign", Industry: "retail",
			Steps: []domain.FlowStep{{ID: "bye", Kind: domain.StepKindHangup}}},
	}
	for _, f := range flows {
		if err := store.UpsertFlow(ctx, f); err != nil {
			t.Fatalf("UpsertFlow failed: %v", err)
		}
	}

	// Explicit flow id wins.
	f, err := r.ResolveFlow(ctx, "retail", "retail_summer")
	if err != nil {
		t.Fatalf("ResolveFlow failed: %v", err)
	}
	if f == nil || f.FlowID != "retail_summer" {
		t.Fatalf("expected retail_summer, got %+v", f)
	}

	// Industry default otherwise.
	f, err = r.ResolveFlow(ctx, "retail", "")
	if err != nil {
		t.Fatalf("ResolveFlow failed: %v", err)
	}
	if f == nil || f.FlowID != "retail_main" {
		t.Fatalf("expected retail_main, got %+v", f)
	}

	// Unknown industry resolves to nothing, not an error.
	f, err = r.ResolveFlow(ctx, "aviation", "")
	if err != nil {
		t.Fatalf("ResolveFlow failed: %v", err)
	}
	if f != nil {
		t.Fatalf("expected nil flow, got %+v", f)
	}
}

func TestPickAgentFiltersAndRoundRobin(t *testing.T) {
	ctx := context.Background()
	r, store := newTestResolver(t)

	agents := []*domain.Agent{
		{AgentID: "a1", Name: "A", Industry: "insurance", Department: "claims",
			Status: domain.AgentStatusAvailable, PhoneNumber: "+15550000001", CreatedAt: time.Now()},
		{AgentID: "a2", Name: "B", Industry: "insurance", Department: "claims",
			Status: domain.AgentStatusAvailable, PhoneNumber: "+15550000002", CreatedAt: time.Now()},
		{AgentID: "a3", Name: "C", Industry: "insurance", Department: "claims",
			Status: domain.AgentStatusBusy, PhoneNumber: "+15550000003", CreatedAt: time.Now()},
		{AgentID: "a4", Name: "D", Industry: "insurance", Department: "sales",
			Status: domain.AgentStatusAvailable, PhoneNumber: "+15550000004", CreatedAt: time.Now()},
	}
	for _, a := range agents {
		if err := store.CreateAgent(ctx, a); err != nil {
			t.Fatalf("CreateAgent failed: %v", err)
		}
	}

	// Successive picks rotate between the available claims agents; the busy
	// agent and the sales agent never surface.
	picked := map[string]int{}
	for i := 0; i < 4; i++ {
		a, err := r.PickAgent(ctx, "insurance", "claims")
		if err != nil {
			t.Fatalf("PickAgent failed: %v", err)
		}
		if a == nil {
			t.Fatal("expected an agent")
		}
		if a.AgentID == "a3" || a.AgentID == "a4" {
			t.Fatalf("picked filtered-out agent %s", a.AgentID)
		}
		picked[a.AgentID]++
		// keep assignment timestamps strictly ordered
		time.Sleep(10 * time.Millisecond)
	}
	if picked["a1"] != 2 || picked["a2"] != 2 {
		t.Fatalf("unfair rotation: %+v", picked)
	}
}

func TestPickAgentUnavailableIsNotAnError(t *testing.T) {
	ctx := context.Background()
	r, store := newTestResolver(t)

	a := &domain.Agent{AgentID: "a1", Name: "A", Industry: "retail", Department: "sales",
		Status: domain.AgentStatusOffline, PhoneNumber: "+15550000001", CreatedAt: time.Now()}
	if err := store.CreateAgent(ctx, a); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	got, err := r.PickAgent(ctx, "retail", "sales")
	if err != nil {
		t.Fatalf("PickAgent errored: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no agent, got %+v", got)
	}
}
