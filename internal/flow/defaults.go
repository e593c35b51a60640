package flow

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tetrixcorps/voicecore/internal/domain"
	"github.com/tetrixcorps/voicecore/internal/repository"
)

//go:embed flows.yaml
var defaultsYAML []byte

type seedFile struct {
	Flows  []domain.FlowDefinition `yaml:"flows"`
	Agents []seedAgent             `yaml:"agents"`
}

type seedAgent struct {
	AgentID     string   `yaml:"agent_id"`
	Name        string   `yaml:"name"`
	Industry    string   `yaml:"industry"`
	Department  string   `yaml:"department"`
	PhoneNumber string   `yaml:"phone_number"`
	SIPURI      string   `yaml:"sip_uri"`
	Skills      []string `yaml:"skills"`
}

// SeedDefaults loads the built-in industry flows and agent directory into the
// store. Existing rows are left untouched so admin edits survive restarts.
func SeedDefaults(ctx context.Context, store repository.Store) error {
	var seed seedFile
	if err := yaml.Unmarshal(defaultsYAML, &seed); err != nil {
		return fmt.Errorf("failed to parse embedded flow defaults: %w", err)
	}

	for i := range seed.Flows {
		f := &seed.Flows[i]
		if err := Validate(f); err != nil {
			return fmt.Errorf("embedded flow %s invalid: %w", f.FlowID, err)
		}
		existing, err := store.GetFlow(ctx, f.FlowID)
		if err != nil {
			return fmt.Errorf("failed to check flow %s: %w", f.FlowID, err)
		}
		if existing != nil {
			continue
		}
		if err := store.UpsertFlow(ctx, f); err != nil {
			return fmt.Errorf("failed to seed flow %s: %w", f.FlowID, err)
		}
	}

	for _, sa := range seed.Agents {
		existing, err := store.GetAgent(ctx, sa.AgentID)
		if err != nil {
			return fmt.Errorf("failed to check agent %s: %w", sa.AgentID, err)
		}
		if existing != nil {
			continue
		}
		agent := &domain.Agent{
			AgentID:     sa.AgentID,
			Name:        sa.Name,
			Industry:    sa.Industry,
			Department:  sa.Department,
			Status:      domain.AgentStatusAvailable,
			PhoneNumber: sa.PhoneNumber,
			SIPURI:      sa.SIPURI,
			Skills:      sa.Skills,
			CreatedAt:   time.Now(),
		}
		if err := store.CreateAgent(ctx, agent); err != nil {
			return fmt.Errorf("failed to seed agent %s: %w", sa.AgentID, err)
		}
	}

	return nil
}
