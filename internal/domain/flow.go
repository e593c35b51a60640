package domain

import "time"

// FlowDefinition is a named, industry-scoped IVR menu tree. It is authored
// through the admin API and read-only from the orchestration core's
// perspective during a call.
type FlowDefinition struct {
	FlowID    string     `json:"flow_id" yaml:"flow_id"`
	Name      string     `json:"name" yaml:"name"`
	Industry  string     `json:"industry" yaml:"industry"`
	Steps     []FlowStep `json:"steps" yaml:"steps"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"-"`
}

// FlowStep is a single node in a flow tree.
type FlowStep struct {
	ID        string    `json:"id" yaml:"id"`
	Kind      StepKind  `json:"kind" yaml:"kind"`
	Prompt    string    `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	InputKind InputKind `json:"input_kind,omitempty" yaml:"input_kind,omitempty"`
	Timeout   int       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxDigits int       `json:"max_digits,omitempty" yaml:"max_digits,omitempty"`
	// MaxRetries bounds no-match retries on a gather step. Zero means the
	// configured default.
	MaxRetries int          `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Options    []StepOption `json:"options,omitempty" yaml:"options,omitempty"`
	// Next is the follow-up step for say steps.
	Next string `json:"next,omitempty" yaml:"next,omitempty"`
	// Fallback is taken on timeout, no-match exhaustion, or when a forward
	// step finds no agent. Required on every non-terminal step.
	Fallback string `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	// Department scopes agent selection for forward steps.
	Department string `json:"department,omitempty" yaml:"department,omitempty"`
}

// StepOption maps recognized caller input to the next step.
type StepOption struct {
	Input string `json:"input" yaml:"input"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
	Next  string `json:"next" yaml:"next"`
}

// Terminal reports whether a step ends the caller's journey through the flow.
func (s *FlowStep) Terminal() bool {
	switch s.Kind {
	case StepKindForward, StepKindRecord, StepKindHangup:
		return true
	}
	return false
}

// Step returns the step with the given id, or nil.
func (f *FlowDefinition) Step(id string) *FlowStep {
	for i := range f.Steps {
		if f.Steps[i].ID == id {
			return &f.Steps[i]
		}
	}
	return nil
}

// DIDMapping routes an inbound called number to an industry and optionally a
// specific flow.
type DIDMapping struct {
	Number    string    `json:"number"`
	Industry  string    `json:"industry"`
	FlowID    string    `json:"flow_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Agent is a live agent reachable by call forwarding.
type Agent struct {
	AgentID        string      `json:"agent_id"`
	Name           string      `json:"name"`
	Industry       string      `json:"industry"`
	Department     string      `json:"department"`
	Status         AgentStatus `json:"status"`
	PhoneNumber    string      `json:"phone_number,omitempty"`
	SIPURI         string      `json:"sip_uri,omitempty"`
	Skills         []string    `json:"skills,omitempty"`
	LastAssignedAt *time.Time  `json:"last_assigned_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Target returns the forwarding destination for the agent.
func (a *Agent) Target() string {
	if a.PhoneNumber != "" {
		return a.PhoneNumber
	}
	return a.SIPURI
}
