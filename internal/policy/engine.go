// Package policy evaluates call-routing and compliance policy before the
// core forwards a call off-platform.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision values returned by the policy.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// ForwardInput is the policy input for a forwarding decision.
type ForwardInput struct {
	Industry    string `json:"industry"`
	Department  string `json:"department"`
	Destination string `json:"destination"`
	Recorded    bool   `json:"recorded"`
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.call_policy.decision"),
		rego.Module("call_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// EvaluateForward checks whether a call may be forwarded to the destination.
// A block decision is treated by the state machine like agent-unavailable:
// the step's fallback runs, the call never fails.
func (e *Engine) EvaluateForward(ctx context.Context, input ForwardInput) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return DecisionAllow, nil
}

// DefaultPolicy is the default routing policy: forwarding is allowed except
// to destinations that are neither E.164 numbers nor SIP URIs.
const DefaultPolicy = `
package call_policy

default decision = "allow"

decision = "block" {
	not valid_destination
}

valid_destination {
	startswith(input.destination, "+")
}

valid_destination {
	startswith(input.destination, "sip:")
}
`
