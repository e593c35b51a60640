// Package flow resolves IVR flow definitions and forwarding targets.
package flow

import (
	"fmt"

	"github.com/tetrixcorps/voicecore/internal/domain"
)

// Validate checks a flow definition against the invariants the state machine
// relies on at call time, so a misconfigured flow is rejected at save time and
// never encountered mid-call:
//
//   - at least one step, and the first step is the entry point
//   - step ids unique, option/next/fallback references resolve
//   - every non-terminal step declares a fallback
//   - gather steps declare an input kind and at least one option
//   - forward steps declare a department
func Validate(f *domain.FlowDefinition) error {
	if f.FlowID == "" {
		return fmt.Errorf("%w: flow_id is required", domain.ErrFlowConfiguration)
	}
	if f.Industry == "" {
		return fmt.Errorf("%w: industry is required", domain.ErrFlowConfiguration)
	}
	if len(f.Steps) == 0 {
		return fmt.Errorf("%w: flow %s has no steps", domain.ErrFlowConfiguration, f.FlowID)
	}

	ids := make(map[string]bool, len(f.Steps))
	for i := range f.Steps {
		s := &f.Steps[i]
		if s.ID == "" {
			return fmt.Errorf("%w: flow %s has a step without an id", domain.ErrFlowConfiguration, f.FlowID)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: flow %s has duplicate step %q", domain.ErrFlowConfiguration, f.FlowID, s.ID)
		}
		ids[s.ID] = true
	}

	resolve := func(stepID, field, ref string) error {
		if !ids[ref] {
			return fmt.Errorf("%w: flow %s step %q %s references unknown step %q",
				domain.ErrFlowConfiguration, f.FlowID, stepID, field, ref)
		}
		return nil
	}

	for i := range f.Steps {
		s := &f.Steps[i]
		switch s.Kind {
		case domain.StepKindSay:
			if s.Next == "" {
				return fmt.Errorf("%w: flow %s say step %q has no next step",
					domain.ErrFlowConfiguration, f.FlowID, s.ID)
			}
			if err := resolve(s.ID, "next", s.Next); err != nil {
				return err
			}
		case domain.StepKindGather:
			if s.InputKind != domain.InputKindDTMF && s.InputKind != domain.InputKindSpeech {
				return fmt.Errorf("%w: flow %s gather step %q has input kind %q",
					domain.ErrFlowConfiguration, f.FlowID, s.ID, s.InputKind)
			}
			if len(s.Options) == 0 {
				return fmt.Errorf("%w: flow %s gather step %q has no options",
					domain.ErrFlowConfiguration, f.FlowID, s.ID)
			}
			for _, opt := range s.Options {
				if opt.Input == "" {
					return fmt.Errorf("%w: flow %s gather step %q has an option without input",
						domain.ErrFlowConfiguration, f.FlowID, s.ID)
				}
				if err := resolve(s.ID, "option", opt.Next); err != nil {
					return err
				}
			}
		case domain.StepKindForward:
			if s.Department == "" {
				return fmt.Errorf("%w: flow %s forward step %q has no department",
					domain.ErrFlowConfiguration, f.FlowID, s.ID)
			}
		case domain.StepKindRecord, domain.StepKindHangup:
			// terminal, nothing to resolve
		default:
			return fmt.Errorf("%w: flow %s step %q has unknown kind %q",
				domain.ErrFlowConfiguration, f.FlowID, s.ID, s.Kind)
		}

		// The no-dead-end invariant: every non-terminal step (and every
		// forward step, which can fail to find an agent) needs a fallback.
		if !s.Terminal() || s.Kind == domain.StepKindForward {
			if s.Fallback == "" {
				return fmt.Errorf("%w: flow %s step %q has no fallback transition",
					domain.ErrFlowConfiguration, f.FlowID, s.ID)
			}
			if err := resolve(s.ID, "fallback", s.Fallback); err != nil {
				return err
			}
		}
	}

	// References resolving is not enough: a cycle of say steps validates
	// per-step but strands the caller. Every step must reach a step that
	// ends the call.
	steps := make(map[string]*domain.FlowStep, len(f.Steps))
	for i := range f.Steps {
		steps[f.Steps[i].ID] = &f.Steps[i]
	}
	for i := range f.Steps {
		if !reachesTerminal(steps, f.Steps[i].ID, make(map[string]bool, len(steps))) {
			return fmt.Errorf("%w: flow %s step %q cannot reach a terminal step",
				domain.ErrFlowConfiguration, f.FlowID, f.Steps[i].ID)
		}
	}

	return nil
}

func reachesTerminal(steps map[string]*domain.FlowStep, id string, visiting map[string]bool) bool {
	if visiting[id] {
		return false
	}
	s, ok := steps[id]
	if !ok {
		return false
	}
	if s.Kind == domain.StepKindRecord || s.Kind == domain.StepKindHangup {
		return true
	}
	visiting[id] = true
	defer delete(visiting, id)

	if s.Kind == domain.StepKindForward {
		// A successful dial ends the call; the fallback must cover failure.
		return reachesTerminal(steps, s.Fallback, visiting)
	}
	if s.Next != "" && reachesTerminal(steps, s.Next, visiting) {
		return true
	}
	for _, opt := range s.Options {
		if reachesTerminal(steps, opt.Next, visiting) {
			return true
		}
	}
	return s.Fallback != "" && reachesTerminal(steps, s.Fallback, visiting)
}
