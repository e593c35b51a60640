// Package callstate is the call orchestrator: it consumes normalized events,
// mutates the session registry and produces call-control documents.
package callstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tetrixcorps/voicecore/internal/domain"
	"github.com/tetrixcorps/voicecore/internal/metrics"
	"github.com/tetrixcorps/voicecore/internal/pipeline"
	"github.com/tetrixcorps/voicecore/internal/policy"
	"github.com/tetrixcorps/voicecore/internal/repository"
	"github.com/tetrixcorps/voicecore/internal/texml"
)

// FlowResolver picks flows for new calls and agents for forwarding.
type FlowResolver interface {
	ResolveFlow(ctx context.Context, industry, flowID string) (*domain.FlowDefinition, error)
	PickAgent(ctx context.Context, industry, department string) (*domain.Agent, error)
}

// StreamPipeline is the transcription and response pipeline surface the
// machine drives.
type StreamPipeline interface {
	Start(ctx context.Context, callID string) (string, error)
	Push(callID string, chunk []byte)
	Finish(ctx context.Context, callID, industry string) (transcript, reply string, err error)
	StopAll(ctx context.Context, callID string)
}

// PolicyChecker gates forwarding decisions.
type PolicyChecker interface {
	EvaluateForward(ctx context.Context, input policy.ForwardInput) (string, error)
}

// Machine applies normalized events to call sessions. All session writes in
// the system go through here; the dispatcher serializes Apply per call id.
type Machine struct {
	store      repository.Store
	resolver   FlowResolver
	pipeline   StreamPipeline
	policy     PolicyChecker
	baseURL    string
	maxRetries int
}

// NewMachine creates the state machine.
func NewMachine(store repository.Store, resolver FlowResolver, pipe StreamPipeline, pol PolicyChecker, baseURL string, maxRetries int) *Machine {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &Machine{
		store:      store,
		resolver:   resolver,
		pipeline:   pipe,
		policy:     pol,
		baseURL:    baseURL,
		maxRetries: maxRetries,
	}
}

// Apply processes one normalized event and returns the control document for
// the provider, or "" when the event needs no document (already ended, moot,
// or an ack-only event kind). Apply never returns business failures as
// errors: every failure path inside resolves to a valid document or "".
func (m *Machine) Apply(ctx context.Context, ev domain.NormalizedEvent) (string, error) {
	sess, err := m.store.GetSessionByCallID(ctx, ev.CallID)
	if err != nil {
		log.Printf("ERROR: failed to load session for call %s: %v", ev.CallID, err)
		return texml.SafeHangup(), nil
	}

	if sess == nil {
		switch ev.Type {
		case domain.EventTypeInitiated, domain.EventTypeAnswered:
			sess, err = m.createSession(ctx, ev)
			if err != nil {
				log.Printf("ERROR: failed to create session for call %s: %v", ev.CallID, err)
				return texml.SafeHangup(), nil
			}
		default:
			// Event for a call we never saw. Record it and ack.
			m.audit(ctx, ev.CallID, domain.EventTypeValidationFailed, map[string]interface{}{
				"reason": "event for unknown call",
				"type":   ev.Type,
			})
			return "", nil
		}
	}

	// Idempotent termination and stale-event discard: an ended session is
	// frozen, and events at or below the last applied sequence are moot.
	if sess.Ended() {
		return "", nil
	}
	if ev.Seq <= sess.LastSeq {
		return "", nil
	}
	sess.LastSeq = ev.Seq

	var doc string
	switch ev.Type {
	case domain.EventTypeInitiated:
		doc = m.handleAnswer(ctx, sess, domain.CallStateInitiated)
	case domain.EventTypeAnswered:
		now := time.Now()
		sess.AnsweredAt = &now
		doc = m.handleAnswer(ctx, sess, domain.CallStateAnswered)
	case domain.EventTypeInputReceived:
		doc = m.handleInput(ctx, sess, ev)
	case domain.EventTypeRinging:
		if sess.State == domain.CallStateInitiated {
			sess.State = domain.CallStateRinging
		}
	case domain.EventTypeStreamChunk:
		if len(ev.Chunk) > 0 {
			m.pipeline.Push(sess.CallID, ev.Chunk)
		}
		if ev.Final {
			doc = m.handleInput(ctx, sess, domain.NormalizedEvent{
				CallID:    ev.CallID,
				Type:      domain.EventTypeInputReceived,
				InputKind: domain.InputKindSpeech,
			})
		}
	case domain.EventTypeRecordingSaved:
		m.handleRecordingSaved(ctx, sess, ev)
	case domain.EventTypeEnded:
		m.handleEnded(ctx, sess, ev.Reason)
	case domain.EventTypeParticipantJoined:
		if err := m.store.AddParticipant(ctx, &domain.ConferenceParticipant{
			CallID: sess.CallID, ConferenceID: ev.ConferenceID, JoinedAt: ev.OccurredAt,
		}); err != nil {
			log.Printf("WARN: failed to add conference participant: %v", err)
		}
	case domain.EventTypeParticipantLeft:
		if err := m.store.MarkParticipantLeft(ctx, sess.CallID, ev.ConferenceID); err != nil {
			log.Printf("WARN: failed to mark participant left: %v", err)
		}
	default:
		// Totality: unknown kinds are recorded and acked, the session is
		// left untouched beyond the sequence bump.
		m.audit(ctx, sess.CallID, domain.EventTypeValidationFailed, map[string]interface{}{
			"reason": "unhandled event type",
			"type":   ev.Type,
		})
	}

	if err := m.store.UpdateSession(ctx, sess); err != nil {
		log.Printf("ERROR: failed to update session %s: %v", sess.SessionID, err)
	}
	return doc, nil
}

func (m *Machine) createSession(ctx context.Context, ev domain.NormalizedEvent) (*domain.CallSession, error) {
	direction := ev.Direction
	if direction == "" {
		direction = domain.DirectionInbound
	}

	sess := &domain.CallSession{
		SessionID:   "sess_" + uuid.New().String()[:8],
		CallID:      ev.CallID,
		ClientState: ev.ClientState,
		From:        ev.From,
		To:          ev.To,
		Direction:   direction,
		State:       domain.CallStateInitiated,
		CreatedAt:   time.Now(),
	}

	// Inbound calls route by the called number; outbound calls carry their
	// routing in client_state set by the dial API.
	if cs := parseClientState(ev.ClientState); cs != nil {
		sess.Industry = cs.Industry
		sess.FlowID = cs.FlowID
	}
	if sess.Industry == "" && ev.To != "" {
		did, err := m.store.GetDID(ctx, ev.To)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DID %s: %w", ev.To, err)
		}
		if did != nil {
			sess.Industry = did.Industry
			sess.FlowID = did.FlowID
		}
	}

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	metrics.CallsActive.Inc()
	metrics.CallsTotal.Inc()
	return sess, nil
}

type clientState struct {
	Industry string `json:"industry,omitempty"`
	FlowID   string `json:"flow_id,omitempty"`
}

func parseClientState(raw string) *clientState {
	if raw == "" {
		return nil
	}
	var cs clientState
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		return nil
	}
	return &cs
}

// handleAnswer produces the greeting document when a flow is configured for
// the call's industry, or a plain ringing update otherwise.
func (m *Machine) handleAnswer(ctx context.Context, sess *domain.CallSession, state domain.CallState) string {
	sess.State = state

	flow, err := m.resolver.ResolveFlow(ctx, sess.Industry, sess.FlowID)
	if err != nil {
		log.Printf("ERROR: failed to resolve flow for call %s: %v", sess.CallID, err)
		return m.fallbackDoc(ctx, sess)
	}
	if flow == nil {
		// No flow configured: nothing for the provider to do yet.
		return ""
	}
	sess.FlowID = flow.FlowID

	if sess.CurrentStep != "" {
		// Answered after the greeting already rendered on Initiated.
		return ""
	}
	return m.renderStep(ctx, sess, flow, flow.Steps[0].ID, "")
}

// handleInput routes caller input through the current step's transition table.
func (m *Machine) handleInput(ctx context.Context, sess *domain.CallSession, ev domain.NormalizedEvent) string {
	if sess.State != domain.CallStateGathering || sess.CurrentStep == "" {
		// Input outside a gather step is recorded and ignored, never an error.
		m.audit(ctx, sess.CallID, domain.EventTypeValidationFailed, map[string]interface{}{
			"reason": "input outside gather step",
			"state":  sess.State,
		})
		return ""
	}

	flow, err := m.resolver.ResolveFlow(ctx, sess.Industry, sess.FlowID)
	if err != nil || flow == nil {
		log.Printf("ERROR: flow %s missing for call %s: %v", sess.FlowID, sess.CallID, err)
		return m.fallbackDoc(ctx, sess)
	}
	step := flow.Step(sess.CurrentStep)
	if step == nil {
		log.Printf("ERROR: step %s missing in flow %s", sess.CurrentStep, sess.FlowID)
		return m.fallbackDoc(ctx, sess)
	}

	value := ev.InputValue
	var aiReply string
	var pipeFailed bool
	if step.InputKind == domain.InputKindSpeech {
		value, aiReply, pipeFailed = m.speechValue(ctx, sess, value)
	}
	sess.InputBuffer = value

	if opt := matchOption(step, value); opt != nil {
		sess.RetryCount = 0
		sess.InputBuffer = ""
		return m.renderStep(ctx, sess, flow, opt.Next, "")
	}

	if pipeFailed {
		// A pipeline failure is not the caller's miss: re-prompt with the
		// fixed fallback line and leave the retry budget alone.
		return m.renderStep(ctx, sess, flow, step.ID, pipeline.FallbackPrompt)
	}

	// No match. Unrecognized or malformed input consumes a retry; once the
	// misses exceed the step's budget the fallback transition runs instead
	// of another prompt.
	maxRetries := step.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.maxRetries
	}
	sess.RetryCount++
	if sess.RetryCount > maxRetries {
		sess.RetryCount = 0
		return m.renderStep(ctx, sess, flow, step.Fallback, "")
	}

	reprompt := "I didn't understand that. Please try again."
	if step.InputKind == domain.InputKindSpeech {
		reprompt = pipeline.FallbackPrompt
	}
	if aiReply != "" {
		reprompt = aiReply
	}
	return m.renderStep(ctx, sess, flow, step.ID, reprompt)
}

// speechValue resolves the transcript for a speech gather, preferring the
// provider-supplied result over the media-stream pipeline's. The second
// return is the AI reply used as the re-prompt when the transition table has
// no match for the transcript; the third reports a pipeline failure that
// left no transcript at all.
func (m *Machine) speechValue(ctx context.Context, sess *domain.CallSession, provided string) (string, string, bool) {
	transcript, reply, err := m.pipeline.Finish(ctx, sess.CallID, sess.Industry)
	if provided != "" {
		transcript = provided
	}
	if err != nil && transcript == "" {
		m.audit(ctx, sess.CallID, domain.EventTypeProviderTimeout, map[string]interface{}{
			"stage": "pipeline", "error": err.Error(),
		})
		return "", "", true
	}
	return transcript, reply, false
}

// matchOption finds the transition for recognized input: exact digits for
// DTMF, case-insensitive containment for speech keywords.
func matchOption(step *domain.FlowStep, value string) *domain.StepOption {
	if value == "" {
		return nil
	}
	for i := range step.Options {
		opt := &step.Options[i]
		if step.InputKind == domain.InputKindSpeech {
			if strings.Contains(strings.ToLower(value), strings.ToLower(opt.Input)) {
				return opt
			}
		} else if opt.Input == value {
			return opt
		}
	}
	return nil
}

// renderStep renders the document for a step, collapsing say chains into the
// following step and executing forward resolution. extraPrompt is prepended
// (used for re-prompts on no-match).
func (m *Machine) renderStep(ctx context.Context, sess *domain.CallSession, flow *domain.FlowDefinition, stepID, extraPrompt string) string {
	var said []string
	if extraPrompt != "" {
		said = append(said, extraPrompt)
	}

	// Cycle guard: a flow validated at save time has no say cycles, but the
	// registry is external input and render must terminate regardless.
	for hops := 0; hops < len(flow.Steps)+1; hops++ {
		step := flow.Step(stepID)
		if step == nil {
			log.Printf("ERROR: step %s missing in flow %s", stepID, flow.FlowID)
			return m.fallbackDoc(ctx, sess)
		}
		sess.CurrentStep = step.ID

		switch step.Kind {
		case domain.StepKindSay:
			if step.Prompt != "" {
				said = append(said, step.Prompt)
			}
			sess.State = domain.CallStateSpeaking
			stepID = step.Next
			continue

		case domain.StepKindGather:
			sess.State = domain.CallStateGathering
			if step.InputKind == domain.InputKindSpeech {
				if _, err := m.pipeline.Start(ctx, sess.CallID); err != nil {
					log.Printf("WARN: failed to start stream for call %s: %v", sess.CallID, err)
				}
			}
			return m.buildDoc(ctx, sess, texml.Document{
				Say: strings.Join(said, " "),
				Gather: &texml.Gather{
					Action:    m.baseURL + "/webhooks/voice",
					Prompt:    step.Prompt,
					Speech:    step.InputKind == domain.InputKindSpeech,
					Timeout:   step.Timeout,
					NumDigits: step.MaxDigits,
				},
			})

		case domain.StepKindForward:
			doc, ok := m.renderForward(ctx, sess, step, said)
			if ok {
				return doc
			}
			// No agent or policy block: follow the step's fallback instead
			// of failing the call.
			stepID = step.Fallback
			continue

		case domain.StepKindRecord:
			sess.State = domain.CallStateRecording
			if step.Prompt != "" {
				said = append(said, step.Prompt)
			}
			return m.buildDoc(ctx, sess, texml.Document{
				Say: strings.Join(said, " "),
				Record: &texml.Record{
					Action:  m.baseURL + "/webhooks/voice/events",
					Timeout: step.Timeout,
				},
			})

		case domain.StepKindHangup:
			sess.State = domain.CallStateSpeaking
			if step.Prompt != "" {
				said = append(said, step.Prompt)
			}
			return m.buildDoc(ctx, sess, texml.Document{
				Say:    strings.Join(said, " "),
				Hangup: true,
			})

		default:
			return m.fallbackDoc(ctx, sess)
		}
	}

	log.Printf("ERROR: step chain did not terminate in flow %s", flow.FlowID)
	return m.fallbackDoc(ctx, sess)
}

// renderForward resolves an agent and produces a dial document. Returns
// ok=false when the step's fallback should run instead.
func (m *Machine) renderForward(ctx context.Context, sess *domain.CallSession, step *domain.FlowStep, said []string) (string, bool) {
	agent, err := m.resolver.PickAgent(ctx, sess.Industry, step.Department)
	if err != nil {
		log.Printf("ERROR: agent resolution failed for call %s: %v", sess.CallID, err)
		return "", false
	}
	if agent == nil {
		return "", false
	}

	decision, err := m.policy.EvaluateForward(ctx, policy.ForwardInput{
		Industry:    sess.Industry,
		Department:  step.Department,
		Destination: agent.Target(),
		Recorded:    true,
	})
	if err != nil {
		log.Printf("WARN: policy evaluation failed for call %s: %v", sess.CallID, err)
		decision = policy.DecisionBlock
	}
	m.audit(ctx, sess.CallID, domain.EventTypePolicyDecision, map[string]interface{}{
		"decision":    decision,
		"destination": agent.Target(),
		"department":  step.Department,
	})
	if decision != policy.DecisionAllow {
		return "", false
	}

	sess.State = domain.CallStateForwarding
	if step.Prompt != "" {
		said = append(said, step.Prompt)
	}
	return m.buildDoc(ctx, sess, texml.Document{
		Say: strings.Join(said, " "),
		Dial: &texml.Dial{
			Destination: agent.Target(),
			Timeout:     step.Timeout,
			Record:      true,
		},
	}), true
}

func (m *Machine) handleRecordingSaved(ctx context.Context, sess *domain.CallSession, ev domain.NormalizedEvent) {
	rec := &domain.Recording{
		RecordingID:  "rec_" + uuid.New().String()[:8],
		CallID:       sess.CallID,
		URL:          ev.RecordingURL,
		DurationSecs: ev.RecordingSecs,
		CreatedAt:    time.Now(),
	}
	if err := m.store.CreateRecording(ctx, rec); err != nil {
		log.Printf("ERROR: failed to store recording for call %s: %v", sess.CallID, err)
	}
}

// handleEnded freezes the session and releases its streams. A second Ended
// never reaches here: Apply returns early for ended sessions.
func (m *Machine) handleEnded(ctx context.Context, sess *domain.CallSession, reason domain.EndReason) {
	now := time.Now()
	sess.State = domain.CallStateEnded
	if reason == "" {
		reason = domain.EndReasonCompleted
	}
	sess.EndReason = reason
	sess.EndedAt = &now

	m.pipeline.StopAll(ctx, sess.CallID)
	metrics.CallsActive.Dec()
}

// buildDoc renders and validates a document, substituting the safe hangup
// document on failure.
func (m *Machine) buildDoc(ctx context.Context, sess *domain.CallSession, doc texml.Document) string {
	out, err := texml.Build(doc)
	if err != nil {
		log.Printf("ERROR: document generation failed for call %s: %v", sess.CallID, err)
		metrics.Errors.WithLabelValues("document").Inc()
		m.audit(ctx, sess.CallID, domain.EventTypeDocumentFallback, map[string]interface{}{
			"error": err.Error(),
		})
		return texml.SafeHangup()
	}
	return out
}

func (m *Machine) fallbackDoc(ctx context.Context, sess *domain.CallSession) string {
	m.audit(ctx, sess.CallID, domain.EventTypeDocumentFallback, map[string]interface{}{
		"step": sess.CurrentStep,
	})
	return texml.SafeHangup()
}

// audit appends a core-generated event to the call's log. Failures are logged
// and swallowed: audit records never alter call behavior.
func (m *Machine) audit(ctx context.Context, callID string, eventType domain.EventType, payload map[string]interface{}) {
	data, _ := json.Marshal(payload)
	eventID := "evt_" + uuid.New().String()[:8]
	_, err := m.store.AppendEvent(ctx, &domain.CallEvent{
		EventID:    eventID,
		CallID:     callID,
		DedupeKey:  eventID,
		Type:       eventType,
		Payload:    data,
		OccurredAt: time.Now(),
		Seq:        time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("WARN: failed to record audit event for call %s: %v", callID, err)
	}
}
