// Package service wires the orchestration core together and exposes the
// operations the transports call: webhook event handling, the admin registry
// APIs and outbound dialing.
package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tetrixcorps/voicecore/internal/callstate"
	"github.com/tetrixcorps/voicecore/internal/domain"
	"github.com/tetrixcorps/voicecore/internal/flow"
	"github.com/tetrixcorps/voicecore/internal/metrics"
	"github.com/tetrixcorps/voicecore/internal/repository"
	"github.com/tetrixcorps/voicecore/internal/telephony"
)

// Service is the application core behind the HTTP and websocket transports.
type Service struct {
	store      repository.Store
	dispatcher *callstate.Dispatcher
	pipeline   callstate.StreamPipeline
	dialer     telephony.Dialer
}

// New creates the service.
func New(store repository.Store, dispatcher *callstate.Dispatcher, pipe callstate.StreamPipeline, dialer telephony.Dialer) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		pipeline:   pipe,
		dialer:     dialer,
	}
}

// HandleEvent deduplicates, persists and dispatches one normalized event,
// returning the control document for the provider ("" when the event needs
// no document or was a duplicate).
func (s *Service) HandleEvent(ctx context.Context, ev domain.NormalizedEvent, eventID string, payload []byte) (string, error) {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("dispatch").Observe(time.Since(start).Seconds())
	}()

	dedupeKey := eventID
	if dedupeKey == "" {
		dedupeKey = domain.DedupeKey(ev.CallID, ev.Type, ev.OccurredAt)
	}
	inserted, err := s.store.AppendEvent(ctx, &domain.CallEvent{
		EventID:    "evt_" + dedupeKey,
		CallID:     ev.CallID,
		DedupeKey:  dedupeKey,
		Type:       ev.Type,
		Payload:    payload,
		OccurredAt: ev.OccurredAt,
		Seq:        ev.Seq,
	})
	if err != nil {
		return "", fmt.Errorf("failed to append event: %w", err)
	}
	if !inserted {
		// Duplicate delivery: acknowledge without re-running the machine.
		metrics.WebhooksTotal.WithLabelValues("duplicate").Inc()
		log.Printf("INFO: duplicate event %s for call %s dropped", dedupeKey, ev.CallID)
		return "", nil
	}

	return s.dispatcher.Submit(ctx, ev)
}

// PushMedia feeds a media chunk into the call's stream pipeline.
func (s *Service) PushMedia(callID string, chunk []byte) {
	s.pipeline.Push(callID, chunk)
}

// StartStream opens a transcription stream for the call, returning its id.
func (s *Service) StartStream(ctx context.Context, callID string) (string, error) {
	return s.pipeline.Start(ctx, callID)
}

// FinishStream runs the call's buffered speech through the state machine as a
// final stream chunk. The peer closing its media stream is the signal that
// the caller stopped talking.
func (s *Service) FinishStream(ctx context.Context, callID string) (string, error) {
	sess, err := s.store.GetSessionByCallID(ctx, callID)
	if err != nil {
		return "", err
	}
	if sess == nil || sess.Ended() {
		return "", nil
	}
	return s.dispatcher.Submit(ctx, domain.NormalizedEvent{
		CallID:     callID,
		Type:       domain.EventTypeStreamChunk,
		OccurredAt: time.Now(),
		Seq:        sess.LastSeq + 1,
		Final:      true,
	})
}

// DialRequest describes an outbound call to place.
type DialRequest struct {
	To       string `json:"to"`
	From     string `json:"from"`
	Industry string `json:"industry,omitempty"`
	FlowID   string `json:"flow_id,omitempty"`
}

// Dial places an outbound call. The routing context travels in client_state
// so the answer webhook lands on the right flow.
func (s *Service) Dial(ctx context.Context, req DialRequest) (string, error) {
	if req.To == "" || req.From == "" {
		return "", fmt.Errorf("%w: to and from are required", domain.ErrValidation)
	}
	clientState := ""
	if req.Industry != "" || req.FlowID != "" {
		clientState = fmt.Sprintf(`{"industry":%q,"flow_id":%q}`, req.Industry, req.FlowID)
	}
	callID, err := s.dialer.Dial(ctx, req.To, req.From, clientState)
	if err != nil {
		metrics.Errors.WithLabelValues("telephony").Inc()
		return "", fmt.Errorf("failed to place call: %w", err)
	}
	log.Printf("INFO: placed outbound call %s to %s", callID, req.To)
	return callID, nil
}

// TransferCall bridges a live call to a new destination at the provider,
// bypassing the flow's own forward resolution.
func (s *Service) TransferCall(ctx context.Context, callID, to string) error {
	if to == "" {
		return fmt.Errorf("%w: to is required", domain.ErrValidation)
	}
	sess, err := s.store.GetSessionByCallID(ctx, callID)
	if err != nil {
		return err
	}
	if sess == nil {
		return domain.ErrNotFound
	}
	if sess.Ended() {
		return domain.ErrSessionEnded
	}
	return s.dialer.Transfer(ctx, callID, to)
}

// StartCallRecording asks the provider to start recording a live call. The
// recording itself lands later through the recording-saved webhook.
func (s *Service) StartCallRecording(ctx context.Context, callID string) error {
	sess, err := s.store.GetSessionByCallID(ctx, callID)
	if err != nil {
		return err
	}
	if sess == nil {
		return domain.ErrNotFound
	}
	if sess.Ended() {
		return domain.ErrSessionEnded
	}
	return s.dialer.StartRecording(ctx, callID)
}

// HangupCall asks the provider to end a live call.
func (s *Service) HangupCall(ctx context.Context, callID string) error {
	sess, err := s.store.GetSessionByCallID(ctx, callID)
	if err != nil {
		return err
	}
	if sess == nil {
		return domain.ErrNotFound
	}
	if sess.Ended() {
		return domain.ErrSessionEnded
	}
	return s.dialer.Hangup(ctx, callID)
}

// GetCall returns the session for a call id.
func (s *Service) GetCall(ctx context.Context, callID string) (*domain.CallSession, error) {
	sess, err := s.store.GetSessionByCallID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, domain.ErrNotFound
	}
	return sess, nil
}

// ListCallEvents returns the call's event log after the given sequence.
func (s *Service) ListCallEvents(ctx context.Context, callID string, afterSeq int64, limit int) ([]domain.CallEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListEvents(ctx, callID, afterSeq, limit)
}

// ListCallRecordings returns the saved recordings for a call.
func (s *Service) ListCallRecordings(ctx context.Context, callID string) ([]domain.Recording, error) {
	return s.store.ListRecordings(ctx, callID)
}

// SaveFlow validates and stores a flow definition. Malformed definitions are
// rejected here so a bad flow can never reach a live call.
func (s *Service) SaveFlow(ctx context.Context, f *domain.FlowDefinition) error {
	if err := flow.Validate(f); err != nil {
		return err
	}
	f.UpdatedAt = time.Now()
	return s.store.UpsertFlow(ctx, f)
}

// GetFlow returns a flow definition by id.
func (s *Service) GetFlow(ctx context.Context, flowID string) (*domain.FlowDefinition, error) {
	f, err := s.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, domain.ErrNotFound
	}
	return f, nil
}

// ListFlows returns flows, optionally filtered to one industry.
func (s *Service) ListFlows(ctx context.Context, industry string) ([]domain.FlowDefinition, error) {
	return s.store.ListFlows(ctx, industry)
}

// DeleteFlow removes a flow definition.
func (s *Service) DeleteFlow(ctx context.Context, flowID string) error {
	return s.store.DeleteFlow(ctx, flowID)
}

// SaveDID maps an inbound number to an industry and optional flow.
func (s *Service) SaveDID(ctx context.Context, m *domain.DIDMapping) error {
	if m.Number == "" || m.Industry == "" {
		return fmt.Errorf("%w: number and industry are required", domain.ErrValidation)
	}
	m.UpdatedAt = time.Now()
	return s.store.UpsertDID(ctx, m)
}

// ListDIDs returns all number mappings.
func (s *Service) ListDIDs(ctx context.Context) ([]domain.DIDMapping, error) {
	return s.store.ListDIDs(ctx)
}

// DeleteDID removes a number mapping.
func (s *Service) DeleteDID(ctx context.Context, number string) error {
	return s.store.DeleteDID(ctx, number)
}

// CreateAgent registers a forwarding target.
func (s *Service) CreateAgent(ctx context.Context, a *domain.Agent) error {
	if a.Target() == "" {
		return fmt.Errorf("%w: agent needs a phone number or SIP URI", domain.ErrValidation)
	}
	if a.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", domain.ErrValidation)
	}
	if a.Status == "" {
		a.Status = domain.AgentStatusAvailable
	}
	a.CreatedAt = time.Now()
	return s.store.CreateAgent(ctx, a)
}

// GetAgent returns an agent by id.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

// ListAgents returns agents, optionally filtered to one industry.
func (s *Service) ListAgents(ctx context.Context, industry string) ([]domain.Agent, error) {
	return s.store.ListAgents(ctx, industry)
}

// SetAgentStatus updates an agent's availability.
func (s *Service) SetAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) error {
	switch status {
	case domain.AgentStatusAvailable, domain.AgentStatusBusy, domain.AgentStatusOffline:
	default:
		return fmt.Errorf("%w: unknown agent status %q", domain.ErrValidation, status)
	}
	return s.store.UpdateAgentStatus(ctx, agentID, status)
}

// DeleteAgent removes an agent.
func (s *Service) DeleteAgent(ctx context.Context, agentID string) error {
	return s.store.DeleteAgent(ctx, agentID)
}
