// Package repository defines the storage interface and implementations.
package repository

import (
	"context"

	"github.com/tetrixcorps/voicecore/internal/domain"
)

// Store defines the interface for data persistence. All writes to call
// sessions happen through the state machine; other components treat the store
// as a read path during a single event's processing.
type Store interface {
	// Call session operations
	CreateSession(ctx context.Context, session *domain.CallSession) error
	GetSession(ctx context.Context, sessionID string) (*domain.CallSession, error)
	GetSessionByCallID(ctx context.Context, callID string) (*domain.CallSession, error)
	// UpdateSession persists mutable session fields. Sessions with ended_at
	// already set are immutable; the update is silently dropped for them.
	UpdateSession(ctx context.Context, session *domain.CallSession) error

	// Call event operations. AppendEvent reports false when an event with the
	// same dedupe key was already recorded.
	AppendEvent(ctx context.Context, event *domain.CallEvent) (bool, error)
	ListEvents(ctx context.Context, callID string, afterSeq int64, limit int) ([]domain.CallEvent, error)

	// Flow operations
	UpsertFlow(ctx context.Context, flow *domain.FlowDefinition) error
	GetFlow(ctx context.Context, flowID string) (*domain.FlowDefinition, error)
	ListFlows(ctx context.Context, industry string) ([]domain.FlowDefinition, error)
	DeleteFlow(ctx context.Context, flowID string) error

	// DID mapping operations
	UpsertDID(ctx context.Context, m *domain.DIDMapping) error
	GetDID(ctx context.Context, number string) (*domain.DIDMapping, error)
	ListDIDs(ctx context.Context) ([]domain.DIDMapping, error)
	DeleteDID(ctx context.Context, number string) error

	// Agent operations
	CreateAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	ListAgents(ctx context.Context, industry string) ([]domain.Agent, error)
	UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) error
	TouchAgentAssignment(ctx context.Context, agentID string) error
	DeleteAgent(ctx context.Context, agentID string) error

	// Recording operations
	CreateRecording(ctx context.Context, rec *domain.Recording) error
	ListRecordings(ctx context.Context, callID string) ([]domain.Recording, error)

	// Conference participant operations
	AddParticipant(ctx context.Context, p *domain.ConferenceParticipant) error
	MarkParticipantLeft(ctx context.Context, callID, conferenceID string) error

	// Stream operations
	CreateStream(ctx context.Context, stream *domain.Stream) error
	StopStream(ctx context.Context, streamID string) error
	StopStreamsForCall(ctx context.Context, callID string) error
	GetStream(ctx context.Context, streamID string) (*domain.Stream, error)

	// Lifecycle
	Close() error
}
