// Package domain defines the core domain models for the voice orchestration core.
package domain

// CallState represents where a call is in its lifecycle.
type CallState string

const (
	CallStateInitiated  CallState = "INITIATED"
	CallStateRinging    CallState = "RINGING"
	CallStateAnswered   CallState = "ANSWERED"
	CallStateGathering  CallState = "GATHERING"
	CallStateSpeaking   CallState = "SPEAKING"
	CallStateRecording  CallState = "RECORDING"
	CallStateForwarding CallState = "FORWARDING"
	CallStateEnded      CallState = "ENDED"
)

// EndReason qualifies the terminal ENDED state.
type EndReason string

const (
	EndReasonCompleted     EndReason = "completed"
	EndReasonFailed        EndReason = "failed"
	EndReasonNoAnswer      EndReason = "no-answer"
	EndReasonProviderError EndReason = "provider-error"
)

// CallDirection is the direction of a call relative to the platform.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// AgentStatus represents the availability of a live agent.
type AgentStatus string

const (
	AgentStatusAvailable AgentStatus = "available"
	AgentStatusBusy      AgentStatus = "busy"
	AgentStatusOffline   AgentStatus = "offline"
)

// StreamStatus represents the lifecycle of a media stream.
type StreamStatus string

const (
	StreamStatusActive  StreamStatus = "active"
	StreamStatusStopped StreamStatus = "stopped"
)

// StepKind is the kind of an IVR flow step.
type StepKind string

const (
	StepKindSay     StepKind = "say"
	StepKindGather  StepKind = "gather"
	StepKindForward StepKind = "forward"
	StepKindRecord  StepKind = "record"
	StepKindHangup  StepKind = "hangup"
)

// InputKind is the kind of caller input a gather step expects.
type InputKind string

const (
	InputKindDTMF   InputKind = "dtmf"
	InputKindSpeech InputKind = "speech"
	InputKindNone   InputKind = "none"
)

// EventType represents the type of a normalized call event.
type EventType string

const (
	EventTypeInitiated      EventType = "call.initiated"
	EventTypeRinging        EventType = "call.ringing"
	EventTypeAnswered       EventType = "call.answered"
	EventTypeInputReceived  EventType = "call.input.received"
	EventTypeStreamChunk    EventType = "call.stream.chunk"
	EventTypeRecordingSaved EventType = "call.recording.saved"
	EventTypeEnded          EventType = "call.ended"

	// Conference passthrough events.
	EventTypeParticipantJoined EventType = "conference.participant.joined"
	EventTypeParticipantLeft   EventType = "conference.participant.left"

	// Audit-only event types written by the core itself.
	EventTypeValidationFailed EventType = "core.validation.failed"
	EventTypeProviderTimeout  EventType = "core.provider.timeout"
	EventTypeDocumentFallback EventType = "core.document.fallback"
	EventTypePolicyDecision   EventType = "core.policy.decision"
)
