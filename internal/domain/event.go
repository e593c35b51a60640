package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// CallEvent is the immutable append-only record of a normalized provider
// event. The dedupe key is the provider event id when supplied, otherwise
// callID|type|occurredAt.
type CallEvent struct {
	EventID    string          `json:"event_id"`
	CallID     string          `json:"call_id"`
	DedupeKey  string          `json:"dedupe_key"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Seq        int64           `json:"seq"`
}

// DedupeKey builds the fallback dedupe key for events without a provider id.
func DedupeKey(callID string, eventType EventType, occurredAt time.Time) string {
	return fmt.Sprintf("%s|%s|%s", callID, eventType, occurredAt.UTC().Format(time.RFC3339Nano))
}

// NormalizedEvent is the provider-agnostic representation of a webhook
// notification. Exactly one of the payload fields below is meaningful for a
// given Type.
type NormalizedEvent struct {
	CallID     string
	Type       EventType
	OccurredAt time.Time
	Seq        int64

	// call.initiated / call.answered
	From        string
	To          string
	Direction   CallDirection
	ClientState string

	// call.input.received
	InputKind  InputKind
	InputValue string

	// call.stream.chunk
	Chunk []byte
	Final bool

	// call.recording.saved
	RecordingURL  string
	RecordingSecs int

	// call.ended
	Reason EndReason

	// conference.participant.*
	ConferenceID string
}
