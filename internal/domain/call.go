package domain

import "time"

// CallSession is the authoritative per-call state. It is owned exclusively by
// the orchestration core: once EndedAt is set the row is immutable apart from
// the append-only event log.
type CallSession struct {
	SessionID   string        `json:"session_id"`
	CallID      string        `json:"call_id"`
	ClientState string        `json:"client_state,omitempty"`
	From        string        `json:"from"`
	To          string        `json:"to"`
	Direction   CallDirection `json:"direction"`

	State     CallState `json:"state"`
	EndReason EndReason `json:"end_reason,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`

	// LastSeq is the sequence number of the last normalized event applied.
	LastSeq int64 `json:"last_seq"`

	// Flow context for the active IVR menu.
	Industry    string `json:"industry,omitempty"`
	FlowID      string `json:"flow_id,omitempty"`
	CurrentStep string `json:"current_step,omitempty"`
	InputBuffer string `json:"input_buffer,omitempty"`
	RetryCount  int    `json:"retry_count"`
}

// Ended reports whether the session has reached its terminal state.
func (s *CallSession) Ended() bool {
	return s.EndedAt != nil
}

// Recording is a saved call recording.
type Recording struct {
	RecordingID  string    `json:"recording_id"`
	CallID       string    `json:"call_id"`
	URL          string    `json:"url"`
	DurationSecs int       `json:"duration_secs"`
	CreatedAt    time.Time `json:"created_at"`
}

// ConferenceParticipant links a call to a conference it joined.
type ConferenceParticipant struct {
	CallID       string     `json:"call_id"`
	ConferenceID string     `json:"conference_id"`
	JoinedAt     time.Time  `json:"joined_at"`
	LeftAt       *time.Time `json:"left_at,omitempty"`
}

// Stream is an ephemeral media streaming handle owned by a session.
type Stream struct {
	StreamID  string       `json:"stream_id"`
	CallID    string       `json:"call_id"`
	Kind      string       `json:"kind"`
	Status    StreamStatus `json:"status"`
	StartedAt time.Time    `json:"started_at"`
	StoppedAt *time.Time   `json:"stopped_at,omitempty"`
}
