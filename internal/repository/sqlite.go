package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tetrixcorps/voicecore/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS call_sessions (
			session_id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL UNIQUE,
			client_state TEXT,
			from_number TEXT NOT NULL,
			to_number TEXT NOT NULL,
			direction TEXT NOT NULL,
			state TEXT NOT NULL,
			end_reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			answered_at DATETIME,
			ended_at DATETIME,
			last_seq INTEGER NOT NULL DEFAULT 0,
			industry TEXT,
			flow_id TEXT,
			current_step TEXT,
			input_buffer TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_sessions_call ON call_sessions(call_id)`,
		`CREATE TABLE IF NOT EXISTS call_events (
			event_id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL,
			dedupe_key TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			payload TEXT,
			occurred_at DATETIME NOT NULL,
			seq INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_events_call ON call_events(call_id, seq)`,
		`CREATE TABLE IF NOT EXISTS flows (
			flow_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			industry TEXT NOT NULL,
			steps TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_industry ON flows(industry)`,
		`CREATE TABLE IF NOT EXISTS did_mappings (
			number TEXT PRIMARY KEY,
			industry TEXT NOT NULL,
			flow_id TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			industry TEXT NOT NULL,
			department TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'offline',
			phone_number TEXT,
			sip_uri TEXT,
			skills TEXT,
			last_assigned_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_industry ON agents(industry, department, status)`,
		`CREATE TABLE IF NOT EXISTS recordings (
			recording_id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL,
			url TEXT NOT NULL,
			duration_secs INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_call ON recordings(call_id)`,
		`CREATE TABLE IF NOT EXISTS conference_participants (
			call_id TEXT NOT NULL,
			conference_id TEXT NOT NULL,
			joined_at DATETIME NOT NULL,
			left_at DATETIME,
			PRIMARY KEY (call_id, conference_id)
		)`,
		`CREATE TABLE IF NOT EXISTS streams (
			stream_id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			stopped_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_call ON streams(call_id, status)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession creates a new call session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.CallSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_sessions (session_id, call_id, client_state, from_number, to_number, direction,
			state, end_reason, created_at, answered_at, ended_at, last_seq, industry, flow_id, current_step, input_buffer, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.CallID, session.ClientState, session.From, session.To, session.Direction,
		session.State, session.EndReason, session.CreatedAt, session.AnsweredAt, session.EndedAt,
		session.LastSeq, session.Industry, session.FlowID, session.CurrentStep, session.InputBuffer, session.RetryCount)
	return err
}

const sessionColumns = `session_id, call_id, client_state, from_number, to_number, direction,
	state, end_reason, created_at, answered_at, ended_at, last_seq, industry, flow_id, current_step, input_buffer, retry_count`

func scanSession(row *sql.Row) (*domain.CallSession, error) {
	var sess domain.CallSession
	var clientState, endReason, industry, flowID, currentStep, inputBuffer sql.NullString
	var answeredAt, endedAt sql.NullTime
	err := row.Scan(&sess.SessionID, &sess.CallID, &clientState, &sess.From, &sess.To, &sess.Direction,
		&sess.State, &endReason, &sess.CreatedAt, &answeredAt, &endedAt,
		&sess.LastSeq, &industry, &flowID, &currentStep, &inputBuffer, &sess.RetryCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.ClientState = clientState.String
	sess.EndReason = domain.EndReason(endReason.String)
	sess.Industry = industry.String
	sess.FlowID = flowID.String
	sess.CurrentStep = currentStep.String
	sess.InputBuffer = inputBuffer.String
	if answeredAt.Valid {
		sess.AnsweredAt = &answeredAt.Time
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return &sess, nil
}

// GetSession retrieves a session by internal id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.CallSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// GetSessionByCallID retrieves a session by the provider-assigned call id.
func (s *SQLiteStore) GetSessionByCallID(ctx context.Context, callID string) (*domain.CallSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE call_id = ?`, callID)
	return scanSession(row)
}

// UpdateSession persists mutable session fields. The WHERE guard makes ended
// sessions immutable: the final update (the one that sets ended_at) still
// matches because the stored ended_at is NULL at that point.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *domain.CallSession) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE call_sessions SET state = ?, end_reason = ?, answered_at = ?, ended_at = ?, last_seq = ?,
			industry = ?, flow_id = ?, current_step = ?, input_buffer = ?, retry_count = ?
		 WHERE session_id = ? AND ended_at IS NULL`,
		session.State, session.EndReason, session.AnsweredAt, session.EndedAt, session.LastSeq,
		session.Industry, session.FlowID, session.CurrentStep, session.InputBuffer, session.RetryCount,
		session.SessionID)
	return err
}

// AppendEvent appends a normalized event. Returns false when an event with
// the same dedupe key already exists.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.CallEvent) (bool, error) {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_events (event_id, call_id, dedupe_key, type, payload, occurred_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.CallID, event.DedupeKey, event.Type, payload, event.OccurredAt, event.Seq)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListEvents retrieves events for a call ordered by sequence.
func (s *SQLiteStore) ListEvents(ctx context.Context, callID string, afterSeq int64, limit int) ([]domain.CallEvent, error) {
	query := `SELECT event_id, call_id, dedupe_key, type, payload, occurred_at, seq FROM call_events WHERE call_id = ?`
	args := []interface{}{callID}
	if afterSeq > 0 {
		query += ` AND seq > ?`
		args = append(args, afterSeq)
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.CallEvent
	for rows.Next() {
		var event domain.CallEvent
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.CallID, &event.DedupeKey, &event.Type, &payload, &event.OccurredAt, &event.Seq); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// UpsertFlow creates or replaces a flow definition.
func (s *SQLiteStore) UpsertFlow(ctx context.Context, flow *domain.FlowDefinition) error {
	steps, err := json.Marshal(flow.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO flows (flow_id, name, industry, steps, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(flow_id) DO UPDATE SET name = excluded.name, industry = excluded.industry,
			steps = excluded.steps, updated_at = excluded.updated_at`,
		flow.FlowID, flow.Name, flow.Industry, string(steps), time.Now())
	return err
}

// GetFlow retrieves a flow by id.
func (s *SQLiteStore) GetFlow(ctx context.Context, flowID string) (*domain.FlowDefinition, error) {
	var flow domain.FlowDefinition
	var steps string
	err := s.db.QueryRowContext(ctx,
		`SELECT flow_id, name, industry, steps, updated_at FROM flows WHERE flow_id = ?`,
		flowID).Scan(&flow.FlowID, &flow.Name, &flow.Industry, &steps, &flow.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &flow.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps for flow %s: %w", flowID, err)
	}
	return &flow, nil
}

// ListFlows retrieves flows, optionally filtered by industry.
func (s *SQLiteStore) ListFlows(ctx context.Context, industry string) ([]domain.FlowDefinition, error) {
	query := `SELECT flow_id, name, industry, steps, updated_at FROM flows`
	args := []interface{}{}
	if industry != "" {
		query += ` WHERE industry = ?`
		args = append(args, industry)
	}
	query += ` ORDER BY flow_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []domain.FlowDefinition
	for rows.Next() {
		var flow domain.FlowDefinition
		var steps string
		if err := rows.Scan(&flow.FlowID, &flow.Name, &flow.Industry, &steps, &flow.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(steps), &flow.Steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal steps for flow %s: %w", flow.FlowID, err)
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

// DeleteFlow removes a flow definition.
func (s *SQLiteStore) DeleteFlow(ctx context.Context, flowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE flow_id = ?`, flowID)
	return err
}

// UpsertDID creates or replaces a called-number routing entry.
func (s *SQLiteStore) UpsertDID(ctx context.Context, m *domain.DIDMapping) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO did_mappings (number, industry, flow_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(number) DO UPDATE SET industry = excluded.industry, flow_id = excluded.flow_id,
			updated_at = excluded.updated_at`,
		m.Number, m.Industry, m.FlowID, time.Now())
	return err
}

// GetDID retrieves the routing entry for a called number.
func (s *SQLiteStore) GetDID(ctx context.Context, number string) (*domain.DIDMapping, error) {
	var m domain.DIDMapping
	var flowID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT number, industry, flow_id, updated_at FROM did_mappings WHERE number = ?`,
		number).Scan(&m.Number, &m.Industry, &flowID, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.FlowID = flowID.String
	return &m, nil
}

// ListDIDs retrieves all called-number routing entries.
func (s *SQLiteStore) ListDIDs(ctx context.Context) ([]domain.DIDMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT number, industry, flow_id, updated_at FROM did_mappings ORDER BY number ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []domain.DIDMapping
	for rows.Next() {
		var m domain.DIDMapping
		var flowID sql.NullString
		if err := rows.Scan(&m.Number, &m.Industry, &flowID, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.FlowID = flowID.String
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// DeleteDID removes a called-number routing entry.
func (s *SQLiteStore) DeleteDID(ctx context.Context, number string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM did_mappings WHERE number = ?`, number)
	return err
}

// CreateAgent registers a new agent.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *domain.Agent) error {
	skills, _ := json.Marshal(agent.Skills)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id, name, industry, department, status, phone_number, sip_uri, skills, last_assigned_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.AgentID, agent.Name, agent.Industry, agent.Department, agent.Status,
		agent.PhoneNumber, agent.SIPURI, string(skills), agent.LastAssignedAt, agent.CreatedAt)
	return err
}

const agentColumns = `agent_id, name, industry, department, status, phone_number, sip_uri, skills, last_assigned_at, created_at`

func scanAgent(scan func(dest ...interface{}) error) (*domain.Agent, error) {
	var agent domain.Agent
	var phone, sipURI, skills sql.NullString
	var lastAssigned sql.NullTime
	err := scan(&agent.AgentID, &agent.Name, &agent.Industry, &agent.Department, &agent.Status,
		&phone, &sipURI, &skills, &lastAssigned, &agent.CreatedAt)
	if err != nil {
		return nil, err
	}
	agent.PhoneNumber = phone.String
	agent.SIPURI = sipURI.String
	if skills.Valid && skills.String != "" && skills.String != "null" {
		if err := json.Unmarshal([]byte(skills.String), &agent.Skills); err != nil {
			return nil, fmt.Errorf("failed to unmarshal skills for agent %s: %w", agent.AgentID, err)
		}
	}
	if lastAssigned.Valid {
		agent.LastAssignedAt = &lastAssigned.Time
	}
	return &agent, nil
}

// GetAgent retrieves an agent by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	agent, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return agent, err
}

// ListAgents retrieves agents, optionally filtered by industry.
func (s *SQLiteStore) ListAgents(ctx context.Context, industry string) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	args := []interface{}{}
	if industry != "" {
		query += ` WHERE industry = ?`
		args = append(args, industry)
	}
	query += ` ORDER BY agent_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus transitions an agent's availability.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ? WHERE agent_id = ?`, status, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// TouchAgentAssignment stamps the round-robin bookkeeping timestamp.
func (s *SQLiteStore) TouchAgentAssignment(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_assigned_at = ? WHERE agent_id = ?`, time.Now(), agentID)
	return err
}

// DeleteAgent removes an agent.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
	return err
}

// CreateRecording stores a saved recording reference.
func (s *SQLiteStore) CreateRecording(ctx context.Context, rec *domain.Recording) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings (recording_id, call_id, url, duration_secs, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.RecordingID, rec.CallID, rec.URL, rec.DurationSecs, rec.CreatedAt)
	return err
}

// ListRecordings retrieves recordings for a call.
func (s *SQLiteStore) ListRecordings(ctx context.Context, callID string) ([]domain.Recording, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recording_id, call_id, url, duration_secs, created_at FROM recordings WHERE call_id = ? ORDER BY created_at ASC`,
		callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.Recording
	for rows.Next() {
		var rec domain.Recording
		if err := rows.Scan(&rec.RecordingID, &rec.CallID, &rec.URL, &rec.DurationSecs, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// AddParticipant links a call to a conference.
func (s *SQLiteStore) AddParticipant(ctx context.Context, p *domain.ConferenceParticipant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conference_participants (call_id, conference_id, joined_at) VALUES (?, ?, ?)`,
		p.CallID, p.ConferenceID, p.JoinedAt)
	return err
}

// MarkParticipantLeft records a participant leaving a conference.
func (s *SQLiteStore) MarkParticipantLeft(ctx context.Context, callID, conferenceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conference_participants SET left_at = ? WHERE call_id = ? AND conference_id = ? AND left_at IS NULL`,
		time.Now(), callID, conferenceID)
	return err
}

// CreateStream records a new media stream handle.
func (s *SQLiteStore) CreateStream(ctx context.Context, stream *domain.Stream) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO streams (stream_id, call_id, kind, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		stream.StreamID, stream.CallID, stream.Kind, stream.Status, stream.StartedAt)
	return err
}

// StopStream marks a stream stopped.
func (s *SQLiteStore) StopStream(ctx context.Context, streamID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE streams SET status = ?, stopped_at = ? WHERE stream_id = ? AND status = ?`,
		domain.StreamStatusStopped, time.Now(), streamID, domain.StreamStatusActive)
	return err
}

// StopStreamsForCall marks every active stream of a call stopped.
func (s *SQLiteStore) StopStreamsForCall(ctx context.Context, callID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE streams SET status = ?, stopped_at = ? WHERE call_id = ? AND status = ?`,
		domain.StreamStatusStopped, time.Now(), callID, domain.StreamStatusActive)
	return err
}

// GetStream retrieves a stream by id.
func (s *SQLiteStore) GetStream(ctx context.Context, streamID string) (*domain.Stream, error) {
	var stream domain.Stream
	var stoppedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT stream_id, call_id, kind, status, started_at, stopped_at FROM streams WHERE stream_id = ?`,
		streamID).Scan(&stream.StreamID, &stream.CallID, &stream.Kind, &stream.Status, &stream.StartedAt, &stoppedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if stoppedAt.Valid {
		stream.StoppedAt = &stoppedAt.Time
	}
	return &stream, nil
}
