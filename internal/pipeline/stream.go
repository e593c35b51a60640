package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetrixcorps/voicecore/internal/domain"
	"github.com/tetrixcorps/voicecore/internal/metrics"
	"github.com/tetrixcorps/voicecore/internal/repository"
)

// FallbackPrompt is spoken when transcription or response generation fails.
// Pipeline failures degrade to this fixed re-prompt; they never abort a call.
const FallbackPrompt = "I'm sorry, I didn't catch that. Could you please repeat that?"

// Manager owns the ephemeral audio streams of active calls. A stream never
// outlives its session: StopAll runs when the owning call ends and cancels
// any in-flight transcription tied to it.
type Manager struct {
	store     repository.Store
	stt       Transcriber
	responder Responder

	sttTimeout  time.Duration
	respTimeout time.Duration

	mu      sync.Mutex
	streams map[string]*activeStream // keyed by call id, one active stream per call
}

type activeStream struct {
	streamID string
	callID   string
	ctx      context.Context
	cancel   context.CancelFunc

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewManager creates a stream manager.
func NewManager(store repository.Store, stt Transcriber, responder Responder, sttTimeout, respTimeout time.Duration) *Manager {
	return &Manager{
		store:       store,
		stt:         stt,
		responder:   responder,
		sttTimeout:  sttTimeout,
		respTimeout: respTimeout,
		streams:     make(map[string]*activeStream),
	}
}

// Start opens a stream for the call, replacing any previous one.
func (m *Manager) Start(ctx context.Context, callID string) (string, error) {
	streamID := "strm_" + uuid.New().String()[:8]
	stream := &domain.Stream{
		StreamID:  streamID,
		CallID:    callID,
		Kind:      "audio",
		Status:    domain.StreamStatusActive,
		StartedAt: time.Now(),
	}
	if err := m.store.CreateStream(ctx, stream); err != nil {
		return "", fmt.Errorf("failed to create stream: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if prev, ok := m.streams[callID]; ok {
		prev.cancel()
		if err := m.store.StopStream(ctx, prev.streamID); err != nil {
			log.Printf("WARN: failed to stop replaced stream %s: %v", prev.streamID, err)
		}
	} else {
		metrics.StreamsActive.Inc()
	}
	m.streams[callID] = &activeStream{streamID: streamID, callID: callID, ctx: sctx, cancel: cancel}
	m.mu.Unlock()

	return streamID, nil
}

// Push appends an audio chunk to the call's active stream. Chunks for calls
// without an active stream are dropped; the provider may keep sending media
// briefly after a step changes.
func (m *Manager) Push(callID string, chunk []byte) {
	m.mu.Lock()
	stream, ok := m.streams[callID]
	m.mu.Unlock()
	if !ok {
		return
	}
	stream.mu.Lock()
	stream.buf.Write(chunk)
	stream.mu.Unlock()
}

// Finish closes the call's stream, transcribes the buffered audio and
// generates a spoken response. The transcript is returned even when response
// generation fails, so the caller can still match it against a transition
// table. The error return is advisory: callers substitute FallbackPrompt and
// keep the call alive.
func (m *Manager) Finish(ctx context.Context, callID, industry string) (string, string, error) {
	m.mu.Lock()
	stream, ok := m.streams[callID]
	m.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("no active stream for call %s", callID)
	}
	// The stream stays registered until we return so a concurrent StopAll
	// can still cancel the in-flight transcription.
	defer m.release(stream)
	if err := m.store.StopStream(ctx, stream.streamID); err != nil {
		log.Printf("WARN: failed to mark stream %s stopped: %v", stream.streamID, err)
	}

	stream.mu.Lock()
	audio := stream.buf.Bytes()
	stream.mu.Unlock()
	if len(audio) == 0 {
		return "", "", fmt.Errorf("stream %s has no audio", stream.streamID)
	}

	// The stream context makes these calls cooperatively cancellable when the
	// call ends mid-flight.
	sttCtx, cancel := context.WithTimeout(stream.ctx, m.sttTimeout)
	defer cancel()
	transcript, err := m.stt.Transcribe(sttCtx, audio)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrProviderTimeout, err)
	}
	if transcript == "" {
		return "", "", fmt.Errorf("empty transcript for stream %s", stream.streamID)
	}

	// A late result is discarded if the call ended while we were waiting.
	if stream.ctx.Err() != nil {
		return "", "", domain.ErrSessionEnded
	}

	respCtx, cancel := context.WithTimeout(stream.ctx, m.respTimeout)
	defer cancel()
	reply, err := m.responder.Respond(respCtx, transcript, industry)
	if err != nil {
		return transcript, "", fmt.Errorf("%w: %v", domain.ErrProviderTimeout, err)
	}
	if stream.ctx.Err() != nil {
		return "", "", domain.ErrSessionEnded
	}
	return transcript, reply, nil
}

// release cancels a stream and drops it from the registry if still present.
func (m *Manager) release(stream *activeStream) {
	m.mu.Lock()
	if cur, ok := m.streams[stream.callID]; ok && cur == stream {
		delete(m.streams, stream.callID)
		metrics.StreamsActive.Dec()
	}
	m.mu.Unlock()
	stream.cancel()
}

// StopAll releases every stream owned by the call. Safe to call repeatedly;
// it is part of idempotent call termination.
func (m *Manager) StopAll(ctx context.Context, callID string) {
	m.mu.Lock()
	stream, ok := m.streams[callID]
	if ok {
		delete(m.streams, callID)
		metrics.StreamsActive.Dec()
	}
	m.mu.Unlock()
	if ok {
		stream.cancel()
	}
	if err := m.store.StopStreamsForCall(ctx, callID); err != nil {
		log.Printf("WARN: failed to stop streams for call %s: %v", callID, err)
	}
}

// Active reports whether the call currently has an open stream.
func (m *Manager) Active(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[callID]
	return ok
}
