package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tetrixcorps/voicecore/internal/callstate"
	"github.com/tetrixcorps/voicecore/internal/domain"
	"github.com/tetrixcorps/voicecore/internal/policy"
	"github.com/tetrixcorps/voicecore/internal/service"
	"github.com/tetrixcorps/voicecore/tests/helpers"
)

type stubPipeline struct {
	mu         sync.Mutex
	transcript string
	pushed     [][]byte
}

func (s *stubPipeline) Start(ctx context.Context, callID string) (string, error) {
	return "strm_ws", nil
}

func (s *stubPipeline) Push(callID string, chunk []byte) {
	s.mu.Lock()
	s.pushed = append(s.pushed, chunk)
	s.mu.Unlock()
}

func (s *stubPipeline) Finish(ctx context.Context, callID, industry string) (string, string, error) {
	return s.transcript, "", nil
}

func (s *stubPipeline) StopAll(ctx context.Context, callID string) {}

type stubResolver struct {
	flow *domain.FlowDefinition
}

func (s *stubResolver) ResolveFlow(ctx context.Context, industry, flowID string) (*domain.FlowDefinition, error) {
	return s.flow, nil
}

func (s *stubResolver) PickAgent(ctx context.Context, industry, department string) (*domain.Agent, error) {
	return nil, nil
}

type allowPolicy struct{}

func (allowPolicy) EvaluateForward(ctx context.Context, in policy.ForwardInput) (string, error) {
	return policy.DecisionAllow, nil
}

func TestMediaStopFrameFinishesStream(t *testing.T) {
	store := helpers.NewTestSQLiteStore(t)
	pipe := &stubPipeline{transcript: "sales please"}
	resolver := &stubResolver{flow: &domain.FlowDefinition{
		FlowID:   "retail_speech",
		Industry: "retail",
		Steps: []domain.FlowStep{
			{ID: "ask", Kind: domain.StepKindGather, Prompt: "How can I help?",
				InputKind: domain.InputKindSpeech,
				Options:   []domain.StepOption{{Input: "sales", Next: "bye"}},
				Fallback:  "bye"},
			{ID: "bye", Kind: domain.StepKindHangup, Prompt: "Goodbye."},
		},
	}}
	machine := callstate.NewMachine(store, resolver, pipe, allowPolicy{}, "https://core.example.com", 2)
	dispatcher := callstate.NewDispatcher(machine, 5*time.Second)
	t.Cleanup(dispatcher.Close)
	svc := service.New(store, dispatcher, pipe, nil)

	if _, err := dispatcher.Submit(context.Background(), domain.NormalizedEvent{
		CallID: "call_ws", Type: domain.EventTypeInitiated,
		OccurredAt: time.Now(), Seq: 1,
		From: "+15550001111", To: "+15550002222", Direction: domain.DirectionInbound,
	}); err != nil {
		t.Fatalf("Submit initiated failed: %v", err)
	}

	e := echo.New()
	NewMediaHandler(svc, 4).Register(e)
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/webhooks/voice/media/call_ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write audio failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`)); err != nil {
		t.Fatalf("write stop failed: %v", err)
	}

	// The stop frame drives the buffered speech through the state machine:
	// the transcript matches the gather option and the call advances.
	deadline := time.Now().Add(2 * time.Second)
	for {
		sess, err := store.GetSessionByCallID(context.Background(), "call_ws")
		if err != nil {
			t.Fatalf("GetSessionByCallID failed: %v", err)
		}
		if sess != nil && sess.CurrentStep == "bye" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stop frame did not advance the call: %+v", sess)
		}
		time.Sleep(10 * time.Millisecond)
	}

	pipe.mu.Lock()
	pushed := len(pipe.pushed)
	pipe.mu.Unlock()
	if pushed != 1 {
		t.Fatalf("expected one pushed chunk, got %d", pushed)
	}
}
