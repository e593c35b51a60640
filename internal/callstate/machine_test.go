package callstate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tetrixcorps/voicecore/internal/domain"
	"github.com/tetrixcorps/voicecore/internal/policy"
	"github.com/tetrixcorps/voicecore/internal/repository"
	"github.com/tetrixcorps/voicecore/tests/helpers"
)

type fakeResolver struct {
	flow  *domain.FlowDefinition
	agent *domain.Agent
}

func (f *fakeResolver) ResolveFlow(ctx context.Context, industry, flowID string) (*domain.FlowDefinition, error) {
	return f.flow, nil
}

func (f *fakeResolver) PickAgent(ctx context.Context, industry, department string) (*domain.Agent, error) {
	return f.agent, nil
}

type fakePipeline struct {
	transcript string
	reply      string
	finishErr  error
	pushed     int
	stopped    []string
}

func (f *fakePipeline) Start(ctx context.Context, callID string) (string, error) {
	return "strm_test", nil
}
func (f *fakePipeline) Push(callID string, chunk []byte) { f.pushed++ }
func (f *fakePipeline) Finish(ctx context.Context, callID, industry string) (string, string, error) {
	if f.finishErr != nil {
		return "", "", f.finishErr
	}
	return f.transcript, f.reply, nil
}
func (f *fakePipeline) StopAll(ctx context.Context, callID string) {
	f.stopped = append(f.stopped, callID)
}

type fakePolicy struct {
	decision string
}

func (f *fakePolicy) EvaluateForward(ctx context.Context, in policy.ForwardInput) (string, error) {
	if f.decision == "" {
		return policy.DecisionAllow, nil
	}
	return f.decision, nil
}

func menuFlow() *domain.FlowDefinition {
	return &domain.FlowDefinition{
		FlowID:   "retail_main",
		Name:     "Retail",
		Industry: "retail",
		Steps: []domain.FlowStep{
			{ID: "greeting", Kind: domain.StepKindSay, Prompt: "Welcome to the store.", Next: "menu", Fallback: "goodbye"},
			{ID: "menu", Kind: domain.StepKindGather, Prompt: "Press 1 for sales.", InputKind: domain.InputKindDTMF,
				MaxRetries: 2,
				Options:    []domain.StepOption{{Input: "1", Next: "forward_sales"}},
				Fallback:   "voicemail"},
			{ID: "forward_sales", Kind: domain.StepKindForward, Department: "sales", Fallback: "voicemail"},
			{ID: "voicemail", Kind: domain.StepKindRecord, Prompt: "Please leave a message."},
			{ID: "goodbye", Kind: domain.StepKindHangup, Prompt: "Goodbye."},
		},
	}
}

func speechFlow() *domain.FlowDefinition {
	return &domain.FlowDefinition{
		FlowID:   "retail_speech",
		Name:     "Retail speech",
		Industry: "retail",
		Steps: []domain.FlowStep{
			{ID: "ask", Kind: domain.StepKindGather, Prompt: "How can I help you today?",
				InputKind:  domain.InputKindSpeech,
				MaxRetries: 2,
				Options:    []domain.StepOption{{Input: "sales", Next: "voicemail"}},
				Fallback:   "voicemail"},
			{ID: "voicemail", Kind: domain.StepKindRecord, Prompt: "Please leave a message."},
		},
	}
}

func newTestMachine(t *testing.T) (*Machine, repository.Store, *fakeResolver, *fakePipeline) {
	t.Helper()
	store := helpers.NewTestSQLiteStore(t)
	resolver := &fakeResolver{
		flow: menuFlow(),
		agent: &domain.Agent{
			AgentID: "a1", Name: "Sam", Industry: "retail", Department: "sales",
			Status: domain.AgentStatusAvailable, PhoneNumber: "+15550009999",
		},
	}
	pipe := &fakePipeline{}
	m := NewMachine(store, resolver, pipe, &fakePolicy{}, "https://core.example.com", 2)
	return m, store, resolver, pipe
}

func initiated(seq int64) domain.NormalizedEvent {
	return domain.NormalizedEvent{
		CallID:     "call_1",
		Type:       domain.EventTypeInitiated,
		OccurredAt: time.Now(),
		Seq:        seq,
		From:       "+15550001111",
		To:         "+15550002222",
		Direction:  domain.DirectionInbound,
	}
}

func dtmf(seq int64, digits string) domain.NormalizedEvent {
	return domain.NormalizedEvent{
		CallID:     "call_1",
		Type:       domain.EventTypeInputReceived,
		OccurredAt: time.Now(),
		Seq:        seq,
		InputKind:  domain.InputKindDTMF,
		InputValue: digits,
	}
}

func ended(seq int64) domain.NormalizedEvent {
	return domain.NormalizedEvent{
		CallID:     "call_1",
		Type:       domain.EventTypeEnded,
		OccurredAt: time.Now(),
		Seq:        seq,
		Reason:     domain.EndReasonCompleted,
	}
}

func TestMachineHappyPath(t *testing.T) {
	ctx := context.Background()
	m, store, _, pipe := newTestMachine(t)

	// Initiated renders the greeting collapsed into the menu gather.
	doc, err := m.Apply(ctx, initiated(1))
	if err != nil {
		t.Fatalf("Apply initiated failed: %v", err)
	}
	if !strings.Contains(doc, "Welcome to the store.") || !strings.Contains(doc, "<Gather") {
		t.Fatalf("expected greeting gather, got: %s", doc)
	}

	sess, err := store.GetSessionByCallID(ctx, "call_1")
	if err != nil || sess == nil {
		t.Fatalf("session not created: %v", err)
	}
	if sess.State != domain.CallStateGathering || sess.CurrentStep != "menu" {
		t.Fatalf("unexpected session: state=%s step=%s", sess.State, sess.CurrentStep)
	}

	// Matching input advances to the forward step.
	doc, err = m.Apply(ctx, dtmf(2, "1"))
	if err != nil {
		t.Fatalf("Apply input failed: %v", err)
	}
	if !strings.Contains(doc, "<Dial") || !strings.Contains(doc, "+15550009999") {
		t.Fatalf("expected dial document, got: %s", doc)
	}
	sess, _ = store.GetSessionByCallID(ctx, "call_1")
	if sess.State != domain.CallStateForwarding {
		t.Fatalf("expected FORWARDING, got %s", sess.State)
	}

	// Ended freezes the session and releases streams.
	doc, err = m.Apply(ctx, ended(3))
	if err != nil {
		t.Fatalf("Apply ended failed: %v", err)
	}
	if doc != "" {
		t.Fatalf("ended should produce no document, got: %s", doc)
	}
	sess, _ = store.GetSessionByCallID(ctx, "call_1")
	if !sess.Ended() || sess.EndReason != domain.EndReasonCompleted {
		t.Fatalf("session not frozen: %+v", sess)
	}
	if len(pipe.stopped) != 1 || pipe.stopped[0] != "call_1" {
		t.Fatalf("streams not released: %+v", pipe.stopped)
	}
}

func TestMachineRetryThenFallback(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newTestMachine(t)

	if _, err := m.Apply(ctx, initiated(1)); err != nil {
		t.Fatalf("Apply initiated failed: %v", err)
	}

	// First unrecognized input re-prompts the same gather.
	doc, err := m.Apply(ctx, dtmf(2, "9"))
	if err != nil {
		t.Fatalf("Apply bad input failed: %v", err)
	}
	if !strings.Contains(doc, "<Gather") || !strings.Contains(doc, "try again") {
		t.Fatalf("expected re-prompt gather, got: %s", doc)
	}
	sess, _ := store.GetSessionByCallID(ctx, "call_1")
	if sess.RetryCount != 1 || sess.CurrentStep != "menu" {
		t.Fatalf("retry not counted: %+v", sess)
	}

	// The budget of 2 grants a second retry: the second miss still
	// re-prompts the same gather.
	doc, err = m.Apply(ctx, dtmf(3, "0"))
	if err != nil {
		t.Fatalf("Apply bad input failed: %v", err)
	}
	if !strings.Contains(doc, "<Gather") {
		t.Fatalf("second miss should re-prompt, got: %s", doc)
	}
	sess, _ = store.GetSessionByCallID(ctx, "call_1")
	if sess.RetryCount != 2 || sess.CurrentStep != "menu" {
		t.Fatalf("second retry not counted: %+v", sess)
	}

	// The third miss exhausts the budget and runs the fallback instead of
	// another prompt.
	doc, err = m.Apply(ctx, dtmf(4, "7"))
	if err != nil {
		t.Fatalf("Apply bad input failed: %v", err)
	}
	if !strings.Contains(doc, "<Record") {
		t.Fatalf("expected voicemail fallback, got: %s", doc)
	}
	sess, _ = store.GetSessionByCallID(ctx, "call_1")
	if sess.State != domain.CallStateRecording || sess.CurrentStep != "voicemail" {
		t.Fatalf("fallback not applied: %+v", sess)
	}
	if sess.RetryCount != 0 {
		t.Fatalf("retry count not reset: %d", sess.RetryCount)
	}
}

func TestMachineMatchResetsRetries(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newTestMachine(t)

	if _, err := m.Apply(ctx, initiated(1)); err != nil {
		t.Fatalf("Apply initiated failed: %v", err)
	}
	if _, err := m.Apply(ctx, dtmf(2, "9")); err != nil {
		t.Fatalf("Apply bad input failed: %v", err)
	}
	if _, err := m.Apply(ctx, dtmf(3, "1")); err != nil {
		t.Fatalf("Apply good input failed: %v", err)
	}
	sess, _ := store.GetSessionByCallID(ctx, "call_1")
	if sess.RetryCount != 0 {
		t.Fatalf("match did not reset retries: %d", sess.RetryCount)
	}
}

func TestMachineProviderErrorKeepsRetryBudget(t *testing.T) {
	ctx := context.Background()
	m, store, resolver, pipe := newTestMachine(t)
	resolver.flow = speechFlow()
	pipe.finishErr = errors.New("transcriber unavailable")

	if _, err := m.Apply(ctx, initiated(1)); err != nil {
		t.Fatalf("Apply initiated failed: %v", err)
	}

	// A transcription failure is not the caller's miss: the fixed fallback
	// line re-prompts the same gather and no retry is spent.
	ev := domain.NormalizedEvent{
		CallID: "call_1", Type: domain.EventTypeInputReceived,
		OccurredAt: time.Now(), Seq: 2, InputKind: domain.InputKindSpeech,
	}
	doc, err := m.Apply(ctx, ev)
	if err != nil {
		t.Fatalf("Apply speech input failed: %v", err)
	}
	if !strings.Contains(doc, "<Gather") || !strings.Contains(doc, "catch that") {
		t.Fatalf("expected fallback re-prompt, got: %s", doc)
	}
	sess, _ := store.GetSessionByCallID(ctx, "call_1")
	if sess.RetryCount != 0 {
		t.Fatalf("provider failure consumed a retry: %d", sess.RetryCount)
	}
	if sess.CurrentStep != "ask" {
		t.Fatalf("step moved on provider failure: %s", sess.CurrentStep)
	}

	// A provider-supplied transcript that genuinely matches nothing still
	// spends the budget even while the pipeline is down.
	ev = domain.NormalizedEvent{
		CallID: "call_1", Type: domain.EventTypeInputReceived,
		OccurredAt: time.Now(), Seq: 3,
		InputKind: domain.InputKindSpeech, InputValue: "banana",
	}
	if _, err := m.Apply(ctx, ev); err != nil {
		t.Fatalf("Apply speech input failed: %v", err)
	}
	sess, _ = store.GetSessionByCallID(ctx, "call_1")
	if sess.RetryCount != 1 {
		t.Fatalf("genuine no-match did not count: %d", sess.RetryCount)
	}
}

func TestMachineFinalStreamChunkFinishesSpeechGather(t *testing.T) {
	ctx := context.Background()
	m, store, resolver, pipe := newTestMachine(t)
	resolver.flow = speechFlow()
	pipe.transcript = "sales please"

	if _, err := m.Apply(ctx, initiated(1)); err != nil {
		t.Fatalf("Apply initiated failed: %v", err)
	}

	chunk := domain.NormalizedEvent{
		CallID: "call_1", Type: domain.EventTypeStreamChunk,
		OccurredAt: time.Now(), Seq: 2, Chunk: []byte{1, 2, 3},
	}
	if doc, err := m.Apply(ctx, chunk); err != nil || doc != "" {
		t.Fatalf("non-final chunk produced doc=%q err=%v", doc, err)
	}
	if pipe.pushed != 1 {
		t.Fatalf("chunk not pushed: %d", pipe.pushed)
	}

	// The final chunk closes the stream and routes the transcript through
	// the gather's transition table.
	final := domain.NormalizedEvent{
		CallID: "call_1", Type: domain.EventTypeStreamChunk,
		OccurredAt: time.Now(), Seq: 3, Final: true,
	}
	doc, err := m.Apply(ctx, final)
	if err != nil {
		t.Fatalf("Apply final chunk failed: %v", err)
	}
	if !strings.Contains(doc, "<Record") {
		t.Fatalf("expected transcript match to advance the flow, got: %s", doc)
	}
	sess, _ := store.GetSessionByCallID(ctx, "call_1")
	if sess.CurrentStep != "voicemail" {
		t.Fatalf("flow did not advance: %s", sess.CurrentStep)
	}
}

func TestMachineRingingUpdatesState(t *testing.T) {
	ctx := context.Background()
	m, store, resolver, _ := newTestMachine(t)
	resolver.flow = nil

	if _, err := m.Apply(ctx, initiated(1)); err != nil {
		t.Fatalf("Apply initiated failed: %v", err)
	}
	ev := domain.NormalizedEvent{
		CallID: "call_1", Type: domain.EventTypeRinging,
		OccurredAt: time.Now(), Seq: 2,
	}
	doc, err := m.Apply(ctx, ev)
	if err != nil {
		t.Fatalf("Apply ringing failed: %v", err)
	}
	if doc != "" {
		t.Fatalf("ringing produced a document: %s", doc)
	}
	sess, _ := store.GetSessionByCallID(ctx, "call_1")
	if sess.State != domain.CallStateRinging {
		t.Fatalf("expected RINGING, got %s", sess.State)
	}
}

func TestMachineAgentUnavailableUsesFallback(t *testing.T) {
	ctx := context.Background()
	m, store, resolver, _ := newTestMachine(t)
	resolver.agent = nil

	if _, err := m.Apply(ctx, initiated(1)); err != nil {
		t.Fatalf("Apply initiated failed: %v", err)
	}
	doc, err := m.Apply(ctx, dtmf(2, "1"))
	if err != nil {
		t.Fatalf("Apply input failed: %v", err)
	}
	if !strings.Contains(doc, "<Record") {
		t.Fatalf("expected voicemail fallback, got: %s", doc)
	}
	sess, _ := store.GetSessionByCallID(ctx, "call_1")
	if sess.Ended() {
		t.Fatal("call failed instead of falling back")
	}
}

func TestMachinePolicyBlockUsesFallback(t *testing.T) {
	ctx := context.Background()
	store := helpers.NewTestSQLiteStore(t)
	resolver := &fakeResolver{
		flow: menuFlow(),
		agent: &domain.Agent{
			AgentID: "a1", Industry: "retail", Department: "sales",
			Status: domain.AgentStatusAvailable, PhoneNumber: "not-a-number",
		},
	}
	m := NewMachine(store, resolver, &fakePipeline{}, &fakePolicy{decision: policy.DecisionBlock},
		"https://core.example.com", 2)

	if _, err := m.Apply(ctx, initiated(1)); err != nil {
		t.Fatalf("Apply initiated failed: %v", err)
	}
	doc, err := m.Apply(ctx, dtmf(2, "1"))
	if err != nil {
		t.Fatalf("Apply input failed: %v", err)
	}
	if strings.Contains(doc, "<Dial") {
		t.Fatalf("blocked forward still dialed: %s", doc)
	}
	if !strings.Contains(doc, "<Record") {
		t.Fatalf("expected fallback document, got: %s", doc)
	}
}

func TestMachineEndedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, store, _, pipe := newTestMachine(t)

	if _, err := m.Apply(ctx, initiated(1)); err != nil {
		t.Fatalf("Apply initiated failed: %v", err)
	}
	if _, err := m.Apply(ctx, ended(2)); err != nil {
		t.Fatalf("Apply ended failed: %v", err)
	}
	sess, _ := store.GetSessionByCallID(ctx, "call_1")
	firstEnd := *sess.EndedAt

	doc, err := m.Apply(ctx, ended(3))
	if err != nil {
		t.Fatalf("second ended errored: %v", err)
	}
	if doc != "" {
		t.Fatalf("second ended produced a document: %s", doc)
	}
	sess, _ = store.GetSessionByCallID(ctx, "call_1")
	if !sess.EndedAt.Equal(firstEnd) {
		t.Fatal("second ended moved the end timestamp")
	}
	if len(pipe.stopped) != 1 {
		t.Fatalf("streams stopped more than once: %+v", pipe.stopped)
	}
}

func TestMachineEventsAfterEndedAreMoot(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newTestMachine(t)

	if _, err := m.Apply(ctx, initiated(1)); err != nil {
		t.Fatalf("Apply initiated failed: %v", err)
	}
	if _, err := m.Apply(ctx, ended(5)); err != nil {
		t.Fatalf("Apply ended failed: %v", err)
	}

	// A late input event, even with a fresh sequence, lands on a frozen
	// session and is dropped.
	doc, err := m.Apply(ctx, dtmf(6, "1"))
	if err != nil {
		t.Fatalf("late input errored: %v", err)
	}
	if doc != "" {
		t.Fatalf("late input produced a document: %s", doc)
	}
	sess, _ := store.GetSessionByCallID(ctx, "call_1")
	if sess.State != domain.CallStateEnded {
		t.Fatalf("frozen session mutated: %s", sess.State)
	}
}

func TestMachineStaleSeqDropped(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newTestMachine(t)

	if _, err := m.Apply(ctx, initiated(10)); err != nil {
		t.Fatalf("Apply initiated failed: %v", err)
	}
	doc, err := m.Apply(ctx, dtmf(4, "1"))
	if err != nil {
		t.Fatalf("stale event errored: %v", err)
	}
	if doc != "" {
		t.Fatalf("stale event produced a document: %s", doc)
	}
	sess, _ := store.GetSessionByCallID(ctx, "call_1")
	if sess.CurrentStep != "menu" || sess.LastSeq != 10 {
		t.Fatalf("stale event mutated session: %+v", sess)
	}
}

func TestMachineTotality(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newTestMachine(t)

	if _, err := m.Apply(ctx, initiated(1)); err != nil {
		t.Fatalf("Apply initiated failed: %v", err)
	}

	// Every event type, in every state the session passes through, must
	// produce a defined outcome without an error.
	types := []domain.EventType{
		domain.EventTypeInitiated,
		domain.EventTypeRinging,
		domain.EventTypeAnswered,
		domain.EventTypeInputReceived,
		domain.EventTypeStreamChunk,
		domain.EventTypeRecordingSaved,
		domain.EventTypeParticipantJoined,
		domain.EventTypeParticipantLeft,
		domain.EventType("call.unknown.v99"),
		domain.EventTypeEnded,
	}
	seq := int64(2)
	for _, et := range types {
		ev := domain.NormalizedEvent{
			CallID:     "call_1",
			Type:       et,
			OccurredAt: time.Now(),
			Seq:        seq,
		}
		seq++
		doc, err := m.Apply(ctx, ev)
		if err != nil {
			t.Fatalf("Apply %s errored: %v", et, err)
		}
		if doc != "" {
			if !strings.Contains(doc, "<Response>") {
				t.Fatalf("Apply %s produced malformed document: %s", et, doc)
			}
		}
	}

	sess, _ := store.GetSessionByCallID(ctx, "call_1")
	if !sess.Ended() {
		t.Fatal("session did not terminate")
	}
}

func TestMachineUnknownEventIsRecorded(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newTestMachine(t)

	if _, err := m.Apply(ctx, initiated(1)); err != nil {
		t.Fatalf("Apply initiated failed: %v", err)
	}
	ev := domain.NormalizedEvent{
		CallID: "call_1", Type: domain.EventType("call.exotic"),
		OccurredAt: time.Now(), Seq: 2,
	}
	if _, err := m.Apply(ctx, ev); err != nil {
		t.Fatalf("Apply unknown failed: %v", err)
	}

	events, err := store.ListEvents(ctx, "call_1", 0, 50)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Type == domain.EventTypeValidationFailed {
			found = true
		}
	}
	if !found {
		t.Fatal("unknown event was not recorded in the audit log")
	}
}

func TestMachineRecordingSaved(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newTestMachine(t)

	if _, err := m.Apply(ctx, initiated(1)); err != nil {
		t.Fatalf("Apply initiated failed: %v", err)
	}
	ev := domain.NormalizedEvent{
		CallID: "call_1", Type: domain.EventTypeRecordingSaved,
		OccurredAt: time.Now(), Seq: 2,
		RecordingURL: "https://cdn.example.com/rec1.mp3", RecordingSecs: 42,
	}
	if _, err := m.Apply(ctx, ev); err != nil {
		t.Fatalf("Apply recording failed: %v", err)
	}

	recs, err := store.ListRecordings(ctx, "call_1")
	if err != nil {
		t.Fatalf("ListRecordings failed: %v", err)
	}
	if len(recs) != 1 || recs[0].URL != "https://cdn.example.com/rec1.mp3" || recs[0].DurationSecs != 42 {
		t.Fatalf("unexpected recordings: %+v", recs)
	}
}
