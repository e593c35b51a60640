// Package webhook is the provider-facing ingestion gateway: it authenticates
// deliveries, normalizes provider payloads and replies with control
// documents.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tetrixcorps/voicecore/internal/domain"
	"github.com/tetrixcorps/voicecore/internal/metrics"
	"github.com/tetrixcorps/voicecore/internal/service"
	"github.com/tetrixcorps/voicecore/internal/texml"
)

const (
	headerSignature = "X-Webhook-Signature"
	headerTimestamp = "X-Webhook-Timestamp"

	// Deliveries older or newer than this are rejected as replays.
	timestampTolerance = 300 * time.Second
)

// Handler terminates provider webhooks.
type Handler struct {
	svc    *service.Service
	secret string
}

// NewHandler creates the webhook handler. An empty secret disables signature
// verification (local development only).
func NewHandler(svc *service.Service, secret string) *Handler {
	if secret == "" {
		log.Printf("WARN: webhook secret not configured, signature verification disabled")
	}
	return &Handler{svc: svc, secret: secret}
}

// Register mounts the webhook routes on the public server.
func (h *Handler) Register(e *echo.Echo) {
	e.POST("/webhooks/voice", h.HandleVoice)
	e.POST("/webhooks/voice/events", h.HandleVoiceEvents)
}

// HandleVoice processes a call-control webhook and answers with a TeXML
// document. Business failures never surface as non-200: the provider either
// gets a real document or the safe hangup.
func (h *Handler) HandleVoice(c echo.Context) error {
	body, err := h.authenticate(c)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("unauthorized").Inc()
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
	}

	ev, eventID, err := normalize(body)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("malformed").Inc()
		log.Printf("WARN: malformed webhook payload: %v", err)
		return xmlResponse(c, texml.SafeHangup())
	}

	doc, err := h.svc.HandleEvent(c.Request().Context(), ev, eventID, body)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("error").Inc()
		log.Printf("ERROR: failed to handle event %s for call %s: %v", ev.Type, ev.CallID, err)
		return xmlResponse(c, texml.SafeHangup())
	}

	metrics.WebhooksTotal.WithLabelValues("ok").Inc()
	if doc == "" {
		doc = emptyDocument()
	}
	return xmlResponse(c, doc)
}

// HandleVoiceEvents processes notification-only webhooks (recording saved,
// hangup, conference membership) and answers with a JSON ack.
func (h *Handler) HandleVoiceEvents(c echo.Context) error {
	body, err := h.authenticate(c)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("unauthorized").Inc()
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
	}

	ev, eventID, err := normalize(body)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("malformed").Inc()
		log.Printf("WARN: malformed webhook payload: %v", err)
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	if _, err := h.svc.HandleEvent(c.Request().Context(), ev, eventID, body); err != nil {
		metrics.WebhooksTotal.WithLabelValues("error").Inc()
		log.Printf("ERROR: failed to handle event %s for call %s: %v", ev.Type, ev.CallID, err)
		return c.JSON(http.StatusOK, map[string]string{"status": "error"})
	}

	metrics.WebhooksTotal.WithLabelValues("ok").Inc()
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate reads the body and verifies the delivery signature. It
// returns domain.ErrAuthenticationFailure before any state is touched.
func (h *Handler) authenticate(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	if h.secret == "" {
		return body, nil
	}

	sig := c.Request().Header.Get(headerSignature)
	ts := c.Request().Header.Get(headerTimestamp)
	if sig == "" || ts == "" {
		return nil, domain.ErrAuthenticationFailure
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, domain.ErrAuthenticationFailure
	}
	drift := time.Since(time.Unix(unix, 0))
	if math.Abs(drift.Seconds()) > timestampTolerance.Seconds() {
		return nil, domain.ErrAuthenticationFailure
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return nil, domain.ErrAuthenticationFailure
	}
	return body, nil
}

// envelope is the provider's webhook wrapper.
type envelope struct {
	Data struct {
		ID         string         `json:"id"`
		EventType  string         `json:"event_type"`
		OccurredAt time.Time      `json:"occurred_at"`
		Payload    webhookPayload `json:"payload"`
	} `json:"data"`
}

type webhookPayload struct {
	CallControlID string `json:"call_control_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Direction     string `json:"direction"`
	ClientState   string `json:"client_state"`
	Digits        string `json:"digits"`
	Speech        string `json:"speech"`
	HangupCause   string `json:"hangup_cause"`
	RecordingURL  string `json:"recording_url"`
	DurationSecs  int    `json:"duration_secs"`
	ConferenceID  string `json:"conference_id"`
	Sequence      int64  `json:"sequence"`
}

// normalize maps a provider payload onto the closed internal event set.
// Unknown event types come back as the raw type so the machine can record
// them; only structurally unusable payloads are an error.
func normalize(body []byte) (domain.NormalizedEvent, string, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.NormalizedEvent{}, "", err
	}
	p := env.Data.Payload
	if p.CallControlID == "" {
		return domain.NormalizedEvent{}, "", domain.ErrValidation
	}

	occurred := env.Data.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	seq := p.Sequence
	if seq == 0 {
		seq = occurred.UnixMilli()
	}

	ev := domain.NormalizedEvent{
		CallID:     p.CallControlID,
		OccurredAt: occurred,
		Seq:        seq,
	}

	switch env.Data.EventType {
	case "call.initiated":
		ev.Type = domain.EventTypeInitiated
		ev.From, ev.To, ev.ClientState = p.From, p.To, p.ClientState
		ev.Direction = direction(p.Direction)
	case "call.ringing":
		ev.Type = domain.EventTypeRinging
	case "call.answered":
		ev.Type = domain.EventTypeAnswered
		ev.From, ev.To, ev.ClientState = p.From, p.To, p.ClientState
		ev.Direction = direction(p.Direction)
	case "call.gather.ended", "call.dtmf.received":
		ev.Type = domain.EventTypeInputReceived
		if p.Speech != "" {
			ev.InputKind, ev.InputValue = domain.InputKindSpeech, p.Speech
		} else {
			ev.InputKind, ev.InputValue = domain.InputKindDTMF, p.Digits
		}
	case "call.recording.saved":
		ev.Type = domain.EventTypeRecordingSaved
		ev.RecordingURL, ev.RecordingSecs = p.RecordingURL, p.DurationSecs
	case "call.hangup":
		ev.Type = domain.EventTypeEnded
		ev.Reason = endReason(p.HangupCause)
	case "conference.participant.joined":
		ev.Type = domain.EventTypeParticipantJoined
		ev.ConferenceID = p.ConferenceID
	case "conference.participant.left":
		ev.Type = domain.EventTypeParticipantLeft
		ev.ConferenceID = p.ConferenceID
	default:
		ev.Type = domain.EventType(env.Data.EventType)
	}

	return ev, env.Data.ID, nil
}

func direction(d string) domain.CallDirection {
	if d == "outgoing" {
		return domain.DirectionOutbound
	}
	return domain.DirectionInbound
}

func endReason(cause string) domain.EndReason {
	switch cause {
	case "", "normal_clearance":
		return domain.EndReasonCompleted
	case "originator_cancel", "timeout", "no_answer":
		return domain.EndReasonNoAnswer
	case "call_rejected", "user_busy":
		return domain.EndReasonFailed
	default:
		return domain.EndReasonProviderError
	}
}

func xmlResponse(c echo.Context, doc string) error {
	return c.Blob(http.StatusOK, "text/xml; charset=utf-8", []byte(doc))
}

func emptyDocument() string {
	doc, err := texml.Build(texml.Document{})
	if err != nil {
		return texml.SafeHangup()
	}
	return doc
}
