// Package ws accepts provider media streams over websocket and feeds them
// into the transcription pipeline.
package ws

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tetrixcorps/voicecore/internal/service"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// MediaHandler terminates media streaming websockets, one per call.
type MediaHandler struct {
	svc *service.Service
	sem chan struct{}
}

// NewMediaHandler creates the handler with a concurrent-connection cap.
func NewMediaHandler(svc *service.Service, maxConcurrent int) *MediaHandler {
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}
	return &MediaHandler{
		svc: svc,
		sem: make(chan struct{}, maxConcurrent),
	}
}

// Register mounts the media route on the public server.
func (h *MediaHandler) Register(e *echo.Echo) {
	e.GET("/webhooks/voice/media/:call_id", h.HandleMedia)
}

// controlFrame is the text-frame protocol on the media socket.
type controlFrame struct {
	Event string `json:"event"`
}

// HandleMedia upgrades the connection and pumps frames into the pipeline.
// Binary frames are audio chunks; a {"event":"stop"} text frame finishes the
// stream, running the buffered speech through the call's state machine, and
// closes the socket. At capacity the request is refused with 503 before the
// upgrade.
func (h *MediaHandler) HandleMedia(c echo.Context) error {
	callID := c.Param("call_id")
	if callID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "call_id required"})
	}

	select {
	case h.sem <- struct{}{}:
	default:
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "media capacity reached"})
	}
	defer func() { <-h.sem }()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	streamID, err := h.svc.StartStream(c.Request().Context(), callID)
	if err != nil {
		log.Printf("ERROR: failed to start stream for call %s: %v", callID, err)
		return nil
	}
	log.Printf("INFO: media stream %s opened for call %s", streamID, callID)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("WARN: media stream for call %s closed abnormally: %v", callID, err)
			}
			return nil
		}

		switch msgType {
		case websocket.BinaryMessage:
			h.svc.PushMedia(callID, data)
		case websocket.TextMessage:
			var frame controlFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			if frame.Event == "stop" {
				log.Printf("INFO: media stream %s for call %s stopped by peer", streamID, callID)
				if _, err := h.svc.FinishStream(c.Request().Context(), callID); err != nil {
					log.Printf("WARN: failed to finish stream for call %s: %v", callID, err)
				}
				return nil
			}
		}
	}
}
