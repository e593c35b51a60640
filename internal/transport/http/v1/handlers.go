// Package v1 exposes the admin registry and audit APIs.
package v1

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/tetrixcorps/voicecore/internal/domain"
	"github.com/tetrixcorps/voicecore/internal/service"
)

// Handler serves the v1 admin API.
type Handler struct {
	svc *service.Service
}

// NewHandler creates the admin API handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts the v1 routes on the admin server.
func (h *Handler) Register(e *echo.Echo) {
	g := e.Group("/v1")

	g.POST("/flows", h.SaveFlow)
	g.GET("/flows", h.ListFlows)
	g.GET("/flows/:flow_id", h.GetFlow)
	g.PUT("/flows/:flow_id", h.SaveFlow)
	g.DELETE("/flows/:flow_id", h.DeleteFlow)

	g.POST("/dids", h.SaveDID)
	g.GET("/dids", h.ListDIDs)
	g.DELETE("/dids/:number", h.DeleteDID)

	g.POST("/agents", h.CreateAgent)
	g.GET("/agents", h.ListAgents)
	g.GET("/agents/:agent_id", h.GetAgent)
	g.PUT("/agents/:agent_id/status", h.SetAgentStatus)
	g.DELETE("/agents/:agent_id", h.DeleteAgent)

	g.POST("/calls", h.Dial)
	g.GET("/calls/:call_id", h.GetCall)
	g.GET("/calls/:call_id/events", h.ListCallEvents)
	g.GET("/calls/:call_id/recordings", h.ListCallRecordings)
	g.POST("/calls/:call_id/actions/transfer", h.TransferCall)
	g.POST("/calls/:call_id/actions/record", h.StartCallRecording)
	g.DELETE("/calls/:call_id", h.HangupCall)
}

// SaveFlow creates or replaces a flow definition. Definitions with dead ends
// are rejected before they can reach a live call.
func (h *Handler) SaveFlow(c echo.Context) error {
	var f domain.FlowDefinition
	if err := c.Bind(&f); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if id := c.Param("flow_id"); id != "" {
		f.FlowID = id
	}
	if err := h.svc.SaveFlow(c.Request().Context(), &f); err != nil {
		if errors.Is(err, domain.ErrFlowConfiguration) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		log.Printf("ERROR: failed to save flow %s: %v", f.FlowID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to save flow"})
	}
	return c.JSON(http.StatusOK, f)
}

// ListFlows returns flows, filtered by the optional industry query param.
func (h *Handler) ListFlows(c echo.Context) error {
	flows, err := h.svc.ListFlows(c.Request().Context(), c.QueryParam("industry"))
	if err != nil {
		log.Printf("ERROR: failed to list flows: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list flows"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"flows": flows, "count": len(flows)})
}

// GetFlow returns one flow definition.
func (h *Handler) GetFlow(c echo.Context) error {
	f, err := h.svc.GetFlow(c.Request().Context(), c.Param("flow_id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "flow not found"})
		}
		log.Printf("ERROR: failed to get flow: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get flow"})
	}
	return c.JSON(http.StatusOK, f)
}

// DeleteFlow removes a flow definition.
func (h *Handler) DeleteFlow(c echo.Context) error {
	if err := h.svc.DeleteFlow(c.Request().Context(), c.Param("flow_id")); err != nil {
		log.Printf("ERROR: failed to delete flow: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to delete flow"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

// SaveDID maps an inbound number to an industry flow.
func (h *Handler) SaveDID(c echo.Context) error {
	var m domain.DIDMapping
	if err := c.Bind(&m); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := h.svc.SaveDID(c.Request().Context(), &m); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		log.Printf("ERROR: failed to save DID %s: %v", m.Number, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to save mapping"})
	}
	return c.JSON(http.StatusOK, m)
}

// ListDIDs returns all number mappings.
func (h *Handler) ListDIDs(c echo.Context) error {
	dids, err := h.svc.ListDIDs(c.Request().Context())
	if err != nil {
		log.Printf("ERROR: failed to list DIDs: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list mappings"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"dids": dids, "count": len(dids)})
}

// DeleteDID removes a number mapping.
func (h *Handler) DeleteDID(c echo.Context) error {
	if err := h.svc.DeleteDID(c.Request().Context(), c.Param("number")); err != nil {
		log.Printf("ERROR: failed to delete DID: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to delete mapping"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

// CreateAgent registers a forwarding target.
func (h *Handler) CreateAgent(c echo.Context) error {
	var a domain.Agent
	if err := c.Bind(&a); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := h.svc.CreateAgent(c.Request().Context(), &a); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		log.Printf("ERROR: failed to create agent %s: %v", a.AgentID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create agent"})
	}
	return c.JSON(http.StatusCreated, a)
}

// ListAgents returns agents, filtered by the optional industry query param.
func (h *Handler) ListAgents(c echo.Context) error {
	agents, err := h.svc.ListAgents(c.Request().Context(), c.QueryParam("industry"))
	if err != nil {
		log.Printf("ERROR: failed to list agents: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list agents"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"agents": agents, "count": len(agents)})
}

// GetAgent returns one agent.
func (h *Handler) GetAgent(c echo.Context) error {
	a, err := h.svc.GetAgent(c.Request().Context(), c.Param("agent_id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "agent not found"})
		}
		log.Printf("ERROR: failed to get agent: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get agent"})
	}
	return c.JSON(http.StatusOK, a)
}

// SetAgentStatus updates an agent's availability.
func (h *Handler) SetAgentStatus(c echo.Context) error {
	var req struct {
		Status domain.AgentStatus `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := h.svc.SetAgentStatus(c.Request().Context(), c.Param("agent_id"), req.Status); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		log.Printf("ERROR: failed to update agent status: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to update status"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "updated"})
}

// DeleteAgent removes an agent.
func (h *Handler) DeleteAgent(c echo.Context) error {
	if err := h.svc.DeleteAgent(c.Request().Context(), c.Param("agent_id")); err != nil {
		log.Printf("ERROR: failed to delete agent: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to delete agent"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

// Dial places an outbound call.
func (h *Handler) Dial(c echo.Context) error {
	var req service.DialRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	callID, err := h.svc.Dial(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		log.Printf("ERROR: failed to dial %s: %v", req.To, err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "failed to place call"})
	}
	return c.JSON(http.StatusCreated, map[string]string{"call_id": callID})
}

// GetCall returns a call session.
func (h *Handler) GetCall(c echo.Context) error {
	sess, err := h.svc.GetCall(c.Request().Context(), c.Param("call_id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "call not found"})
		}
		log.Printf("ERROR: failed to get call: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get call"})
	}
	return c.JSON(http.StatusOK, sess)
}

// ListCallEvents returns the call's event log.
func (h *Handler) ListCallEvents(c echo.Context) error {
	afterSeq, _ := strconv.ParseInt(c.QueryParam("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	events, err := h.svc.ListCallEvents(c.Request().Context(), c.Param("call_id"), afterSeq, limit)
	if err != nil {
		log.Printf("ERROR: failed to list events: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list events"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

// ListCallRecordings returns the recordings saved for a call.
func (h *Handler) ListCallRecordings(c echo.Context) error {
	recs, err := h.svc.ListCallRecordings(c.Request().Context(), c.Param("call_id"))
	if err != nil {
		log.Printf("ERROR: failed to list recordings: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list recordings"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"recordings": recs, "count": len(recs)})
}

// TransferCall bridges a live call to an operator-chosen destination.
func (h *Handler) TransferCall(c echo.Context) error {
	var req struct {
		To string `json:"to"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	err := h.svc.TransferCall(c.Request().Context(), c.Param("call_id"), req.To)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"status": "transfer requested"})
	case errors.Is(err, domain.ErrValidation):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "call not found"})
	case errors.Is(err, domain.ErrSessionEnded):
		return c.JSON(http.StatusConflict, map[string]string{"error": "call already ended"})
	default:
		log.Printf("ERROR: failed to transfer call: %v", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "failed to transfer call"})
	}
}

// StartCallRecording asks the provider to begin recording a live call.
func (h *Handler) StartCallRecording(c echo.Context) error {
	err := h.svc.StartCallRecording(c.Request().Context(), c.Param("call_id"))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"status": "recording requested"})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "call not found"})
	case errors.Is(err, domain.ErrSessionEnded):
		return c.JSON(http.StatusConflict, map[string]string{"error": "call already ended"})
	default:
		log.Printf("ERROR: failed to start recording: %v", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "failed to start recording"})
	}
}

// HangupCall asks the provider to end a live call.
func (h *Handler) HangupCall(c echo.Context) error {
	err := h.svc.HangupCall(c.Request().Context(), c.Param("call_id"))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"status": "hangup requested"})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "call not found"})
	case errors.Is(err, domain.ErrSessionEnded):
		return c.JSON(http.StatusConflict, map[string]string{"error": "call already ended"})
	default:
		log.Printf("ERROR: failed to hang up call: %v", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "failed to hang up call"})
	}
}
