// Package transport exposes the floor manager over HTTP, SSE, and
// WebSocket: envelope submission, floor operations, and real-time
// transition streams.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openfloor-dev/floor-manager/internal/v1/envelope"
	"github.com/openfloor-dev/floor-manager/internal/v1/logging"
	"github.com/openfloor-dev/floor-manager/internal/v1/manager"
	"github.com/openfloor-dev/floor-manager/internal/v1/ratelimit"
	"github.com/openfloor-dev/floor-manager/internal/v1/status"
	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

// Handler serves the floor manager HTTP surface.
type Handler struct {
	manager *manager.Manager
	hub     *status.Hub

	rateLimiter    *ratelimit.RateLimiter
	allowedOrigins []string
}

// NewHandler creates a Handler. rateLimiter may be nil to disable stream
// admission checks; allowedOrigins guards WebSocket upgrades.
func NewHandler(m *manager.Manager, hub *status.Hub, rateLimiter *ratelimit.RateLimiter, allowedOrigins []string) *Handler {
	return &Handler{
		manager:        m,
		hub:            hub,
		rateLimiter:    rateLimiter,
		allowedOrigins: allowedOrigins,
	}
}

// RegisterRoutes installs the API routes on a router group.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	if h.rateLimiter != nil {
		api.Use(h.rateLimiter.APIMiddleware())
	}
	{
		api.POST("/envelopes/send", h.SendEnvelope)
		api.POST("/envelopes/utterance", h.SendUtterance)
		api.POST("/envelopes/validate", h.ValidateEnvelope)
		api.POST("/floor/request", h.RequestFloor)
		api.POST("/floor/release", h.ReleaseFloor)
		api.GET("/floor/holder/:conversation_id", h.FloorHolder)
		api.GET("/floor/events/floor/:conversation_id", h.StreamSSE)
	}

	ws := r.Group("/ws")
	{
		ws.GET("/floor/:conversation_id", h.StreamWS)
	}
}

type sendEnvelopeRequest struct {
	Envelope json.RawMessage `json:"envelope" binding:"required"`
}

// SendEnvelope handles POST /api/v1/envelopes/send.
func (h *Handler) SendEnvelope(c *gin.Context) {
	var req sendEnvelopeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing envelope"})
		return
	}

	env, err := envelope.Parse(req.Envelope)
	if err != nil {
		logging.Warn(c.Request.Context(), "Rejected malformed envelope", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handled := h.manager.ProcessEnvelope(c.Request.Context(), env)
	c.JSON(http.StatusOK, gin.H{
		"success":          handled,
		"conversation_id":  env.Conversation.ID,
		"events_processed": len(env.Events),
	})
}

type utteranceRequest struct {
	ConversationID   types.ConversationIDType `json:"conversation_id" binding:"required"`
	SenderSpeakerURI types.SpeakerURIType     `json:"sender_speakerUri" binding:"required"`
	SenderServiceURL string                   `json:"sender_serviceUrl"`
	TargetSpeakerURI types.SpeakerURIType     `json:"target_speakerUri"`
	TargetServiceURL string                   `json:"target_serviceUrl"`
	Text             string                   `json:"text" binding:"required"`
	Private          bool                     `json:"private"`
}

// SendUtterance handles POST /api/v1/envelopes/utterance.
func (h *Handler) SendUtterance(c *gin.Context) {
	var req utteranceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	env := h.manager.SendUtterance(c.Request.Context(),
		req.ConversationID, req.SenderSpeakerURI, req.SenderServiceURL,
		req.TargetSpeakerURI, req.TargetServiceURL, req.Text, req.Private)

	doc, err := env.Encode()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode envelope"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"conversation_id": req.ConversationID,
		"envelope":        json.RawMessage(doc),
	})
}

// ValidateEnvelope handles POST /api/v1/envelopes/validate. Validation
// failures are reported in the body, not the status code.
func (h *Handler) ValidateEnvelope(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"valid": false, "error": "unreadable body"})
		return
	}

	env, err := envelope.Parse(data)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":           true,
		"version":         env.Schema.Version,
		"conversation_id": env.Conversation.ID,
	})
}

type floorRequest struct {
	ConversationID types.ConversationIDType `json:"conversation_id" binding:"required"`
	SpeakerURI     types.SpeakerURIType     `json:"speakerUri" binding:"required"`
	Priority       int                      `json:"priority"`
}

// RequestFloor handles POST /api/v1/floor/request. A queued request reports
// its position; a refused one (queue at capacity) is a 400.
func (h *Handler) RequestFloor(c *gin.Context) {
	var req floorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	control := h.manager.Control()
	granted := control.RequestFloor(ctx, req.ConversationID, req.SpeakerURI, req.Priority)

	resp := gin.H{
		"conversation_id": req.ConversationID,
		"granted":         granted,
	}
	if holder, ok := control.Holder(ctx, req.ConversationID); ok {
		resp["holder"] = holder
	}

	if !granted {
		pos := control.QueuePosition(req.ConversationID, req.SpeakerURI)
		if pos == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"conversation_id": req.ConversationID,
				"granted":         false,
				"error":           "floor queue at capacity",
			})
			return
		}
		resp["queue_position"] = pos
	}

	c.JSON(http.StatusOK, resp)
}

type floorRelease struct {
	ConversationID types.ConversationIDType `json:"conversation_id" binding:"required"`
	SpeakerURI     types.SpeakerURIType     `json:"speakerUri" binding:"required"`
}

// ReleaseFloor handles POST /api/v1/floor/release. Only the holder may
// release; anyone else gets a 400.
func (h *Handler) ReleaseFloor(c *gin.Context) {
	var req floorRelease
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.manager.Control().YieldFloor(c.Request.Context(), req.ConversationID, req.SpeakerURI) {
		c.JSON(http.StatusBadRequest, gin.H{
			"released": false,
			"error":    "not the floor holder",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"released": true})
}

// FloorHolder handles GET /api/v1/floor/holder/{conversation_id}.
func (h *Handler) FloorHolder(c *gin.Context) {
	conversationID := types.ConversationIDType(c.Param("conversation_id"))
	ctx := c.Request.Context()
	control := h.manager.Control()

	holder, hasFloor := control.Holder(ctx, conversationID)
	md := control.Metadata(ctx, conversationID)

	c.JSON(http.StatusOK, gin.H{
		"conversation_id":    conversationID,
		"holder":             holder,
		"has_floor":          hasFloor,
		"assignedFloorRoles": md.AssignedFloorRoles,
		"floorGranted":       md.FloorGranted,
	})
}

// floorStatus is the snapshot sent when a stream connects.
type floorStatus struct {
	Type           string                   `json:"type"`
	ConversationID types.ConversationIDType `json:"conversation_id"`
	Holder         types.SpeakerURIType     `json:"holder,omitempty"`
	HasFloor       bool                     `json:"has_floor"`
	FloorGranted   []types.SpeakerURIType   `json:"floorGranted"`
	Queue          []types.QueuedRequest    `json:"queue"`
}

func (h *Handler) initialStatus(c *gin.Context, conversationID types.ConversationIDType) floorStatus {
	ctx := c.Request.Context()
	control := h.manager.Control()

	holder, hasFloor := control.Holder(ctx, conversationID)
	md := control.Metadata(ctx, conversationID)

	return floorStatus{
		Type:           "initial_status",
		ConversationID: conversationID,
		Holder:         holder,
		HasFloor:       hasFloor,
		FloorGranted:   md.FloorGranted,
		Queue:          control.QueueSnapshot(conversationID),
	}
}
