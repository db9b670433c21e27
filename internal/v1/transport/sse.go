package transport

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openfloor-dev/floor-manager/internal/v1/logging"
	"github.com/openfloor-dev/floor-manager/internal/v1/metrics"
	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

// StreamSSE handles GET /api/v1/floor/events/floor/{conversation_id}: a
// Server-Sent Events stream of floor transitions. The first event is a
// status snapshot; heartbeats keep the stream alive through proxies.
func (h *Handler) StreamSSE(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckStream(c) {
		return // Response already written
	}

	conversationID := types.ConversationIDType(c.Param("conversation_id"))

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	sub := h.hub.Subscribe(conversationID)
	defer h.hub.Unsubscribe(sub)

	metrics.ActiveStreamConnections.WithLabelValues("sse").Inc()
	defer metrics.ActiveStreamConnections.WithLabelValues("sse").Dec()

	logging.Info(c.Request.Context(), "SSE stream opened",
		zap.String("conversationId", string(conversationID)))

	if !writeSSE(c, flusher, h.initialStatus(c, conversationID)) {
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			logging.Info(ctx, "SSE stream closed",
				zap.String("conversationId", string(conversationID)))
			return
		case rec, ok := <-sub.C():
			if !ok {
				return // hub shut down
			}
			if !writeSSE(c, flusher, rec) {
				return
			}
		}
	}
}

// writeSSE emits one `data: <json>` event. Returns false when the client is
// gone.
func writeSSE(c *gin.Context, flusher http.Flusher, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to marshal SSE record", zap.Error(err))
		return true
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
