package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openfloor-dev/floor-manager/internal/v1/logging"
	"github.com/openfloor-dev/floor-manager/internal/v1/metrics"
	"github.com/openfloor-dev/floor-manager/internal/v1/status"
	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

const writeWait = 10 * time.Second

// wsCommand is a client-to-server control message.
type wsCommand struct {
	Type string `json:"type"`
}

// wsClient owns one WebSocket stream connection. The write pump serializes
// all writes; the read pump handles ping/close commands.
type wsClient struct {
	conn *websocket.Conn
	sub  *status.Subscription
	hub  *status.Hub

	// control messages (pong) bypass the subscription stream
	control chan any
	done    chan struct{}
}

// StreamWS handles WS /ws/floor/{conversation_id}: a duplex stream carrying
// the same transition records as the SSE endpoint. The client may send
// {"type":"ping"} (answered with {"type":"pong"}) or {"type":"close"}.
func (h *Handler) StreamWS(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckStream(c) {
		return // Response already written
	}

	conversationID := types.ConversationIDType(c.Param("conversation_id"))

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, h.allowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn:    conn,
		sub:     h.hub.Subscribe(conversationID),
		hub:     h.hub,
		control: make(chan any, 8),
		done:    make(chan struct{}),
	}

	metrics.ActiveStreamConnections.WithLabelValues("websocket").Inc()
	logging.Info(c.Request.Context(), "WebSocket stream opened",
		zap.String("conversationId", string(conversationID)))

	client.control <- h.initialStatus(c, conversationID)

	go client.writePump()
	go client.readPump()
}

// readPump processes client commands until the connection drops.
func (c *wsClient) readPump() {
	defer c.close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			logging.Warn(context.Background(), "Ignoring malformed WebSocket command", zap.Error(err))
			continue
		}

		switch cmd.Type {
		case "ping":
			select {
			case c.control <- wsCommand{Type: "pong"}:
			default:
			}
		case "close":
			return
		}
	}
}

// writePump serializes subscription records and control replies onto the
// connection.
func (c *wsClient) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.control:
			if !c.writeJSON(msg) {
				return
			}
		case rec, ok := <-c.sub.C():
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if !c.writeJSON(rec) {
				return
			}
		}
	}
}

func (c *wsClient) writeJSON(v any) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		logging.Error(context.Background(), "WebSocket write failed", zap.Error(err))
		return false
	}
	return true
}

func (c *wsClient) close() {
	select {
	case <-c.done:
		return
	default:
	}
	close(c.done)
	c.hub.Unsubscribe(c.sub)
	metrics.ActiveStreamConnections.WithLabelValues("websocket").Dec()
}

// originAllowed checks the Origin header against the configured allow list.
// Requests without an Origin header (non-browser clients) are allowed.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}

	for _, a := range allowed {
		if a == "*" {
			return true
		}
		if strings.EqualFold(strings.TrimSuffix(a, "/"), u.Scheme+"://"+u.Host) {
			return true
		}
	}
	return false
}
