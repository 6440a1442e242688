package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relayvoice/backend/internal/monitor"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// subscribeRequest is the payload of subscribe / unsubscribe requests.
type subscribeRequest struct {
	ConversationID string `json:"conversation_id"`
}

// errorPayload is the payload of error replies.
type errorPayload struct {
	Code           string `json:"code"`
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// wsClient binds one admin connection to its websocket transport.
type wsClient struct {
	conn   *Conn
	ws     *websocket.Conn
	logger *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the admin client loop.
// The capability token rides in the query string since browsers cannot set
// an Authorization header on a WebSocket dial.
func ServeWs(mgr *Manager, logger *zap.Logger, validate func(token string) (adminID string, err error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		adminID, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		conn := mgr.Register(adminID)
		client := &wsClient{conn: conn, ws: ws, logger: logger}
		go client.writePump()
		conn.Activate()
		client.readPump()
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.conn.Drain()
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(65536)
	_ = c.ws.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "subscribe":
			var req subscribeRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil || req.ConversationID == "" {
				c.replyError("bad_request", "", "conversation_id required")
				continue
			}
			if _, err := c.conn.Subscribe(req.ConversationID); err != nil {
				c.replyError(errorCode(err), req.ConversationID, errorMessage(err))
			}
			// The subscribed snapshot is already on the outbox.
		case "unsubscribe":
			var req subscribeRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil || req.ConversationID == "" {
				c.replyError("bad_request", "", "conversation_id required")
				continue
			}
			c.conn.Unsubscribe(req.ConversationID)
			data, _ := json.Marshal(subscribeRequest{ConversationID: req.ConversationID})
			c.conn.push(WSMessage{Event: "unsubscribed", Data: data})
		default:
			// ignore
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.conn.Done():
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.conn.Outbox():
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteJSON(msg); err != nil {
				// Transport failure: drain this connection; the publisher
				// side only ever observes the subscriber set shrinking.
				c.conn.Drain()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Drain()
				return
			}
		}
	}
}

func (c *wsClient) replyError(code, conversationID, message string) {
	data, _ := json.Marshal(errorPayload{Code: code, ConversationID: conversationID, Message: message})
	c.conn.push(WSMessage{Event: "error", Data: data})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, monitor.ErrConversationNotFound):
		return "conversation_not_found"
	case errors.Is(err, monitor.ErrSubscriptionLimit):
		return "subscription_limit"
	case errors.Is(err, ErrConnectionNotActive):
		return "connection_not_active"
	default:
		return "internal"
	}
}

func errorMessage(err error) string {
	if errors.Is(err, monitor.ErrConversationNotFound) {
		return "conversation not found or already ended"
	}
	return err.Error()
}
