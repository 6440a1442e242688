package grants

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayvoice/backend/internal/monitor"
	"github.com/relayvoice/backend/pkg/response"
)

// Handler issues hidden-listener credentials for live conversations.
type Handler struct {
	issuer      *Issuer
	registry    *monitor.Registry
	platformURL string
	logger      *zap.Logger
}

// NewHandler creates a grants handler. platformURL is the media platform's
// websocket endpoint the client should dial with the minted token.
func NewHandler(issuer *Issuer, registry *monitor.Registry, platformURL string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{issuer: issuer, registry: registry, platformURL: platformURL, logger: logger}
}

// monitorTokenResponse is the body of a successful monitor-token request.
type monitorTokenResponse struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	Room      string    `json:"room"`
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MonitorToken handles POST /admin/conversations/:id/monitor-token.
// Issues a short-lived hidden-listener token for an Active conversation. The
// identity is unique per request so several admins (or repeated requests)
// never collide inside the room.
func (h *Handler) MonitorToken(c *gin.Context) {
	conversationID := c.Param("id")
	if conversationID == "" {
		response.BadRequest(c, "conversation id required")
		return
	}

	if _, err := h.registry.Get(conversationID); err != nil {
		if errors.Is(err, monitor.ErrConversationNotFound) {
			response.NotFound(c, "conversation not found or already ended")
			return
		}
		response.Internal(c, "failed to look up conversation")
		return
	}

	identity := "monitor-" + uuid.New().String()[:8]
	token, err := h.issuer.MintListenerToken(conversationID, identity)
	if err != nil {
		h.logger.Error("monitor token generation failed", zap.Error(err),
			zap.String("conversation_id", conversationID))
		response.Internal(c, "failed to generate token")
		return
	}

	h.logger.Info("monitor token issued",
		zap.String("conversation_id", conversationID),
		zap.String("identity", identity))
	response.OK(c, monitorTokenResponse{
		Token:     token,
		URL:       h.platformURL,
		Room:      conversationID,
		Identity:  identity,
		ExpiresAt: time.Now().Add(h.issuer.TTL()),
	})
}
