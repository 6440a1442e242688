package admin

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relayvoice/backend/internal/monitor"
	"github.com/relayvoice/backend/pkg/response"
)

// Handler serves the admin dashboard's read-side view of live conversations.
type Handler struct {
	registry *monitor.Registry
	logger   *zap.Logger
}

// NewHandler creates an admin handler.
func NewHandler(registry *monitor.Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, logger: logger}
}

// ListConversations handles GET /admin/conversations. Returns every Active
// conversation ordered by start time, oldest first.
func (h *Handler) ListConversations(c *gin.Context) {
	sessions := h.registry.ListActive()
	response.OK(c, gin.H{
		"conversations": sessions,
		"count":         len(sessions),
	})
}

// GetConversation handles GET /admin/conversations/:id.
func (h *Handler) GetConversation(c *gin.Context) {
	id := c.Param("id")
	snap, err := h.registry.Get(id)
	if err != nil {
		if errors.Is(err, monitor.ErrConversationNotFound) {
			response.NotFound(c, "conversation not found or already ended")
			return
		}
		response.Internal(c, "failed to look up conversation")
		return
	}
	response.OK(c, snap)
}
