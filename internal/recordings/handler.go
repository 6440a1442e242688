package recordings

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayvoice/backend/internal/models"
	"github.com/relayvoice/backend/pkg/response"
	"github.com/relayvoice/backend/pkg/storage"
)

// Handler handles recording HTTP endpoints. All routes sit behind the admin
// JWT middleware; recordings carry no per-conversation ACL beyond that.
type Handler struct {
	repo   *Repository
	s3     *storage.S3
	logger *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(repo *Repository, s3 *storage.S3, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, s3: s3, logger: logger}
}

// ListByConversation handles GET /admin/conversations/:id/recordings.
// Works for ended conversations too: the catalog outlives the live session.
func (h *Handler) ListByConversation(c *gin.Context) {
	conversationID := c.Param("id")
	if conversationID == "" {
		response.BadRequest(c, "conversation id required")
		return
	}
	list, err := h.repo.ListByConversation(c.Request.Context(), conversationID)
	if err != nil {
		h.logger.Error("list recordings failed", zap.Error(err), zap.String("conversation_id", conversationID))
		response.Internal(c, "failed to list recordings")
		return
	}
	response.OK(c, list)
}

// GenerateDownloadURL handles GET /admin/recordings/:id/download-url.
// Returns a presigned URL for a completed recording.
func (h *Handler) GenerateDownloadURL(c *gin.Context) {
	recordingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}

	rec, err := h.repo.GetByID(c.Request.Context(), recordingID)
	if err != nil {
		response.NotFound(c, "recording not found")
		return
	}
	if rec.Status != models.RecordingStatusCompleted || rec.S3Key == "" {
		response.BadRequest(c, "recording not ready for download")
		return
	}

	if h.s3 == nil {
		response.ServiceUnavailable(c, "S3 not configured")
		return
	}
	expire := h.s3.PresignExpire()
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), h.s3.RecordingsBucket(), rec.S3Key, expire)
	if err != nil {
		h.logger.Error("presign recording download failed", zap.Error(err), zap.String("recording_id", recordingID.String()))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(expire.Seconds())})
}
