package recordings

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayvoice/backend/internal/models"
	"github.com/relayvoice/backend/internal/monitor"
	"github.com/relayvoice/backend/pkg/queue"
	"github.com/relayvoice/backend/pkg/response"
)

// EventSink receives conversation events derived from recording webhooks so
// watching admins see recording state changes live. *ingest.Dispatcher
// satisfies it.
type EventSink interface {
	Ingest(ev monitor.Event)
}

// RecordingReadyPayload is the expected body from the platform's
// recording_ready webhook (egress finished, file available for pickup).
type RecordingReadyPayload struct {
	ProviderRecordingID string `json:"provider_recording_id"`
	ConversationID      string `json:"conversation_id"`
	RecordingID         string `json:"recording_id"`
	FileURL             string `json:"file_url"`
	Duration            int    `json:"duration"`
	FileSize            int64  `json:"file_size"`
}

// WebhookHandler handles recording webhooks from the media platform.
type WebhookHandler struct {
	repo   *Repository
	queue  *queue.Queue
	sink   EventSink // may be nil
	logger *zap.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(repo *Repository, q *queue.Queue, sink EventSink, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{repo: repo, queue: q, sink: sink, logger: logger}
}

// RecordingReady handles POST /webhooks/recording-ready. Updates the catalog
// row and enqueues the S3 transfer job.
func (h *WebhookHandler) RecordingReady(c *gin.Context) {
	var body RecordingReadyPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if body.FileURL == "" {
		response.BadRequest(c, "file_url required")
		return
	}

	var rec *models.Recording
	if body.ProviderRecordingID != "" {
		rec, _ = h.repo.GetByProviderID(c.Request.Context(), body.ProviderRecordingID)
	}
	if rec == nil && body.RecordingID != "" {
		if id, err := uuid.Parse(body.RecordingID); err == nil {
			rec, _ = h.repo.GetByID(c.Request.Context(), id)
		}
	}
	if rec == nil && body.ConversationID != "" {
		// The platform sent its own IDs only; start a fresh catalog row.
		rec = &models.Recording{
			ConversationID:      body.ConversationID,
			ProviderRecordingID: body.ProviderRecordingID,
			OriginalURL:         body.FileURL,
			Duration:            body.Duration,
			FileSize:            body.FileSize,
			Status:              models.RecordingStatusProcessing,
		}
		if err := h.repo.Create(c.Request.Context(), rec); err != nil {
			h.logger.Error("create recording failed", zap.Error(err))
			response.Internal(c, "failed to create recording")
			return
		}
	}
	if rec == nil {
		response.BadRequest(c, "could not identify recording (provide recording_id or provider_recording_id + conversation_id)")
		return
	}

	if rec.OriginalURL != body.FileURL {
		if err := h.repo.UpdateOriginalURL(c.Request.Context(), rec.ID, body.FileURL); err != nil {
			h.logger.Error("update original_url failed", zap.Error(err), zap.String("recording_id", rec.ID.String()))
			response.Internal(c, "failed to update recording")
			return
		}
	}

	if err := h.queue.EnqueueRecordingTransfer(c.Request.Context(), queue.RecordingTransferPayload{
		RecordingID:    rec.ID,
		ConversationID: rec.ConversationID,
		OriginalURL:    body.FileURL,
	}); err != nil {
		h.logger.Error("enqueue recording transfer failed", zap.Error(err), zap.String("recording_id", rec.ID.String()))
		response.Internal(c, "failed to enqueue transfer")
		return
	}

	if h.sink != nil {
		h.sink.Ingest(monitor.NewEvent(rec.ConversationID, monitor.KindRecordingStateChanged, monitor.RecordingPayload{
			RecordingID: rec.ID.String(),
			State:       models.RecordingStatusProcessing,
		}))
	}

	h.logger.Info("recording_ready webhook processed", zap.String("recording_id", rec.ID.String()), zap.String("original_url", body.FileURL))
	c.JSON(http.StatusOK, gin.H{"success": true, "recording_id": rec.ID, "status": models.RecordingStatusProcessing})
}
