package ingest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relayvoice/backend/internal/monitor"
	"github.com/relayvoice/backend/pkg/response"
)

// PlatformEventPayload is the body posted by the media platform's webhook.
// Only the section matching the event name is populated.
type PlatformEventPayload struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at,omitempty"`

	Room struct {
		Name string `json:"name"`
	} `json:"room"`

	Participant struct {
		Identity    string `json:"identity"`
		Role        string `json:"role,omitempty"`
		IsPublisher bool   `json:"is_publisher,omitempty"`
	} `json:"participant,omitempty"`

	Transcript struct {
		Speaker    string  `json:"speaker"`
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence,omitempty"`
		Final      bool    `json:"final"`
	} `json:"transcript,omitempty"`

	Recording struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"recording,omitempty"`
}

// WebhookHandler translates platform webhooks into conversation events and
// hands them to the dispatcher.
type WebhookHandler struct {
	dispatcher *Dispatcher
	registry   *monitor.Registry
	logger     *zap.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(dispatcher *Dispatcher, registry *monitor.Registry, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{dispatcher: dispatcher, registry: registry, logger: logger}
}

// PlatformEvents handles POST /webhooks/platform-events. The platform retries
// on non-2xx, so events we cannot use (unknown kinds, stale conversations) are
// still acknowledged; only malformed requests are rejected.
func (h *WebhookHandler) PlatformEvents(c *gin.Context) {
	var body PlatformEventPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if body.Room.Name == "" {
		response.BadRequest(c, "room.name required")
		return
	}

	ts := time.Now()
	if body.CreatedAt > 0 {
		ts = time.Unix(body.CreatedAt, 0)
	}

	switch body.Event {
	case "participant_joined":
		h.dispatch(ts, monitor.NewEvent(body.Room.Name, monitor.KindParticipantJoined, monitor.ParticipantPayload{
			Identity:    body.Participant.Identity,
			Role:        body.Participant.Role,
			IsPublisher: body.Participant.IsPublisher,
		}))

	case "participant_left":
		h.dispatch(ts, monitor.NewEvent(body.Room.Name, monitor.KindParticipantLeft, monitor.ParticipantPayload{
			Identity: body.Participant.Identity,
			Role:     body.Participant.Role,
		}))

	case "transcript":
		kind := monitor.KindInterimTranscript
		if body.Transcript.Final {
			kind = monitor.KindFinalTranscript
		}
		// Republished verbatim; the transcript belongs to the transcription
		// service, not to us.
		h.dispatch(ts, monitor.NewEvent(body.Room.Name, kind, monitor.TranscriptPayload{
			Speaker:    body.Transcript.Speaker,
			Text:       body.Transcript.Text,
			Confidence: body.Transcript.Confidence,
		}))

	case "recording_updated":
		h.dispatch(ts, monitor.NewEvent(body.Room.Name, monitor.KindRecordingStateChanged, monitor.RecordingPayload{
			RecordingID: body.Recording.ID,
			State:       body.Recording.Status,
		}))

	case "room_finished":
		h.dispatch(ts, monitor.NewEvent(body.Room.Name, monitor.KindConversationEnded, monitor.EndedPayload{
			Reason: monitor.EndReasonRoomFinished,
		}))

	case "connection_lost":
		h.registry.MarkDisconnected(body.Room.Name)

	case "connection_restored":
		h.registry.MarkConnected(body.Room.Name)

	case "room_started":
		// The session is created by the first participant_joined; the bare
		// room has nothing for an admin to watch yet.

	default:
		h.logger.Debug("ignoring platform event", zap.String("event", body.Event), zap.String("room", body.Room.Name))
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *WebhookHandler) dispatch(ts time.Time, ev monitor.Event) {
	ev.Timestamp = ts
	h.dispatcher.Ingest(ev)
}
