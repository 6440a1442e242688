package monitor

import (
	"encoding/json"
	"time"
)

// EventKind identifies the kind of conversation event flowing through the bus.
type EventKind string

const (
	KindParticipantJoined     EventKind = "participant_joined"
	KindParticipantLeft       EventKind = "participant_left"
	KindInterimTranscript     EventKind = "interim_transcript"
	KindFinalTranscript       EventKind = "final_transcript"
	KindSilenceAlert          EventKind = "silence_alert"
	KindRecordingStateChanged EventKind = "recording_state_changed"
	KindConversationEnded     EventKind = "conversation_ended"
)

// Event is a single conversation event, immutable once published.
// Payload holds the kind-specific struct below, JSON-encoded for the wire.
type Event struct {
	ConversationID string          `json:"conversation_id"`
	Kind           EventKind       `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// ParticipantPayload accompanies participant_joined / participant_left.
type ParticipantPayload struct {
	Identity    string `json:"identity"`
	Role        string `json:"role,omitempty"`
	IsPublisher bool   `json:"is_publisher,omitempty"`
}

// TranscriptPayload accompanies interim_transcript / final_transcript.
// Republished verbatim from the transcription service; no processing here.
type TranscriptPayload struct {
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// SilencePayload accompanies silence_alert.
type SilencePayload struct {
	DurationSec float64 `json:"duration_sec"`
}

// RecordingPayload accompanies recording_state_changed.
type RecordingPayload struct {
	RecordingID string `json:"recording_id"`
	State       string `json:"state"`
}

// EndedPayload accompanies conversation_ended.
type EndedPayload struct {
	Reason string `json:"reason"`
}

// End reasons for EndedPayload.
const (
	EndReasonRoomFinished    = "room_finished"
	EndReasonEmptyGrace      = "empty_grace_elapsed"
	EndReasonDisconnectGrace = "platform_disconnect"
)

// NewEvent builds an event with the payload marshalled in place.
// Marshalling only fails for unsupported types, which the payload structs
// above are not, so the error is intentionally swallowed.
func NewEvent(conversationID string, kind EventKind, payload interface{}) Event {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return Event{
		ConversationID: conversationID,
		Kind:           kind,
		Payload:        raw,
		Timestamp:      time.Now(),
	}
}

// UnmarshalPayload decodes the kind-specific payload into dst.
func (e Event) UnmarshalPayload(dst interface{}) error {
	return json.Unmarshal(e.Payload, dst)
}

// IsTerminal reports whether the event ends its conversation's topic.
func (e Event) IsTerminal() bool {
	return e.Kind == KindConversationEnded
}
