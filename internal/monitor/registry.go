package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrConversationNotFound is returned when no Active session exists for an ID.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrStaleEvent marks an ingestion event referencing an ended or unknown
	// conversation. Ingestion is fire-and-forget, so callers log and drop it.
	ErrStaleEvent = errors.New("stale event for ended conversation")
	// ErrSubscriptionLimit is returned when a conversation already has the
	// configured maximum number of subscribers.
	ErrSubscriptionLimit = errors.New("subscription limit exceeded")
)

// Status is the conversation session lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Publisher is the bus-facing side the registry needs: regular fan-out plus
// terminal topic teardown. *Bus satisfies it.
type Publisher interface {
	Publish(conversationID string, ev Event)
	EndTopic(conversationID string, ev Event)
}

// session is the registry-owned mutable state for one conversation.
// Nothing outside the registry ever holds a pointer to it.
type session struct {
	id             string
	startedAt      time.Time
	participants   map[string]bool // identity -> publishes media
	publisherCount int
	lastActivityAt time.Time
	emptySince     time.Time // zero while occupied
	disconnectedAt time.Time // zero while the platform link is healthy
}

// Snapshot is a point-in-time copy of a session, safe to hand out and iterate
// without touching the live store.
type Snapshot struct {
	ID               string    `json:"id"`
	Status           Status    `json:"status"`
	StartedAt        time.Time `json:"started_at"`
	Participants     []string  `json:"participants"`
	ParticipantCount int       `json:"participant_count"`
	PublisherCount   int       `json:"publisher_count"`
	LastActivityAt   time.Time `json:"last_activity_at"`
}

// RegistryConfig holds the registry grace periods.
type RegistryConfig struct {
	// EmptyGrace is how long a session may sit with zero participants before
	// it is declared ended.
	EmptyGrace time.Duration
	// DisconnectGrace is how long a platform disconnect may persist before
	// the affected session is declared ended. Absorbs transient blips
	// without resetting observers.
	DisconnectGrace time.Duration
	// ReapInterval is the tick of the grace-period reaper.
	ReapInterval time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.EmptyGrace <= 0 {
		c.EmptyGrace = 30 * time.Second
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = 15 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Second
	}
	return c
}

// Registry tracks the set of currently active conversations. It is the sole
// owner of session state: all mutation happens via ApplyEvent (or the grace
// reaper, which routes through the same ending path).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	pub      Publisher
	cfg      RegistryConfig
	logger   *zap.Logger
}

// NewRegistry creates a registry publishing lifecycle-derived events to pub.
func NewRegistry(pub Publisher, cfg RegistryConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*session),
		pub:      pub,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// ApplyEvent idempotently creates or updates the session for the event's
// conversation. A session is created on the first participant_joined for a
// previously unknown ID; any other event for an unknown ID is stale
// (the session has already ended and been removed) and returns ErrStaleEvent.
//
// A conversation_ended event transitions the session out of the registry and
// ends the bus topic in the same logical step, so no subscription outlives
// its conversation.
func (r *Registry) ApplyEvent(ev Event) error {
	if ev.ConversationID == "" {
		return ErrStaleEvent
	}

	var endedEv *Event

	r.mu.Lock()
	s, ok := r.sessions[ev.ConversationID]
	if !ok {
		if ev.Kind != KindParticipantJoined {
			r.mu.Unlock()
			return ErrStaleEvent
		}
		s = &session{
			id:           ev.ConversationID,
			startedAt:    ev.Timestamp,
			participants: make(map[string]bool),
		}
		if s.startedAt.IsZero() {
			s.startedAt = time.Now()
		}
		r.sessions[ev.ConversationID] = s
	}

	switch ev.Kind {
	case KindParticipantJoined:
		var p ParticipantPayload
		_ = json.Unmarshal(ev.Payload, &p)
		if _, exists := s.participants[p.Identity]; !exists {
			s.participants[p.Identity] = p.IsPublisher
			if p.IsPublisher {
				s.publisherCount++
			}
		}
		s.emptySince = time.Time{}
		s.lastActivityAt = eventTime(ev)

	case KindParticipantLeft:
		var p ParticipantPayload
		_ = json.Unmarshal(ev.Payload, &p)
		if publishes, exists := s.participants[p.Identity]; exists {
			delete(s.participants, p.Identity)
			if publishes {
				s.publisherCount--
			}
		}
		if len(s.participants) == 0 && s.emptySince.IsZero() {
			s.emptySince = time.Now()
		}
		s.lastActivityAt = eventTime(ev)

	case KindInterimTranscript, KindFinalTranscript, KindRecordingStateChanged:
		s.lastActivityAt = eventTime(ev)

	case KindConversationEnded:
		delete(r.sessions, ev.ConversationID)
		endedEv = &ev

	case KindSilenceAlert:
		// Advisory, not activity. Nothing to record.
	}
	r.mu.Unlock()

	if endedEv != nil && r.pub != nil {
		r.pub.EndTopic(endedEv.ConversationID, *endedEv)
	}
	return nil
}

// MarkDisconnected flags a session's platform link as down, starting the
// disconnect grace period. No-op for unknown IDs.
func (r *Registry) MarkDisconnected(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.disconnectedAt.IsZero() {
		s.disconnectedAt = time.Now()
	}
}

// MarkConnected clears a previous disconnect flag (platform link recovered).
func (r *Registry) MarkConnected(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.disconnectedAt = time.Time{}
	}
}

// Get returns a snapshot of the Active session with the given ID.
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, ErrConversationNotFound
	}
	return s.snapshot(), nil
}

// ListActive returns snapshots of all Active sessions ordered by start time
// ascending.
func (r *Registry) ListActive() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Run drives the grace-period reaper until ctx is cancelled. Sessions that
// have been empty or disconnected past their grace period are ended exactly
// as if the platform had reported room teardown.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *Registry) reap() {
	now := time.Now()
	type expired struct {
		id     string
		reason string
	}
	var dead []expired

	r.mu.RLock()
	for id, s := range r.sessions {
		if !s.emptySince.IsZero() && now.Sub(s.emptySince) >= r.cfg.EmptyGrace {
			dead = append(dead, expired{id, EndReasonEmptyGrace})
			continue
		}
		if !s.disconnectedAt.IsZero() && now.Sub(s.disconnectedAt) >= r.cfg.DisconnectGrace {
			dead = append(dead, expired{id, EndReasonDisconnectGrace})
		}
	}
	r.mu.RUnlock()

	for _, d := range dead {
		r.logger.Info("conversation ended by grace period",
			zap.String("conversation_id", d.id),
			zap.String("reason", d.reason))
		ev := NewEvent(d.id, KindConversationEnded, EndedPayload{Reason: d.reason})
		if err := r.ApplyEvent(ev); err != nil {
			// Session already gone; a concurrent end won the race.
			continue
		}
	}
}

func (s *session) snapshot() Snapshot {
	ids := make([]string, 0, len(s.participants))
	for id := range s.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Snapshot{
		ID:               s.id,
		Status:           StatusActive,
		StartedAt:        s.startedAt,
		Participants:     ids,
		ParticipantCount: len(s.participants),
		PublisherCount:   s.publisherCount,
		LastActivityAt:   s.lastActivityAt,
	}
}

func eventTime(ev Event) time.Time {
	if ev.Timestamp.IsZero() {
		return time.Now()
	}
	return ev.Timestamp
}
