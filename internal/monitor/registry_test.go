package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturePub records publications without any fan-out machinery.
type capturePub struct {
	mu        sync.Mutex
	published []Event
	ended     []Event
}

func (p *capturePub) Publish(_ string, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, ev)
}

func (p *capturePub) EndTopic(_ string, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = append(p.ended, ev)
}

func (p *capturePub) endedEvents() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.ended...)
}

func joinEvent(conv, identity string, publisher bool) Event {
	return NewEvent(conv, KindParticipantJoined, ParticipantPayload{Identity: identity, IsPublisher: publisher})
}

func leaveEvent(conv, identity string) Event {
	return NewEvent(conv, KindParticipantLeft, ParticipantPayload{Identity: identity})
}

func TestRegistry_CreatesSessionOnFirstJoin(t *testing.T) {
	r := NewRegistry(&capturePub{}, RegistryConfig{}, nil)

	require.NoError(t, r.ApplyEvent(joinEvent("room-42", "customer", true)))

	snap, err := r.Get("room-42")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, snap.Status)
	assert.Equal(t, 1, snap.ParticipantCount)
	assert.Equal(t, 1, snap.PublisherCount)
	assert.Equal(t, []string{"customer"}, snap.Participants)
	assert.False(t, snap.StartedAt.IsZero())
}

func TestRegistry_NonJoinEventForUnknownConversationIsStale(t *testing.T) {
	r := NewRegistry(&capturePub{}, RegistryConfig{}, nil)

	err := r.ApplyEvent(transcriptEvent("room-ghost", "hello?", KindFinalTranscript))
	assert.ErrorIs(t, err, ErrStaleEvent)

	_, err = r.Get("room-ghost")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestRegistry_CountersTrackNetMembershipAndStayNonNegative(t *testing.T) {
	r := NewRegistry(&capturePub{}, RegistryConfig{}, nil)

	require.NoError(t, r.ApplyEvent(joinEvent("room-42", "customer", true)))
	require.NoError(t, r.ApplyEvent(joinEvent("room-42", "agent", true)))
	// Duplicate join is idempotent.
	require.NoError(t, r.ApplyEvent(joinEvent("room-42", "agent", true)))
	// Leave for an identity that never joined is ignored.
	require.NoError(t, r.ApplyEvent(leaveEvent("room-42", "stranger")))

	snap, err := r.Get("room-42")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.ParticipantCount)
	assert.Equal(t, 2, snap.PublisherCount)

	require.NoError(t, r.ApplyEvent(leaveEvent("room-42", "customer")))
	require.NoError(t, r.ApplyEvent(leaveEvent("room-42", "agent")))
	// Double leave stays at zero.
	require.NoError(t, r.ApplyEvent(leaveEvent("room-42", "agent")))

	snap, err = r.Get("room-42")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.ParticipantCount)
	assert.Equal(t, 0, snap.PublisherCount)
	assert.GreaterOrEqual(t, snap.ParticipantCount, 0)
}

func TestRegistry_ListActiveOrderedByStartTime(t *testing.T) {
	r := NewRegistry(&capturePub{}, RegistryConfig{}, nil)

	base := time.Now()
	for i, id := range []string{"room-c", "room-a", "room-b"} {
		ev := joinEvent(id, "customer", false)
		ev.Timestamp = base.Add(time.Duration(2-i) * time.Minute)
		require.NoError(t, r.ApplyEvent(ev))
	}

	active := r.ListActive()
	require.Len(t, active, 3)
	assert.Equal(t, "room-b", active[0].ID)
	assert.Equal(t, "room-a", active[1].ID)
	assert.Equal(t, "room-c", active[2].ID)
}

func TestRegistry_TranscriptUpdatesLastActivity(t *testing.T) {
	r := NewRegistry(&capturePub{}, RegistryConfig{}, nil)

	join := joinEvent("room-42", "customer", false)
	join.Timestamp = time.Now().Add(-time.Minute)
	require.NoError(t, r.ApplyEvent(join))

	before, err := r.Get("room-42")
	require.NoError(t, err)

	require.NoError(t, r.ApplyEvent(transcriptEvent("room-42", "hello", KindInterimTranscript)))

	after, err := r.Get("room-42")
	require.NoError(t, err)
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt))
}

func TestRegistry_EndedEventRemovesSessionAndEndsTopic(t *testing.T) {
	pub := &capturePub{}
	r := NewRegistry(pub, RegistryConfig{}, nil)

	require.NoError(t, r.ApplyEvent(joinEvent("room-42", "customer", false)))
	require.NoError(t, r.ApplyEvent(NewEvent("room-42", KindConversationEnded, EndedPayload{Reason: EndReasonRoomFinished})))

	_, err := r.Get("room-42")
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.Empty(t, r.ListActive())

	ended := pub.endedEvents()
	require.Len(t, ended, 1)
	assert.Equal(t, KindConversationEnded, ended[0].Kind)

	// Anything arriving after the end is stale.
	err = r.ApplyEvent(transcriptEvent("room-42", "late", KindFinalTranscript))
	assert.ErrorIs(t, err, ErrStaleEvent)
}

func TestRegistry_EndedTopicGetsTerminalEventThroughBus(t *testing.T) {
	b := NewBus(BusConfig{}, nil)
	r := NewRegistry(b, RegistryConfig{}, nil)

	require.NoError(t, r.ApplyEvent(joinEvent("room-42", "customer", false)))
	sub, err := b.Subscribe("room-42", "admin-1")
	require.NoError(t, err)

	require.NoError(t, r.ApplyEvent(NewEvent("room-42", KindConversationEnded, EndedPayload{Reason: EndReasonRoomFinished})))

	ev := recvEvent(t, sub)
	assert.Equal(t, KindConversationEnded, ev.Kind)
	requireClosed(t, sub)
}

func TestRegistry_EmptyGraceEndsConversation(t *testing.T) {
	pub := &capturePub{}
	r := NewRegistry(pub, RegistryConfig{
		EmptyGrace:   40 * time.Millisecond,
		ReapInterval: 10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, r.ApplyEvent(joinEvent("room-42", "customer", false)))
	require.NoError(t, r.ApplyEvent(leaveEvent("room-42", "customer")))

	require.Eventually(t, func() bool {
		_, err := r.Get("room-42")
		return err != nil
	}, time.Second, 10*time.Millisecond, "empty session should be reaped")

	ended := pub.endedEvents()
	require.Len(t, ended, 1)
	var p EndedPayload
	require.NoError(t, ended[0].UnmarshalPayload(&p))
	assert.Equal(t, EndReasonEmptyGrace, p.Reason)
}

func TestRegistry_RejoinDuringEmptyGraceKeepsSessionAlive(t *testing.T) {
	r := NewRegistry(&capturePub{}, RegistryConfig{
		EmptyGrace:   60 * time.Millisecond,
		ReapInterval: 10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, r.ApplyEvent(joinEvent("room-42", "customer", false)))
	require.NoError(t, r.ApplyEvent(leaveEvent("room-42", "customer")))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.ApplyEvent(joinEvent("room-42", "customer", false)))

	time.Sleep(120 * time.Millisecond)
	_, err := r.Get("room-42")
	assert.NoError(t, err, "re-joined session must not be reaped")
}

func TestRegistry_DisconnectGraceEndsConversation(t *testing.T) {
	pub := &capturePub{}
	r := NewRegistry(pub, RegistryConfig{
		DisconnectGrace: 40 * time.Millisecond,
		ReapInterval:    10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, r.ApplyEvent(joinEvent("room-42", "customer", false)))
	r.MarkDisconnected("room-42")

	require.Eventually(t, func() bool {
		_, err := r.Get("room-42")
		return err != nil
	}, time.Second, 10*time.Millisecond)

	ended := pub.endedEvents()
	require.Len(t, ended, 1)
	var p EndedPayload
	require.NoError(t, ended[0].UnmarshalPayload(&p))
	assert.Equal(t, EndReasonDisconnectGrace, p.Reason)
}

func TestRegistry_ReconnectClearsDisconnectGrace(t *testing.T) {
	r := NewRegistry(&capturePub{}, RegistryConfig{
		DisconnectGrace: 60 * time.Millisecond,
		ReapInterval:    10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, r.ApplyEvent(joinEvent("room-42", "customer", false)))
	r.MarkDisconnected("room-42")
	time.Sleep(20 * time.Millisecond)
	r.MarkConnected("room-42")

	time.Sleep(120 * time.Millisecond)
	_, err := r.Get("room-42")
	assert.NoError(t, err, "recovered session must not be reaped")
}
