package realtime

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayvoice/backend/internal/monitor"
)

func newTestStack(t *testing.T) (*monitor.Registry, *monitor.Bus, *Manager) {
	t.Helper()
	bus := monitor.NewBus(monitor.BusConfig{}, nil)
	registry := monitor.NewRegistry(bus, monitor.RegistryConfig{}, nil)
	mgr := NewManager(registry, bus, nil, nil)
	return registry, bus, mgr
}

func activeConn(mgr *Manager, adminID string) *Conn {
	c := mgr.Register(adminID)
	c.Activate()
	return c
}

func join(t *testing.T, registry *monitor.Registry, conv, identity string) {
	t.Helper()
	ev := monitor.NewEvent(conv, monitor.KindParticipantJoined, monitor.ParticipantPayload{Identity: identity, IsPublisher: true})
	require.NoError(t, registry.ApplyEvent(ev))
}

func nextMsg(t *testing.T, c *Conn) WSMessage {
	t.Helper()
	select {
	case msg := <-c.Outbox():
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound message")
		return WSMessage{}
	}
}

func TestManager_SubscribeUnknownConversationFails(t *testing.T) {
	_, _, mgr := newTestStack(t)
	conn := activeConn(mgr, "admin-1")
	defer conn.Drain()

	_, err := conn.Subscribe("room-missing")
	assert.ErrorIs(t, err, monitor.ErrConversationNotFound)
}

func TestManager_SubscribeBeforeHandshakeCompletesFails(t *testing.T) {
	registry, _, mgr := newTestStack(t)
	join(t, registry, "room-42", "customer")

	conn := mgr.Register("admin-1") // still Connecting
	defer conn.Drain()

	_, err := conn.Subscribe("room-42")
	assert.ErrorIs(t, err, ErrConnectionNotActive)

	conn.Activate()
	_, err = conn.Subscribe("room-42")
	assert.NoError(t, err)
}

func TestManager_SnapshotPrecedesLiveEvents(t *testing.T) {
	registry, bus, mgr := newTestStack(t)
	join(t, registry, "room-42", "customer")

	conn := activeConn(mgr, "admin-1")
	defer conn.Drain()

	snap, err := conn.Subscribe("room-42")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ParticipantCount)
	assert.Equal(t, monitor.StatusActive, snap.Status)

	bus.Publish("room-42", monitor.NewEvent("room-42", monitor.KindFinalTranscript,
		monitor.TranscriptPayload{Speaker: "customer", Text: "hello"}))

	first := nextMsg(t, conn)
	require.Equal(t, "subscribed", first.Event)
	var gotSnap monitor.Snapshot
	require.NoError(t, json.Unmarshal(first.Data, &gotSnap))
	assert.Equal(t, "room-42", gotSnap.ID)
	assert.Equal(t, 1, gotSnap.ParticipantCount)
	assert.Equal(t, []string{"customer"}, gotSnap.Participants)

	second := nextMsg(t, conn)
	require.Equal(t, "conversation_event", second.Event)
	var ev monitor.Event
	require.NoError(t, json.Unmarshal(second.Data, &ev))
	assert.Equal(t, monitor.KindFinalTranscript, ev.Kind)
	var p monitor.TranscriptPayload
	require.NoError(t, ev.UnmarshalPayload(&p))
	assert.Equal(t, "customer", p.Speaker)
	assert.Equal(t, "hello", p.Text)
}

func TestManager_ConversationEndReachesSubscriberThenDetaches(t *testing.T) {
	registry, bus, mgr := newTestStack(t)
	join(t, registry, "room-42", "customer")

	conn := activeConn(mgr, "admin-1")
	defer conn.Drain()

	_, err := conn.Subscribe("room-42")
	require.NoError(t, err)
	nextMsg(t, conn) // snapshot

	require.NoError(t, registry.ApplyEvent(monitor.NewEvent("room-42", monitor.KindConversationEnded,
		monitor.EndedPayload{Reason: monitor.EndReasonRoomFinished})))

	msg := nextMsg(t, conn)
	require.Equal(t, "conversation_event", msg.Event)
	var ev monitor.Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, monitor.KindConversationEnded, ev.Kind)

	// Detached: nothing reaches the subscriber set anymore.
	assert.Eventually(t, func() bool {
		return bus.SubscriberCount("room-42") == 0
	}, time.Second, 10*time.Millisecond)

	// A later admin gets an explicit not-found, not a silent hang.
	conn2 := activeConn(mgr, "admin-2")
	defer conn2.Drain()
	_, err = conn2.Subscribe("room-42")
	assert.ErrorIs(t, err, monitor.ErrConversationNotFound)
}

func TestManager_DrainReleasesEverySubscription(t *testing.T) {
	registry, bus, mgr := newTestStack(t)
	join(t, registry, "room-1", "customer")
	join(t, registry, "room-2", "customer")

	conn := activeConn(mgr, "admin-1")
	_, err := conn.Subscribe("room-1")
	require.NoError(t, err)
	_, err = conn.Subscribe("room-2")
	require.NoError(t, err)

	require.Equal(t, 1, bus.SubscriberCount("room-1"))
	require.Equal(t, 1, bus.SubscriberCount("room-2"))
	require.Equal(t, 1, mgr.ConnectionCount())

	conn.Drain()
	conn.Drain() // second drain is a no-op

	assert.Equal(t, 0, bus.SubscriberCount("room-1"))
	assert.Equal(t, 0, bus.SubscriberCount("room-2"))
	assert.Equal(t, 0, mgr.ConnectionCount())
	assert.Equal(t, StateClosed, conn.State())
}

func TestManager_UnsubscribeIsIdempotent(t *testing.T) {
	registry, bus, mgr := newTestStack(t)
	join(t, registry, "room-42", "customer")

	conn := activeConn(mgr, "admin-1")
	defer conn.Drain()

	_, err := conn.Subscribe("room-42")
	require.NoError(t, err)
	nextMsg(t, conn) // snapshot

	conn.Unsubscribe("room-42")
	conn.Unsubscribe("room-42") // no error, no side effects
	assert.Equal(t, 0, bus.SubscriberCount("room-42"))

	bus.Publish("room-42", monitor.NewEvent("room-42", monitor.KindFinalTranscript,
		monitor.TranscriptPayload{Speaker: "agent", Text: "anyone there?"}))

	select {
	case msg := <-conn.Outbox():
		t.Fatalf("unsubscribed connection received %q", msg.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_MultipleAdminsMayWatchSameConversation(t *testing.T) {
	registry, bus, mgr := newTestStack(t)
	join(t, registry, "room-42", "customer")

	conn1 := activeConn(mgr, "admin-1")
	defer conn1.Drain()
	conn2 := activeConn(mgr, "admin-2")
	defer conn2.Drain()

	_, err := conn1.Subscribe("room-42")
	require.NoError(t, err)
	_, err = conn2.Subscribe("room-42")
	require.NoError(t, err)
	nextMsg(t, conn1)
	nextMsg(t, conn2)

	bus.Publish("room-42", monitor.NewEvent("room-42", monitor.KindFinalTranscript,
		monitor.TranscriptPayload{Speaker: "customer", Text: "shared"}))

	for _, conn := range []*Conn{conn1, conn2} {
		msg := nextMsg(t, conn)
		assert.Equal(t, "conversation_event", msg.Event)
	}
}

// recordingBridge captures ensure/release calls for assertions.
type recordingBridge struct {
	mu       sync.Mutex
	ensured  []string
	released []string
}

func (b *recordingBridge) EnsureTopic(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensured = append(b.ensured, id)
}

func (b *recordingBridge) ReleaseTopic(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = append(b.released, id)
}

func TestManager_BridgeFollowsSubscriptionLifecycle(t *testing.T) {
	bus := monitor.NewBus(monitor.BusConfig{}, nil)
	registry := monitor.NewRegistry(bus, monitor.RegistryConfig{}, nil)
	bridge := &recordingBridge{}
	mgr := NewManager(registry, bus, bridge, nil)

	join(t, registry, "room-42", "customer")

	conn := activeConn(mgr, "admin-1")
	_, err := conn.Subscribe("room-42")
	require.NoError(t, err)

	bridge.mu.Lock()
	assert.Equal(t, []string{"room-42"}, bridge.ensured)
	bridge.mu.Unlock()

	conn.Drain()

	assert.Eventually(t, func() bool {
		bridge.mu.Lock()
		defer bridge.mu.Unlock()
		return len(bridge.released) >= 1 && bridge.released[0] == "room-42"
	}, time.Second, 10*time.Millisecond)
}
