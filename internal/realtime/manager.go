package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayvoice/backend/internal/monitor"
)

// ErrConnectionNotActive is returned for subscribe requests on a connection
// that is still handshaking or already draining.
var ErrConnectionNotActive = errors.New("connection not active")

// sendBufferSize is the per-connection outbound buffer.
const sendBufferSize = 256

// WSMessage is the WebSocket message envelope shared with the admin client.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Connection lifecycle states.
const (
	StateConnecting int32 = iota
	StateActive
	StateDraining
	StateClosed
)

// TopicBridge is the optional cross-instance fan-out hook. The first local
// subscriber of a conversation opens the remote subscription, the last one
// releases it.
type TopicBridge interface {
	EnsureTopic(conversationID string)
	ReleaseTopic(conversationID string)
}

// Manager owns the lifetime of every admin connection and fans bus events out
// to the correct subscriber set. All subscription cleanup funnels through one
// drain routine per connection, reachable from transport errors, explicit
// close and conversation end alike.
type Manager struct {
	registry *monitor.Registry
	bus      *monitor.Bus
	bridge   TopicBridge // may be nil
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewManager creates an admin connection manager.
func NewManager(registry *monitor.Registry, bus *monitor.Bus, bridge TopicBridge, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		registry: registry,
		bus:      bus,
		bridge:   bridge,
		logger:   logger,
		conns:    make(map[string]*Conn),
	}
}

// Conn is one admin's duplex channel into the monitoring plane. The transport
// layer drains Outbox() and feeds inbound requests to Subscribe/Unsubscribe.
type Conn struct {
	ID      string
	AdminID string

	mgr   *Manager
	state atomic.Int32

	mu   sync.Mutex
	subs map[string]*monitor.Subscription // conversationID -> handle

	send      chan WSMessage
	done      chan struct{}
	drainOnce sync.Once
	logger    *zap.Logger
}

// Register creates a connection in the Connecting state. The caller activates
// it once the transport handshake has finished.
func (m *Manager) Register(adminID string) *Conn {
	c := &Conn{
		ID:      uuid.New().String(),
		AdminID: adminID,
		mgr:     m,
		subs:    make(map[string]*monitor.Subscription),
		send:    make(chan WSMessage, sendBufferSize),
		done:    make(chan struct{}),
		logger:  m.logger.With(zap.String("admin_id", adminID)),
	}
	m.mu.Lock()
	m.conns[c.ID] = c
	m.mu.Unlock()
	m.logger.Debug("admin connection registered", zap.String("conn_id", c.ID), zap.String("admin_id", adminID))
	return c
}

// ConnectionCount returns the number of live admin connections.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) remove(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c.ID)
	m.mu.Unlock()
}

// Activate moves the connection from Connecting to Active; subscribe requests
// are accepted only after this point.
func (c *Conn) Activate() {
	c.state.CompareAndSwap(StateConnecting, StateActive)
}

// State returns the current lifecycle state.
func (c *Conn) State() int32 {
	return c.state.Load()
}

// Outbox is the transport-facing stream of serialized messages. Stops
// producing once Done is closed.
func (c *Conn) Outbox() <-chan WSMessage {
	return c.send
}

// Done closes when the connection has drained; the transport write loop
// selects on it alongside Outbox.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Subscribe attaches this connection to a conversation topic. On success the
// returned snapshot is delivered to the client first, followed by live
// events. Fails with monitor.ErrConversationNotFound when the registry holds
// no Active session for the ID.
func (c *Conn) Subscribe(conversationID string) (monitor.Snapshot, error) {
	if c.state.Load() != StateActive {
		return monitor.Snapshot{}, ErrConnectionNotActive
	}

	c.mu.Lock()
	if _, dup := c.subs[conversationID]; dup {
		c.mu.Unlock()
		// Idempotent: re-subscribing just refreshes the snapshot.
		return c.mgr.registry.Get(conversationID)
	}
	c.mu.Unlock()

	if _, err := c.mgr.registry.Get(conversationID); err != nil {
		return monitor.Snapshot{}, err
	}

	sub, err := c.mgr.bus.Subscribe(conversationID, c.ID)
	if err != nil {
		return monitor.Snapshot{}, err
	}

	// The conversation may have ended between the registry check and the bus
	// registration; in that window the new handle would never see the
	// terminal event, so re-check and roll back.
	snap, err := c.mgr.registry.Get(conversationID)
	if err != nil {
		c.mgr.bus.Unsubscribe(sub)
		return monitor.Snapshot{}, err
	}

	c.mu.Lock()
	if c.state.Load() != StateActive {
		c.mu.Unlock()
		c.mgr.bus.Unsubscribe(sub)
		return monitor.Snapshot{}, ErrConnectionNotActive
	}
	c.subs[conversationID] = sub
	c.mu.Unlock()

	if c.mgr.bridge != nil {
		c.mgr.bridge.EnsureTopic(conversationID)
	}

	// Snapshot goes onto the outbox before the forwarder starts so the
	// client always sees it ahead of any live event.
	if data, err := json.Marshal(snap); err == nil {
		c.push(WSMessage{Event: "subscribed", Data: data})
	}

	go c.forward(conversationID, sub)

	c.logger.Debug("subscribed", zap.String("conversation_id", conversationID), zap.String("conn_id", c.ID))
	return snap, nil
}

// Unsubscribe detaches the connection from a conversation. Always succeeds;
// unknown conversation IDs are a no-op.
func (c *Conn) Unsubscribe(conversationID string) {
	c.mu.Lock()
	sub, ok := c.subs[conversationID]
	if ok {
		delete(c.subs, conversationID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.mgr.bus.Unsubscribe(sub)
	c.releaseBridge(conversationID)
	c.logger.Debug("unsubscribed", zap.String("conversation_id", conversationID), zap.String("conn_id", c.ID))
}

// forward moves bus events onto the connection's outbound buffer until the
// subscription channel closes (terminal event or teardown).
func (c *Conn) forward(conversationID string, sub *monitor.Subscription) {
	for ev := range sub.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		c.push(WSMessage{Event: "conversation_event", Data: data})
	}

	// The topic ended (or the handle was torn down); forget the handle so a
	// later unsubscribe stays a clean no-op.
	c.mu.Lock()
	if cur, ok := c.subs[conversationID]; ok && cur == sub {
		delete(c.subs, conversationID)
	}
	c.mu.Unlock()
	c.releaseBridge(conversationID)
}

// push enqueues without blocking. A stalled transport loses events rather
// than stalling the fan-out; the websocket write path detects real transport
// failure and drains the connection.
func (c *Conn) push(msg WSMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.logger.Debug("outbound buffer full, dropping message", zap.String("conn_id", c.ID), zap.String("event", msg.Event))
	}
}

// Drain is the single teardown routine: it releases every subscription held
// by this connection and closes the outbox. Safe to call from any exit path,
// any number of times.
func (c *Conn) Drain() {
	c.drainOnce.Do(func() {
		c.state.Store(StateDraining)

		c.mu.Lock()
		held := make(map[string]*monitor.Subscription, len(c.subs))
		for id, sub := range c.subs {
			held[id] = sub
		}
		c.subs = make(map[string]*monitor.Subscription)
		c.mu.Unlock()

		for id, sub := range held {
			c.mgr.bus.Unsubscribe(sub)
			c.releaseBridge(id)
		}

		close(c.done)
		c.state.Store(StateClosed)
		c.mgr.remove(c)
		c.logger.Debug("admin connection closed", zap.String("conn_id", c.ID))
	})
}

func (c *Conn) releaseBridge(conversationID string) {
	if c.mgr.bridge != nil && c.mgr.bus.SubscriberCount(conversationID) == 0 {
		c.mgr.bridge.ReleaseTopic(conversationID)
	}
}
