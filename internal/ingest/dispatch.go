package ingest

import (
	"errors"

	"go.uber.org/zap"

	"github.com/relayvoice/backend/internal/monitor"
)

// EventMirror forwards locally ingested events to peer instances.
// *realtime.RedisBridge satisfies it.
type EventMirror interface {
	Publish(ev monitor.Event) error
}

// Dispatcher is the single entry point for conversation events, whether they
// arrive from the platform webhook or from a peer instance. Every event runs
// through the registry first so session state and fan-out can never diverge.
type Dispatcher struct {
	registry *monitor.Registry
	bus      *monitor.Bus
	mirror   EventMirror // may be nil
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. mirror may be nil for single-instance
// deployments.
func NewDispatcher(registry *monitor.Registry, bus *monitor.Bus, mirror EventMirror, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, bus: bus, mirror: mirror, logger: logger}
}

// Local applies an event to the registry and fans it out to local subscribers.
// Stale events (for conversations that already ended) are logged and dropped;
// ingestion is fire-and-forget, so that is not an error for the caller.
func (d *Dispatcher) Local(ev monitor.Event) {
	if err := d.registry.ApplyEvent(ev); err != nil {
		if errors.Is(err, monitor.ErrStaleEvent) {
			d.logger.Debug("dropping stale event",
				zap.String("conversation_id", ev.ConversationID),
				zap.String("kind", string(ev.Kind)))
			return
		}
		d.logger.Warn("apply event failed",
			zap.String("conversation_id", ev.ConversationID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
		return
	}
	// Terminal events reach subscribers through the registry's topic teardown;
	// publishing them again would deliver the end twice.
	if !ev.IsTerminal() {
		d.bus.Publish(ev.ConversationID, ev)
	}
}

// Ingest handles an event arriving from the platform: apply it locally, then
// mirror it to peer instances so their admins see it too.
func (d *Dispatcher) Ingest(ev monitor.Event) {
	d.Local(ev)
	if d.mirror != nil {
		if err := d.mirror.Publish(ev); err != nil {
			d.logger.Warn("mirror publish failed",
				zap.String("conversation_id", ev.ConversationID),
				zap.Error(err))
		}
	}
}
