package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relayvoice/backend/internal/monitor"
)

const (
	channelPrefix    = "conversation:"
	lifecycleChannel = "conversations:lifecycle"
	publishTimeout   = 5 * time.Second
)

// bridgePayload is the message published to Redis for cross-instance fan-out.
// Origin lets the publishing instance skip its own echo.
type bridgePayload struct {
	Origin string        `json:"origin"`
	Event  monitor.Event `json:"event"`
	At     int64         `json:"at"`
}

// RedisBridge mirrors conversation events across server instances using
// Redis pub/sub. Session-establishing events (joins, leaves, recording state,
// ends) travel on a shared lifecycle channel that every instance consumes for
// its whole lifetime, so each registry tracks every conversation no matter
// which instance its webhooks land on. The transcript firehose gets one
// channel per conversation, subscribed only while at least one local admin
// watches it.
type RedisBridge struct {
	client  *redis.Client
	origin  string
	handler func(monitor.Event)
	logger  *zap.Logger

	mu              sync.Mutex
	subs            map[string]context.CancelFunc
	lifecycleCancel context.CancelFunc
}

// NewRedisBridge creates a bridge. Incoming remote events are passed to
// handler, which is expected to run them through the same ingestion path as
// local platform events.
func NewRedisBridge(client *redis.Client, handler func(monitor.Event), logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:  client,
		origin:  uuid.New().String(),
		handler: handler,
		logger:  logger,
		subs:    make(map[string]context.CancelFunc),
	}
}

// channelFor routes an event to its Redis channel: transcripts to the
// per-conversation channel, everything else to the lifecycle channel.
func channelFor(ev monitor.Event) string {
	switch ev.Kind {
	case monitor.KindInterimTranscript, monitor.KindFinalTranscript:
		return channelPrefix + ev.ConversationID
	default:
		return lifecycleChannel
	}
}

// Start opens the always-on lifecycle subscription. Without it a registry
// could never learn of conversations whose webhooks land on another instance:
// admins here would get a not-found for every one of them, and the lazy
// per-conversation subscription would never be asked for.
func (b *RedisBridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lifecycleCancel != nil {
		return
	}
	cancel, err := b.subscribeChannel(lifecycleChannel)
	if err != nil {
		b.logger.Warn("redis bridge lifecycle subscribe failed", zap.Error(err))
		return
	}
	b.lifecycleCancel = cancel
}

// Publish mirrors a locally ingested event to its channel.
func (b *RedisBridge) Publish(ev monitor.Event) error {
	body, err := json.Marshal(bridgePayload{Origin: b.origin, Event: ev, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return b.client.Publish(ctx, channelFor(ev), body).Err()
}

// EnsureTopic opens the remote subscription for a conversation if it is not
// already held. Idempotent.
func (b *RedisBridge) EnsureTopic(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[conversationID]; ok {
		return
	}
	cancel, err := b.subscribeChannel(channelPrefix + conversationID)
	if err != nil {
		b.logger.Warn("redis bridge subscribe failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	b.subs[conversationID] = cancel
}

// ReleaseTopic drops the remote subscription for a conversation. Idempotent.
func (b *RedisBridge) ReleaseTopic(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.subs[conversationID]; ok {
		cancel()
		delete(b.subs, conversationID)
	}
}

// Close drops the lifecycle subscription and every remote topic subscription.
func (b *RedisBridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lifecycleCancel != nil {
		b.lifecycleCancel()
		b.lifecycleCancel = nil
	}
	for id, cancel := range b.subs {
		cancel()
		delete(b.subs, id)
	}
}

func (b *RedisBridge) subscribeChannel(channel string) (context.CancelFunc, error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p bridgePayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					continue
				}
				if p.Origin == b.origin {
					continue
				}
				b.handler(p.Event)
			}
		}
	}()
	return cancelCtx, nil
}
