package monitor

import (
	"sync"

	"go.uber.org/zap"
)

const (
	// defaultQueueSize is the per-subscriber bounded buffer. Slow admins fall
	// behind by dropping interim transcripts, never by blocking publishers.
	defaultQueueSize = 64
)

// BusConfig holds event bus tuning.
type BusConfig struct {
	// QueueSize is the per-subscriber buffer; zero means defaultQueueSize.
	QueueSize int
	// MaxSubscribersPerConversation caps fan-out per topic; zero disables
	// the guard.
	MaxSubscribersPerConversation int
}

// Bus is the in-process publish/subscribe core. Topics are conversation IDs;
// publishers are conversation-side adapters, subscribers are admin
// connections. Publishing never blocks on a subscriber.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscription
	cfg    BusConfig
	logger *zap.Logger
}

// NewBus creates an event bus.
func NewBus(cfg BusConfig, logger *zap.Logger) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		topics: make(map[string]map[string]*Subscription),
		cfg:    cfg,
		logger: logger,
	}
}

// Subscription is the handle returned by Subscribe. Events are consumed from
// Events(); the channel closes after the terminal conversation_ended event,
// or when the subscription is torn down.
type Subscription struct {
	ID             string
	ConversationID string

	mu       sync.Mutex
	queue    []Event
	maxQueue int
	draining bool

	notify    chan struct{}
	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// Subscribe registers interest in a conversation topic. The subscriberID is
// caller-supplied (one per admin connection per conversation) and used for
// idempotent teardown.
func (b *Bus) Subscribe(conversationID, subscriberID string) (*Subscription, error) {
	sub := &Subscription{
		ID:             subscriberID,
		ConversationID: conversationID,
		maxQueue:       b.cfg.QueueSize,
		notify:         make(chan struct{}, 1),
		out:            make(chan Event),
		done:           make(chan struct{}),
		logger:         b.logger,
	}

	b.mu.Lock()
	subs, ok := b.topics[conversationID]
	if !ok {
		subs = make(map[string]*Subscription)
		b.topics[conversationID] = subs
	}
	if b.cfg.MaxSubscribersPerConversation > 0 && len(subs) >= b.cfg.MaxSubscribersPerConversation {
		b.mu.Unlock()
		return nil, ErrSubscriptionLimit
	}
	if old, exists := subs[subscriberID]; exists {
		// Same admin re-subscribing; the stale handle is detached first.
		old.stop()
	}
	subs[subscriberID] = sub
	b.mu.Unlock()

	go sub.pump()
	return sub, nil
}

// Publish delivers the event to every subscription currently registered for
// the conversation, at most once each, in publish order. Non-blocking from
// the publisher's perspective.
func (b *Bus) Publish(conversationID string, ev Event) {
	b.mu.RLock()
	subs, ok := b.topics[conversationID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.push(ev)
	}
}

// EndTopic delivers one terminal event to every subscriber of the topic and
// removes the topic. Each subscriber's channel closes once its remaining
// queue has drained; no delivery happens after the terminal event.
func (b *Bus) EndTopic(conversationID string, ev Event) {
	b.mu.Lock()
	subs := b.topics[conversationID]
	delete(b.topics, conversationID)
	b.mu.Unlock()

	for _, s := range subs {
		s.push(ev)
	}
}

// Unsubscribe removes the subscription and cancels any in-flight delivery.
// Idempotent: unsubscribing an already-removed handle is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if subs, ok := b.topics[sub.ConversationID]; ok {
		if cur, exists := subs[sub.ID]; exists && cur == sub {
			delete(subs, sub.ID)
			if len(subs) == 0 {
				delete(b.topics, sub.ConversationID)
			}
		}
	}
	b.mu.Unlock()

	sub.stop()
}

// SubscriberCount returns the current number of subscribers on a topic.
func (b *Bus) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[conversationID])
}

// Events is the subscriber's delivery channel. FIFO per topic; closed after
// the terminal event or teardown.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// push enqueues an event, applying the overflow policy: drop the oldest
// interim transcript first (interim results are superseded anyway), then the
// oldest event of any kind.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.maxQueue {
		drop := 0
		for i, q := range s.queue {
			if q.Kind == KindInterimTranscript {
				drop = i
				break
			}
		}
		dropped := s.queue[drop]
		s.queue = append(s.queue[:drop], s.queue[drop+1:]...)
		s.logger.Debug("dropped event for slow subscriber",
			zap.String("conversation_id", s.ConversationID),
			zap.String("subscriber_id", s.ID),
			zap.String("kind", string(dropped.Kind)))
	}
	s.queue = append(s.queue, ev)
	if ev.IsTerminal() {
		s.draining = true
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves queued events to the out channel. Sole closer of out.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				draining := s.draining
				s.mu.Unlock()
				if draining {
					return
				}
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Subscription) stop() {
	s.closeOnce.Do(func() { close(s.done) })
}
