package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrBusClosed is returned by operations on a closed bus
var ErrBusClosed = errors.New("event bus is closed")

const (
	deliveryDelivered = "delivered"
	deliveryFailed    = "failed"
	deliveryDropped   = "dropped"
)

// ===============================
// CONFIGURATION
// ===============================

// BusConfig holds configuration for the topic bus
type BusConfig struct {
	// MailboxSize bounds the events queued for one subscriber. A subscriber
	// that falls further behind is dropped.
	MailboxSize    int           `json:"mailbox_size" yaml:"mailbox_size"`
	HandlerTimeout time.Duration `json:"handler_timeout" yaml:"handler_timeout"`
	CloseTimeout   time.Duration `json:"close_timeout" yaml:"close_timeout"`
}

// DefaultBusConfig returns default configuration
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		MailboxSize:    1024,
		HandlerTimeout: 10 * time.Second,
		CloseTimeout:   5 * time.Second,
	}
}

// ===============================
// TOPIC BUS
// ===============================

// Bus is an in-process publish/subscribe router keyed by topic. Each
// subscriber consumes its events on its own goroutine, in publish order.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic
	closed bool

	config  *BusConfig
	logger  *zap.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type topic struct {
	key  string
	mu   sync.Mutex
	subs map[string]*subscriber
	// dead is set once the topic has been emptied and unlinked from the bus.
	dead bool
}

// NewBus creates a topic bus
func NewBus(config *BusConfig, logger *zap.Logger, metrics *Metrics) *Bus {
	if config == nil {
		config = DefaultBusConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		topics:  make(map[string]*topic),
		config:  config,
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Subscribe registers handler under subscriberID on the topic. A previous
// registration with the same ID on that topic is replaced and its pending
// events are discarded.
func (b *Bus) Subscribe(topicKey, subscriberID string, handler Handler) (*Subscription, error) {
	if topicKey == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	if subscriberID == "" {
		return nil, fmt.Errorf("subscriber ID cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	sub := newSubscriber(subscriberID, topicKey, handler, b.config.MailboxSize)

	var replaced *subscriber
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBusClosed
		}
		t, ok := b.topics[topicKey]
		if !ok {
			t = &topic{key: topicKey, subs: make(map[string]*subscriber)}
			b.topics[topicKey] = t
			b.metrics.topicAdded()
		}
		b.mu.Unlock()

		t.mu.Lock()
		if t.dead {
			t.mu.Unlock()
			b.unlinkTopic(t)
			continue
		}
		replaced = t.subs[subscriberID]
		t.subs[subscriberID] = sub
		b.wg.Add(1)
		t.mu.Unlock()
		break
	}

	go b.consume(sub)

	if replaced != nil {
		replaced.stop(false)
		b.logger.Debug("Subscriber replaced",
			zap.String("topic", topicKey),
			zap.String("subscriber_id", subscriberID),
		)
	} else {
		b.metrics.subscriberAdded()
		b.logger.Debug("Subscriber added",
			zap.String("topic", topicKey),
			zap.String("subscriber_id", subscriberID),
		)
	}

	return &Subscription{bus: b, sub: sub}, nil
}

// Unsubscribe removes the subscriber from the topic. Events already queued
// for it are still delivered. Unknown pairs are ignored.
func (b *Bus) Unsubscribe(topicKey, subscriberID string) {
	b.remove(topicKey, subscriberID, nil, true)
}

// Publish delivers event to every subscriber currently registered on the topic
func (b *Bus) Publish(ctx context.Context, event CommentEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.PublishTopic(event.Topic(), event)
}

// PublishTopic delivers event to the subscribers of an explicit topic key
func (b *Bus) PublishTopic(topicKey string, event CommentEvent) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	t := b.topics[topicKey]
	b.mu.RUnlock()

	b.metrics.eventPublished(event.Kind)
	if t == nil {
		return nil
	}

	var overflowed []*subscriber
	t.mu.Lock()
	if !t.dead {
		for _, sub := range t.subs {
			if !sub.enqueue(event) {
				overflowed = append(overflowed, sub)
			}
		}
	}
	t.mu.Unlock()

	for _, sub := range overflowed {
		b.logger.Warn("Subscriber mailbox full, dropping subscriber",
			zap.String("topic", topicKey),
			zap.String("subscriber_id", sub.id),
			zap.Int("mailbox_size", b.config.MailboxSize),
		)
		b.metrics.delivery(deliveryDropped)
		b.remove(sub.topic, sub.id, sub, false)
	}

	return nil
}

// SubscriberCount returns the number of subscribers on a topic
func (b *Bus) SubscriberCount(topicKey string) int {
	b.mu.RLock()
	t := b.topics[topicKey]
	b.mu.RUnlock()
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// TopicCount returns the number of live topics
func (b *Bus) TopicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// Health reports whether the bus accepts publications
func (b *Bus) Health() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

// Close stops every subscriber, discarding undelivered events, and waits for
// their goroutines until ctx or the configured close timeout expires.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.topics = make(map[string]*topic)
	b.mu.Unlock()

	var subs []*subscriber
	for _, t := range topics {
		t.mu.Lock()
		t.dead = true
		for _, sub := range t.subs {
			subs = append(subs, sub)
		}
		t.subs = nil
		t.mu.Unlock()
		b.metrics.topicRemoved()
	}
	for _, sub := range subs {
		sub.stop(false)
		b.metrics.subscriberRemoved()
	}
	b.cancel()

	b.logger.Info("Stopping event bus", zap.Int("subscribers", len(subs)))

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	timeout := time.NewTimer(b.config.CloseTimeout)
	defer timeout.Stop()

	select {
	case <-done:
		b.logger.Info("Event bus stopped")
		return nil
	case <-ctx.Done():
		b.logger.Warn("Event bus stop timeout")
		return ctx.Err()
	case <-timeout.C:
		b.logger.Warn("Event bus stop timeout")
		return fmt.Errorf("event bus: %d subscriber goroutines still running", len(subs))
	}
}

// remove unlinks a subscriber. When only is not nil the subscriber is removed
// only if it is still the current registration for its ID.
func (b *Bus) remove(topicKey, subscriberID string, only *subscriber, drain bool) {
	b.mu.RLock()
	t := b.topics[topicKey]
	b.mu.RUnlock()
	if t == nil {
		if only != nil {
			only.stop(drain)
		}
		return
	}

	t.mu.Lock()
	sub, ok := t.subs[subscriberID]
	if !ok || (only != nil && sub != only) {
		t.mu.Unlock()
		if only != nil {
			only.stop(drain)
		}
		return
	}
	delete(t.subs, subscriberID)
	empty := len(t.subs) == 0
	if empty {
		t.dead = true
	}
	t.mu.Unlock()

	sub.stop(drain)
	b.metrics.subscriberRemoved()
	b.logger.Debug("Subscriber removed",
		zap.String("topic", topicKey),
		zap.String("subscriber_id", subscriberID),
	)

	if empty {
		b.unlinkTopic(t)
	}
}

// unlinkTopic drops an emptied topic from the map
func (b *Bus) unlinkTopic(t *topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.topics[t.key]; ok && cur == t {
		delete(b.topics, t.key)
		b.metrics.topicRemoved()
	}
}

// consume runs the delivery loop of one subscriber
func (b *Bus) consume(sub *subscriber) {
	defer b.wg.Done()
	defer close(sub.done)

	for {
		event, ok := sub.next()
		if !ok {
			return
		}

		if err := b.deliver(sub, event); err != nil {
			b.logger.Warn("Event delivery failed, removing subscriber",
				zap.String("topic", sub.topic),
				zap.String("subscriber_id", sub.id),
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			b.metrics.delivery(deliveryFailed)
			b.remove(sub.topic, sub.id, sub, false)
			return
		}
		b.metrics.delivery(deliveryDelivered)
	}
}

// deliver invokes the handler with timeout and recovery
func (b *Bus) deliver(sub *subscriber, event CommentEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(b.ctx, b.config.HandlerTimeout)
	defer cancel()

	return sub.handler(ctx, event)
}

// ===============================
// SUBSCRIBER MAILBOX
// ===============================

type subscriber struct {
	id      string
	topic   string
	handler Handler
	limit   int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []CommentEvent
	stopped bool
	done    chan struct{}
}

func newSubscriber(id, topicKey string, handler Handler, limit int) *subscriber {
	s := &subscriber{
		id:      id,
		topic:   topicKey,
		handler: handler,
		limit:   limit,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// enqueue appends an event; it returns false when the mailbox is full
func (s *subscriber) enqueue(event CommentEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return true
	}
	if s.limit > 0 && len(s.queue) >= s.limit {
		return false
	}
	s.queue = append(s.queue, event)
	s.cond.Signal()
	return true
}

// next blocks until an event is available or the subscriber is stopped and drained
func (s *subscriber) next() (CommentEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.stopped {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return CommentEvent{}, false
	}
	event := s.queue[0]
	s.queue[0] = CommentEvent{}
	s.queue = s.queue[1:]
	return event, true
}

// stop rejects further events; pending events are kept when drain is set
func (s *subscriber) stop(drain bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if !drain {
		s.queue = nil
	}
	s.cond.Broadcast()
}

// ===============================
// SUBSCRIPTION HANDLE
// ===============================

// Subscription is a handle on one registration. Close releases it; closing a
// handle whose registration was replaced leaves the replacement in place.
type Subscription struct {
	bus  *Bus
	sub  *subscriber
	once sync.Once
}

// Topic returns the subscribed topic key
func (s *Subscription) Topic() string {
	return s.sub.topic
}

// SubscriberID returns the subscriber ID
func (s *Subscription) SubscriberID() string {
	return s.sub.id
}

// Done is closed once the subscriber has stopped consuming, whether it was
// released, replaced, dropped after a failed delivery, or the bus closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.sub.done
}

// Close releases the registration; events already queued are still delivered
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.sub.topic, s.sub.id, s.sub, true)
	})
}
