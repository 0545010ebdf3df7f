package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBrokerConfig holds configuration for cross-instance fan-out
type RedisBrokerConfig struct {
	ChannelPrefix  string        `json:"channel_prefix" yaml:"channel_prefix"`
	InstanceID     string        `json:"instance_id" yaml:"instance_id"`
	PublishTimeout time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
	// MaxReconnectInterval caps the backoff between subscription attempts.
	MaxReconnectInterval time.Duration `json:"max_reconnect_interval" yaml:"max_reconnect_interval"`
}

// DefaultRedisBrokerConfig returns default configuration
func DefaultRedisBrokerConfig() *RedisBrokerConfig {
	return &RedisBrokerConfig{
		ChannelPrefix:        "livecomments:post:",
		PublishTimeout:       2 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
	}
}

// envelope is the wire form of a relayed event
type envelope struct {
	Origin string       `json:"origin"`
	Event  CommentEvent `json:"event"`
}

// RedisBroker relays events between instances over Redis pub/sub. Events are
// delivered to the local bus first, then published for the other instances,
// which hand them to their own bus. An instance ignores its own echoes.
type RedisBroker struct {
	client redis.UniversalClient
	bus    *Bus
	config *RedisBrokerConfig
	logger *zap.Logger
}

// NewRedisBroker creates a broker in front of bus
func NewRedisBroker(client redis.UniversalClient, bus *Bus, config *RedisBrokerConfig, logger *zap.Logger) *RedisBroker {
	if config == nil {
		config = DefaultRedisBrokerConfig()
	}
	if config.InstanceID == "" {
		if id, err := uuid.NewV4(); err == nil {
			config.InstanceID = id.String()
		} else {
			config.InstanceID = fmt.Sprintf("instance-%d", time.Now().UnixNano())
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisBroker{
		client: client,
		bus:    bus,
		config: config,
		logger: logger.With(zap.String("instance_id", config.InstanceID)),
	}
}

// InstanceID returns the origin tag of this instance
func (r *RedisBroker) InstanceID() string {
	return r.config.InstanceID
}

// Publish delivers the event locally and relays it to the other instances
func (r *RedisBroker) Publish(ctx context.Context, event CommentEvent) error {
	if err := r.bus.Publish(ctx, event); err != nil {
		return err
	}

	data, err := json.Marshal(envelope{Origin: r.config.InstanceID, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.config.PublishTimeout)
	defer cancel()

	if err := r.client.Publish(pubCtx, r.channel(event.PostID), data).Err(); err != nil {
		r.logger.Warn("Failed to relay event",
			zap.String("event_id", event.EventID),
			zap.String("post_id", event.PostID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to relay event: %w", err)
	}
	return nil
}

// Run consumes relayed events until ctx is cancelled, resubscribing with
// exponential backoff when the subscription fails.
func (r *RedisBroker) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = r.config.MaxReconnectInterval

	err := backoff.RetryNotify(
		func() error { return r.listen(ctx) },
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			r.logger.Warn("Redis subscription lost, retrying",
				zap.Error(err),
				zap.Duration("backoff", d),
			)
		},
	)
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *RedisBroker) listen(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.config.ChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	r.logger.Info("Redis event relay subscribed", zap.String("pattern", r.config.ChannelPrefix+"*"))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription channel closed")
			}
			r.handle(ctx, msg)
		}
	}
}

func (r *RedisBroker) handle(ctx context.Context, msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.logger.Warn("Dropping malformed relayed event",
			zap.String("channel", msg.Channel),
			zap.Error(err),
		)
		return
	}
	if env.Origin == r.config.InstanceID {
		return
	}

	if err := r.bus.Publish(ctx, env.Event); err != nil && !errors.Is(err, ErrBusClosed) {
		r.logger.Warn("Failed to deliver relayed event",
			zap.String("event_id", env.Event.EventID),
			zap.String("origin", env.Origin),
			zap.Error(err),
		)
	}
}

func (r *RedisBroker) channel(postID string) string {
	return r.config.ChannelPrefix + postID
}
