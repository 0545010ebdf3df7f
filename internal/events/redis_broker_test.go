package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisBroker_RelaysBetweenInstances(t *testing.T) {
	client := newTestRedisClient(t)
	logger, _ := zap.NewDevelopment()

	config := func(id string) *RedisBrokerConfig {
		c := DefaultRedisBrokerConfig()
		c.ChannelPrefix = "livecomments-test:post:"
		c.InstanceID = id
		return c
	}

	busA := newTestBus(t, nil)
	busB := newTestBus(t, nil)
	brokerA := NewRedisBroker(client, busA, config("a"), logger)
	brokerB := NewRedisBroker(client, busB, config("b"), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = brokerA.Run(ctx) }()
	go func() { _ = brokerB.Run(ctx) }()

	var onA, onB recorder
	_, err := busA.Subscribe(TopicForPost("p1"), "viewer-a", onA.handle)
	require.NoError(t, err)
	_, err = busB.Subscribe(TopicForPost("p1"), "viewer-b", onB.handle)
	require.NoError(t, err)

	// Give both pattern subscriptions time to become active
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, brokerA.Publish(ctx, NewCommentDeletedEvent("p1", "c1")))

	require.Eventually(t, func() bool { return onB.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, onA.count(), "origin instance must not deliver its own echo")
}

func TestRedisBroker_AssignsInstanceID(t *testing.T) {
	broker := NewRedisBroker(nil, NewBus(nil, nil, nil), nil, nil)
	assert.NotEmpty(t, broker.InstanceID())
}
