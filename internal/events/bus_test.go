package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"livecomments/internal/models"
)

// recorder collects delivered events
type recorder struct {
	mu     sync.Mutex
	events []CommentEvent
}

func (r *recorder) handle(ctx context.Context, event CommentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.events))
	for _, e := range r.events {
		ids = append(ids, e.CommentID)
	}
	return ids
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestBus(t *testing.T, config *BusConfig) *Bus {
	logger, _ := zap.NewDevelopment()
	bus := NewBus(config, logger, NewMetrics(nil))
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})
	return bus
}

func deleteEvent(postID, commentID string) CommentEvent {
	return NewCommentDeletedEvent(postID, commentID)
}

func TestBus_PublishDeliversToSubscribers(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()

	var a, b recorder
	_, err := bus.Subscribe(TopicForPost("p1"), "a", a.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(TopicForPost("p1"), "b", b.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, deleteEvent("p1", "c1")))

	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, bus.SubscriberCount(TopicForPost("p1")))
}

func TestBus_TopicsAreIndependent(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()

	var p1, p2 recorder
	_, err := bus.Subscribe(TopicForPost("p1"), "viewer", p1.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(TopicForPost("p2"), "viewer", p2.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, deleteEvent("p1", "c1")))

	require.Eventually(t, func() bool { return p1.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, p2.count())
}

func TestBus_ResubscribeReplacesRegistration(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()
	topicKey := TopicForPost("p1")

	var first, second recorder
	oldSub, err := bus.Subscribe(topicKey, "conn-1", first.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(topicKey, "conn-1", second.handle)
	require.NoError(t, err)

	assert.Equal(t, 1, bus.SubscriberCount(topicKey))

	require.NoError(t, bus.Publish(ctx, deleteEvent("p1", "c1")))

	require.Eventually(t, func() bool { return second.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, first.count())

	select {
	case <-oldSub.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced subscriber did not stop")
	}

	// Releasing the stale handle must not remove the replacement
	oldSub.Close()
	assert.Equal(t, 1, bus.SubscriberCount(topicKey))
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := newTestBus(t, nil)
	topicKey := TopicForPost("p1")

	var r recorder
	_, err := bus.Subscribe(topicKey, "a", r.handle)
	require.NoError(t, err)

	bus.Unsubscribe(topicKey, "a")
	bus.Unsubscribe(topicKey, "a")
	bus.Unsubscribe(topicKey, "unknown")
	bus.Unsubscribe("post:none", "a")

	assert.Equal(t, 0, bus.SubscriberCount(topicKey))
	assert.Equal(t, 0, bus.TopicCount(), "empty topic should be collected")
}

func TestBus_DeliveryWindowAndOrder(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()
	topicKey := TopicForPost("p1")

	require.NoError(t, bus.Publish(ctx, deleteEvent("p1", "before")))

	var r recorder
	sub, err := bus.Subscribe(topicKey, "a", r.handle)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, bus.Publish(ctx, deleteEvent("p1", fmt.Sprintf("c%02d", i))))
	}
	sub.Close()
	require.NoError(t, bus.Publish(ctx, deleteEvent("p1", "after")))

	<-sub.Done()

	ids := r.ids()
	require.Len(t, ids, 50)
	for i, id := range ids {
		assert.Equal(t, fmt.Sprintf("c%02d", i), id)
	}
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()
	topicKey := TopicForPost("p1")

	release := make(chan struct{})
	defer close(release)

	_, err := bus.Subscribe(topicKey, "slow", func(ctx context.Context, event CommentEvent) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, err)

	var fast recorder
	_, err = bus.Subscribe(topicKey, "fast", fast.handle)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(ctx, deleteEvent("p1", fmt.Sprintf("c%d", i))))
	}

	require.Eventually(t, func() bool { return fast.count() == 10 }, time.Second, 5*time.Millisecond)

	// Subscribing while the slow handler is blocked must not stall either
	var late recorder
	_, err = bus.Subscribe(topicKey, "late", late.handle)
	require.NoError(t, err)
}

func TestBus_FailingSubscriberIsRemoved(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
	}{
		{
			name: "returns error",
			handler: func(ctx context.Context, event CommentEvent) error {
				return errors.New("connection closed")
			},
		},
		{
			name: "panics",
			handler: func(ctx context.Context, event CommentEvent) error {
				panic("boom")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newTestBus(t, nil)
			ctx := context.Background()
			topicKey := TopicForPost("p1")

			bad, err := bus.Subscribe(topicKey, "bad", tt.handler)
			require.NoError(t, err)
			var good recorder
			_, err = bus.Subscribe(topicKey, "good", good.handle)
			require.NoError(t, err)

			require.NoError(t, bus.Publish(ctx, deleteEvent("p1", "c1")))

			select {
			case <-bad.Done():
			case <-time.After(time.Second):
				t.Fatal("failing subscriber was not stopped")
			}
			assert.Equal(t, 1, bus.SubscriberCount(topicKey))

			require.NoError(t, bus.Publish(ctx, deleteEvent("p1", "c2")))
			require.Eventually(t, func() bool { return good.count() == 2 }, time.Second, 5*time.Millisecond)
		})
	}
}

func TestBus_MailboxOverflowDropsSubscriber(t *testing.T) {
	config := DefaultBusConfig()
	config.MailboxSize = 2
	bus := newTestBus(t, config)
	ctx := context.Background()
	topicKey := TopicForPost("p1")

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{}, 1)

	sub, err := bus.Subscribe(topicKey, "stuck", func(ctx context.Context, event CommentEvent) error {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, deleteEvent("p1", "c0")))
	<-started

	for i := 1; i <= 3; i++ {
		require.NoError(t, bus.Publish(ctx, deleteEvent("p1", fmt.Sprintf("c%d", i))))
	}

	assert.Equal(t, 0, bus.SubscriberCount(topicKey))
	_ = sub
}

func TestBus_PublishRejectsMalformedEvents(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()

	err := bus.Publish(ctx, CommentEvent{Kind: KindNew, PostID: "p1", CommentID: "c1"})
	assert.Error(t, err)

	err = bus.Publish(ctx, CommentEvent{Kind: KindUpdate, PostID: "p1", CommentID: "c1", Changes: &models.CommentChanges{}})
	assert.Error(t, err)

	err = bus.Publish(ctx, CommentEvent{Kind: "bogus", PostID: "p1", CommentID: "c1"})
	assert.Error(t, err)
}

func TestBus_SubscribeValidatesArguments(t *testing.T) {
	bus := newTestBus(t, nil)
	var r recorder

	_, err := bus.Subscribe("", "a", r.handle)
	assert.Error(t, err)
	_, err = bus.Subscribe("post:p1", "", r.handle)
	assert.Error(t, err)
	_, err = bus.Subscribe("post:p1", "a", nil)
	assert.Error(t, err)
}

func TestBus_Close(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	bus := NewBus(nil, logger, nil)
	ctx := context.Background()

	var r recorder
	sub, err := bus.Subscribe(TopicForPost("p1"), "a", r.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Close(ctx))
	require.NoError(t, bus.Close(ctx), "second close is a no-op")

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber not stopped on close")
	}

	assert.ErrorIs(t, bus.Publish(ctx, deleteEvent("p1", "c1")), ErrBusClosed)
	_, err = bus.Subscribe(TopicForPost("p1"), "b", r.handle)
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.ErrorIs(t, bus.Health(), ErrBusClosed)

	sub.Close()
}

func TestBus_ConcurrentSubscribePublish(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()
	topicKey := TopicForPost("p1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("viewer-%d", i)
			for j := 0; j < 50; j++ {
				var r recorder
				sub, err := bus.Subscribe(topicKey, id, r.handle)
				if err != nil {
					t.Errorf("subscribe: %v", err)
					return
				}
				sub.Close()
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = bus.Publish(ctx, deleteEvent("p1", fmt.Sprintf("c%d-%d", i, j)))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, bus.SubscriberCount(topicKey))
}
