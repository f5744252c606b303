package notify

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

func TestHub_DeliversToSubscribers(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a := hub.Subscribe(UserTopic("u1"), 4)
	b := hub.Subscribe(UserTopic("u1"), 4)
	other := hub.Subscribe(UserTopic("u2"), 4)
	defer a.Close()
	defer b.Close()
	defer other.Close()

	ev := Event{Status: StatusSuccess, UserID: "u1", JobID: "j1", Order: &orders.Order{OrderID: "o1"}}
	require.NoError(t, hub.Publish(context.Background(), UserTopic("u1"), ev))

	assert.Equal(t, ev, <-a.Events())
	assert.Equal(t, ev, <-b.Events())
	assert.Empty(t, other.Events())
}

func TestHub_DropsWithoutListener(t *testing.T) {
	hub := NewHub(zap.NewNop())
	assert.Equal(t, 0, hub.Deliver(JobTopic("nobody"), Event{Status: StatusFailed}))

	// a late subscriber does not see earlier events
	sub := hub.Subscribe(JobTopic("nobody"), 1)
	defer sub.Close()
	assert.Empty(t, sub.Events())
}

func TestHub_FullBufferDoesNotBlock(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := hub.Subscribe("t", 1)
	defer sub.Close()

	assert.Equal(t, 1, hub.Deliver("t", Event{JobID: "1"}))
	assert.Equal(t, 0, hub.Deliver("t", Event{JobID: "2"}))
	assert.Equal(t, "1", (<-sub.Events()).JobID)
}

func TestSubscription_Close(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := hub.Subscribe("t", 1)
	assert.Equal(t, 1, hub.Subscribers("t"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Subscribers("t"))
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestHub_ConcurrentPublishAndClose(t *testing.T) {
	hub := NewHub(zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		sub := hub.Subscribe("t", 2)
		go func() {
			defer wg.Done()
			hub.Deliver("t", Event{})
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers("t"))
}

func TestRedisBridge(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	hub := NewHub(zap.NewNop())
	topic := JobTopic(uuid.NewString())
	sub := hub.Subscribe(topic, 1)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = NewBridge(client, hub, zap.NewNop()).Run(ctx) }()

	pub := NewRedisPublisher(client)
	ev := Event{Status: StatusFailed, JobID: "j1", Error: &EventError{Reason: "insufficient_stock", Message: "out of stock"}}
	require.Eventually(t, func() bool {
		_ = pub.Publish(ctx, topic, ev)
		select {
		case got := <-sub.Events():
			return assert.Equal(t, ev, got)
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
}
