package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "orders:notify:"

// RedisPublisher publishes events on Redis channels so that API instances
// other than the worker's can deliver them.
type RedisPublisher struct {
	client redis.UniversalClient
}

// NewRedisPublisher returns a publisher on client.
func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish implements Publisher. Redis PUBLISH does not queue for absent
// listeners, matching the hub.
func (p *RedisPublisher) Publish(ctx context.Context, topic string, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, channelPrefix+topic, body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Bridge relays events published on Redis into a local hub.
type Bridge struct {
	client redis.UniversalClient
	hub    *Hub
	logger *zap.Logger
}

// NewBridge returns a bridge from client to hub.
func NewBridge(client redis.UniversalClient, hub *Hub, logger *zap.Logger) *Bridge {
	return &Bridge{client: client, hub: hub, logger: logger.Named("notify-bridge")}
}

// Run relays until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	ps := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer ps.Close()

	// wait for the subscription to be confirmed before reporting ready
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	b.logger.Info("relaying notifications from redis")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("invalid notification payload", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			b.hub.Deliver(strings.TrimPrefix(msg.Channel, channelPrefix), ev)
		}
	}
}
