package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel carrying change notifications.
const DefaultChannel = "mosync:changes"

// PubSub is the minimal Redis surface the bridge needs.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisBus bridges the in-process Bus across instances. Notifications are
// published to Redis and delivered locally through the subscription, so
// every instance, the publisher included, receives them the same way.
// When the publish fails the change is delivered locally so co-located
// long-pollers still wake.
type RedisBus struct {
	local   *Bus
	pubsub  PubSub
	channel string
	unsub   func()
}

// NewRedisBus wires a Redis bridge in front of the given local bus.
func NewRedisBus(ps PubSub, local *Bus, channel string) (*RedisBus, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	b := &RedisBus{local: local, pubsub: ps, channel: channel}

	unsub, err := ps.Subscribe(context.Background(), channel, func(payload []byte) {
		var c Change
		if err := json.Unmarshal(payload, &c); err != nil {
			slog.Warn("dropping malformed change notification", "error", err)
			return
		}
		local.Notify(c)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	b.unsub = unsub
	return b, nil
}

// Notify publishes the change to Redis. Delivery back into the local bus
// happens through the subscription.
func (b *RedisBus) Notify(c Change) {
	payload, err := json.Marshal(c)
	if err != nil {
		slog.Error("marshal change notification", "topic", c.Topic, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.pubsub.Publish(ctx, b.channel, payload); err != nil {
		slog.Warn("change publish failed, delivering locally",
			"topic", c.Topic, "error", err)
		b.local.Notify(c)
	}
}

// Subscribe delegates to the local bus.
func (b *RedisBus) Subscribe(topics ...string) chan Change {
	return b.local.Subscribe(topics...)
}

// Unsubscribe delegates to the local bus.
func (b *RedisBus) Unsubscribe(ch chan Change) {
	b.local.Unsubscribe(ch)
}

// Close tears down the Redis subscription.
func (b *RedisBus) Close() {
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
}

// GoRedis adapts go-redis v9 to the PubSub interface.
type GoRedis struct {
	rdb *redis.Client
}

// DialRedis connects to Redis and verifies the connection with a ping.
func DialRedis(addr string) (*GoRedis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	slog.Info("redis connected", "addr", addr)
	return &GoRedis{rdb: rdb}, nil
}

// Close shuts down the underlying client.
func (g *GoRedis) Close() error {
	return g.rdb.Close()
}

// Ping verifies the connection, for health checks.
func (g *GoRedis) Ping(ctx context.Context) error {
	return g.rdb.Ping(ctx).Err()
}

// Publish sends a payload to a Redis channel.
func (g *GoRedis) Publish(ctx context.Context, channel string, payload []byte) error {
	return g.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe registers a handler for messages on a channel and returns an
// unsubscribe function. The handler runs on a dedicated goroutine.
func (g *GoRedis) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := g.rdb.Subscribe(ctx, channel)

	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
