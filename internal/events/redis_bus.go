package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus distributes events across instances using Redis Pub/Sub, the
// cluster feed mentioned in spec §2 step 6. Messages received on a
// subscribed Redis channel are fanned out to in-process subscribers; an
// event is delivered to them directly only when the Redis publish fails.
// Wrapped in a CacheMirror, it carries signature updates from one
// instance's SignatureAggregateCache to all others.
type RedisBus struct {
	mu         sync.RWMutex
	rdb        *redis.Client
	prefix     string
	local      *Bus
	unsubFuncs []func()
	closed     bool
}

// NewRedisBus wraps an existing go-redis client. channelPrefix defaults to
// "botdetect:events:" when empty.
func NewRedisBus(rdb *redis.Client, channelPrefix string) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = "botdetect:events:"
	}
	return &RedisBus{
		rdb:    rdb,
		prefix: channelPrefix,
		local:  NewBus(),
	}
}

// Emit publishes to Redis so every subscribed instance receives the event,
// falling back to local-only delivery if Redis is unreachable.
func (b *RedisBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	event := NewCloudEvent(eventType, source, subject, data)
	payload, err := event.JSON()
	if err != nil {
		slog.Warn("redis event bus: marshal failed", "type", eventType, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	channel := b.prefix + eventType
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		slog.Warn("redis event bus: publish failed, delivering locally only", "type", eventType, "error", err)
		b.local.Publish(event)
		return
	}
}

// Subscribe registers a handler for events of eventType arriving from any
// instance in the cluster, including this one.
func (b *RedisBus) Subscribe(eventType string) (chan *CloudEvent, error) {
	ch := b.local.Subscribe(eventType)

	ctx := context.Background()
	sub := b.rdb.Subscribe(ctx, b.prefix+eventType)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		b.local.Unsubscribe(ch)
		return nil, fmt.Errorf("redis event bus: subscribe %s: %w", eventType, err)
	}

	redisCh := sub.Channel()
	go func() {
		for msg := range redisCh {
			var event CloudEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("redis event bus: unmarshal failed", "error", err)
				continue
			}
			b.local.Publish(&event)
		}
	}()

	b.mu.Lock()
	b.unsubFuncs = append(b.unsubFuncs, func() { sub.Close() })
	b.mu.Unlock()

	return ch, nil
}

// Close shuts down all Redis subscriptions and makes later Emit calls
// no-ops. Channels handed out by Subscribe are not closed.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, unsub := range b.unsubFuncs {
		unsub()
	}
	b.unsubFuncs = nil
	return nil
}
