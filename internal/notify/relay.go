package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel used to relay events between instances.
const DefaultChannel = "hearth:notifications"

type envelope struct {
	Recipient string          `json:"recipient,omitempty"`
	Broadcast bool            `json:"broadcast,omitempty"`
	Event     json.RawMessage `json:"event"`
}

// RedisRelay publishes events to Redis and delivers events received from
// Redis to the local hub, so a recipient connected to any instance is reached.
type RedisRelay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedisRelay returns a relay bound to hub.
func NewRedisRelay(client *redis.Client, channel string, hub *Hub, logger *slog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, channel: channel, hub: hub, logger: logger, ready: make(chan struct{})}
}

// Notify publishes an event for recipient.
func (r *RedisRelay) Notify(ctx context.Context, recipient, kind string, payload any) error {
	return r.publish(ctx, envelope{Recipient: recipient}, kind, payload)
}

// Broadcast publishes an event for every connection.
func (r *RedisRelay) Broadcast(ctx context.Context, kind string, payload any) error {
	return r.publish(ctx, envelope{Broadcast: true}, kind, payload)
}

func (r *RedisRelay) publish(ctx context.Context, env envelope, kind string, payload any) error {
	event, err := r.hub.encode(kind, payload)
	if err != nil {
		return err
	}
	env.Event = event

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", kind, err)
	}
	return nil
}

// Ready is closed once the subscription is confirmed.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes to the relay channel until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("notification relay subscribed", "channel", r.channel)

	messages := sub.Channel(redis.WithChannelHealthCheckInterval(30 * time.Second))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.dispatch(msg.Payload)
		}
	}
}

func (r *RedisRelay) dispatch(raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		r.logger.Warn("discarding malformed relay message", "error", err)
		return
	}
	if env.Broadcast {
		r.hub.DeliverAll(env.Event)
		return
	}
	if env.Recipient != "" {
		r.hub.Deliver(env.Recipient, env.Event)
	}
}
