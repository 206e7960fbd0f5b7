package balancecache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel (and NOTIFY channel) for invalidations.
const DefaultChannel = "cache_invalidation"

// RedisBus fans invalidations out over Redis PUBLISH/SUBSCRIBE.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// NewRedisBus creates a bus on channel (DefaultChannel when empty).
func NewRedisBus(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, inv Invalidation) error {
	payload, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription to be confirmed before reporting readiness.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var inv Invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				b.logger.Warn("dropping malformed invalidation", "channel", msg.Channel, "error", err)
				continue
			}
			h(inv)
		}
	}
}

// Close is a no-op; the client is owned by the caller.
func (b *RedisBus) Close() error { return nil }
