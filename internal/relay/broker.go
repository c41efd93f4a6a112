package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBroker fans deliveries out to every relay instance over one Redis
// pub/sub channel. Each instance then delivers to its own local members.
type RedisBroker struct {
	redis   *redis.Client
	channel string
	logger  *slog.Logger
}

var _ Broker = (*RedisBroker)(nil)

func NewRedisBroker(client *redis.Client, channel string, logger *slog.Logger) *RedisBroker {
	if channel == "" {
		channel = "ride-relay"
	}
	return &RedisBroker{
		redis:   client,
		channel: channel,
		logger:  logger.With(slog.String("component", "redis_broker")),
	}
}

func (b *RedisBroker) Publish(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := b.redis.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe listens for deliveries from all instances until ctx is done or
// the connection drops.
func (b *RedisBroker) Subscribe(ctx context.Context, ready func(), deliver func(Delivery)) error {
	pubsub := b.redis.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reporting ready.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.logger.Info("subscribed", slog.String("channel", b.channel))
	ready()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription on %s closed", b.channel)
			}
			var d Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				b.logger.Warn("dropping malformed delivery", slog.Any("error", err))
				continue
			}
			deliver(d)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
