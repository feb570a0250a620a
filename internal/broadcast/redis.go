package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/shiftbeat/shiftbeat/internal/metrics"
)

// RedisBroadcaster fans events out over Redis pub/sub so multiple service
// instances share one event stream.
type RedisBroadcaster struct {
	client        *redis.Client
	channelPrefix string
	logger        zerolog.Logger
}

// NewRedis creates a Redis-backed broadcaster on an existing client.
func NewRedis(client *redis.Client, channelPrefix string, logger zerolog.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:        client,
		channelPrefix: channelPrefix,
		logger:        logger.With().Str("component", "broadcast").Logger(),
	}
}

func (b *RedisBroadcaster) channel(userID string) string {
	return fmt.Sprintf("%s:%s", b.channelPrefix, userID)
}

// Publish sends the event to the user's channel.
func (b *RedisBroadcaster) Publish(ctx context.Context, event ActivityChanged) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal activity event: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel(event.UserID), payload).Err(); err != nil {
		return fmt.Errorf("publish activity event: %w", err)
	}

	metrics.EventsPublished.Inc()
	return nil
}

// Subscribe opens a Redis subscription for one user's channel.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, userID string) (<-chan ActivityChanged, func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel(userID))

	// Force the subscription onto the wire before returning so a Publish
	// immediately after Subscribe is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to %s: %w", b.channel(userID), err)
	}

	out := make(chan ActivityChanged, subscriberBuffer)

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var event ActivityChanged
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn().Err(err).
					Str("channel", msg.Channel).
					Msg("Dropping malformed activity event")
				continue
			}
			select {
			case out <- event:
			default:
				metrics.EventsDropped.Inc()
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				b.logger.Warn().Err(err).Msg("Failed to close subscription")
			}
		})
	}

	return out, cancel, nil
}

// Close is a no-op for the shared client; the owner closes it.
func (b *RedisBroadcaster) Close() error {
	return nil
}
