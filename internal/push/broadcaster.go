package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Event is the wire format for real-time push messages.
type Event struct {
	Name    string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// Publisher is the push interface the services consume.
type Publisher interface {
	PublishToAccount(ctx context.Context, accountID string, event Event) error
	PublishToChannel(ctx context.Context, channel string, event Event) error
}

// Broadcaster fans events out over Redis pub/sub so every API replica sees
// them, not just the one holding the client's connection.
type Broadcaster struct {
	redis  redis.UniversalClient
	logger *slog.Logger
}

func NewBroadcaster(redisClient redis.UniversalClient, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{redis: redisClient, logger: logger}
}

// AccountChannel names the pub/sub channel carrying one account's events.
func AccountChannel(accountID string) string {
	return "push:account:" + accountID
}

// PublishToAccount sends the event on the account's channel.
func (b *Broadcaster) PublishToAccount(ctx context.Context, accountID string, event Event) error {
	return b.PublishToChannel(ctx, AccountChannel(accountID), event)
}

// PublishToChannel sends the event on a raw channel name (used by the QR
// handshake, whose channel is keyed by nonce rather than account).
func (b *Broadcaster) PublishToChannel(ctx context.Context, channel string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode push event: %w", err)
	}

	if err := b.redis.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish push event: %w", err)
	}

	b.logger.Debug("push event published",
		slog.String("channel", channel),
		slog.String("event", event.Name))
	return nil
}

// Subscribe bridges a pub/sub channel into a Go channel of decoded events.
// The returned channel closes when ctx is cancelled. Undecodable messages
// are logged and skipped rather than tearing down the subscription.
func (b *Broadcaster) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	sub := b.redis.Subscribe(ctx, channel)

	// Force the subscription to be established before returning so callers
	// never miss an event published immediately after Subscribe.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("dropping undecodable push event",
						slog.String("channel", channel), slog.Any("error", err))
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events, nil
}
