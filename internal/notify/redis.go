package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kilupskalvis/scenemerge/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix prefixes the per-document Redis channel.
const DefaultChannelPrefix = "scenemerge:doc:"

// redisPublishClient is the part of the Redis client the publisher needs.
type redisPublishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisPublisher publishes changes as JSON on one Redis channel per document.
type RedisPublisher struct {
	client redisPublishClient
	prefix string
}

// RedisOptions configures NewRedisPublisher.
type RedisOptions struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, opts RedisOptions) (*RedisPublisher, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisPublisher(client, opts.ChannelPrefix), nil
}

func newRedisPublisher(client redisPublishClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the Redis channel for a document.
func (p *RedisPublisher) Channel(docID string) string {
	return p.prefix + docID
}

// Publish sends the change to the document's channel.
func (p *RedisPublisher) Publish(ctx context.Context, change models.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(change.DocID), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.Channel(change.DocID), err)
	}
	return nil
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// DecodeMessage parses a payload published by RedisPublisher.
func DecodeMessage(payload string) (models.Change, error) {
	var c models.Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return models.Change{}, fmt.Errorf("decode change: %w", err)
	}
	return c, nil
}

// Subscribe relays changes for docID published by any instance to handler
// until ctx is cancelled. Undecodable messages are logged and skipped.
func Subscribe(ctx context.Context, client *redis.Client, prefix, docID string, handler func(models.Change), logger *slog.Logger) error {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	pubsub := client.Subscribe(ctx, prefix+docID)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", prefix+docID, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			change, err := DecodeMessage(msg.Payload)
			if err != nil {
				logger.Warn("dropping undecodable change", "channel", msg.Channel, "error", err)
				continue
			}
			handler(change)
		}
	}
}
