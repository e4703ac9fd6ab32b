package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds configuration for the Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisClient wraps go-redis with the stream operations the gateway needs.
type RedisClient struct {
	rdb    *redis.Client
	cfg    RedisConfig
	logger *slog.Logger
}

// StreamMessage is a raw message read from a Redis Stream.
type StreamMessage struct {
	ID     string
	Stream string
	Values map[string]interface{}
}

// NewRedisClient creates a Redis client and validates the connection.
func NewRedisClient(cfg RedisConfig, logger *slog.Logger) (*RedisClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisClient{rdb: rdb, cfg: cfg, logger: logger}, nil
}

// Ping checks if Redis is reachable.
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Publish appends an entry to a Redis Stream using XADD.
func (c *RedisClient) Publish(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	result, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd failed: %w", err)
	}
	return result, nil
}

// Subscribe joins a consumer group on a stream and delivers entries on a
// channel. Entries are acknowledged after they are handed to the channel.
func (c *RedisClient) Subscribe(ctx context.Context, stream, group, consumer string) (<-chan StreamMessage, error) {
	// Create consumer group if not exists (ignore error if already exists)
	c.rdb.XGroupCreateMkStream(ctx, stream, group, "0")

	msgChan := make(chan StreamMessage, 100)

	go c.readLoop(ctx, stream, group, consumer, msgChan)

	return msgChan, nil
}

func (c *RedisClient) readLoop(ctx context.Context, stream, group, consumer string, msgChan chan<- StreamMessage) {
	defer close(msgChan)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			results, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumer,
				Streams:  []string{stream, ">"},
				Count:    10,
				Block:    1000 * time.Millisecond,
			}).Result()

			if err != nil {
				if err == redis.Nil {
					continue // no messages
				}
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("redis read error", "stream", stream, "error", err)
				continue
			}

			for _, result := range results {
				for _, msg := range result.Messages {
					msgChan <- StreamMessage{
						ID:     msg.ID,
						Stream: stream,
						Values: msg.Values,
					}
					c.rdb.XAck(ctx, stream, group, msg.ID)
				}
			}
		}
	}
}

// Close closes the Redis connection.
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

// RawClient returns the underlying go-redis client for advanced operations.
func (c *RedisClient) RawClient() *redis.Client {
	return c.rdb
}

// IsConnected reports whether the client can currently reach Redis.
func (c *RedisClient) IsConnected(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}
