package messaging

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeadLetterQueue holds envelopes that failed async dispatch, for later
// inspection and retry.
type DeadLetterQueue struct {
	client *RedisClient
}

// DeadLetter is a failed envelope plus failure details.
type DeadLetter struct {
	DLQID      string
	Original   Envelope
	Error      string
	RetryCount int
	DeadAt     int64
}

// NewDeadLetterQueue creates a new DLQ handler.
func NewDeadLetterQueue(client *RedisClient) *DeadLetterQueue {
	return &DeadLetterQueue{client: client}
}

// SendToDeadLetter records a failed envelope in the DLQ stream.
func (d *DeadLetterQueue) SendToDeadLetter(ctx context.Context, env Envelope, errorMsg string, retryCount int) error {
	values := env.ToRedisValues()
	values["error"] = errorMsg
	values["retry_count"] = strconv.Itoa(retryCount)
	values["dead_at"] = strconv.FormatInt(time.Now().Unix(), 10)

	_, err := d.client.Publish(ctx, StreamDLQ, values)
	return err
}

// GetDeadLetters retrieves the most recent dead letters, newest first.
func (d *DeadLetterQueue) GetDeadLetters(ctx context.Context, count int) ([]DeadLetter, error) {
	rdb := d.client.RawClient()

	results, err := rdb.XRevRangeN(ctx, StreamDLQ, "+", "-", int64(count)).Result()
	if err == redis.Nil {
		return []DeadLetter{}, nil
	}
	if err != nil {
		return nil, err
	}

	var letters []DeadLetter
	for _, msg := range results {
		letters = append(letters, parseDeadLetter(msg))
	}
	return letters, nil
}

// RetryDeadLetter republishes a dead letter to the chat stream and removes it
// from the DLQ.
func (d *DeadLetterQueue) RetryDeadLetter(ctx context.Context, dlqID string) error {
	rdb := d.client.RawClient()

	results, err := rdb.XRange(ctx, StreamDLQ, dlqID, dlqID).Result()
	if err != nil {
		return fmt.Errorf("failed to get DLQ message: %w", err)
	}
	if len(results) == 0 {
		return fmt.Errorf("DLQ message not found: %s", dlqID)
	}

	letter := parseDeadLetter(results[0])

	_, err = d.client.Publish(ctx, StreamChat, letter.Original.ToRedisValues())
	if err != nil {
		return fmt.Errorf("failed to republish: %w", err)
	}

	rdb.XDel(ctx, StreamDLQ, dlqID)
	return nil
}

// DeleteDeadLetter removes a message from the DLQ without retrying it.
func (d *DeadLetterQueue) DeleteDeadLetter(ctx context.Context, dlqID string) error {
	return d.client.RawClient().XDel(ctx, StreamDLQ, dlqID).Err()
}

// GetDLQCount returns the number of messages in the DLQ.
func (d *DeadLetterQueue) GetDLQCount(ctx context.Context) (int64, error) {
	return d.client.RawClient().XLen(ctx, StreamDLQ).Result()
}

func parseDeadLetter(msg redis.XMessage) DeadLetter {
	letter := DeadLetter{DLQID: msg.ID}

	if env, err := EnvelopeFromRedisValues(msg.Values); err == nil {
		letter.Original = *env
	}
	if v, ok := msg.Values["error"].(string); ok {
		letter.Error = v
	}
	if v, ok := msg.Values["retry_count"].(string); ok {
		count, _ := strconv.Atoi(v)
		letter.RetryCount = count
	}
	if v, ok := msg.Values["dead_at"].(string); ok {
		deadAt, _ := strconv.ParseInt(v, 10, 64)
		letter.DeadAt = deadAt
	}
	return letter
}
