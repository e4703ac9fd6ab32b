// Package messaging is the Redis Streams broker layer: chat envelopes,
// consumer groups and the dead-letter queue.
package messaging

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// Logical topics. A small fixed set; per-priority fan-out is not needed for
// conversation traffic.
const (
	StreamChat     = "companion:messages:chat"
	StreamAnalysis = "companion:tasks:analysis"
	StreamSummary  = "companion:tasks:summary"
	StreamDLQ      = "companion:messages:dlq"
)

// Consumer group names.
const (
	ConsumerGroupDispatch = "dispatch"
	ConsumerGroupWorkers  = "workers"
)

// Envelope is the unit of work published for asynchronous dispatch. The
// consumer replays the same pipeline the synchronous path runs.
type Envelope struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	SessionID       string            `json:"session_id"`
	Text            string            `json:"text"`
	ClientMessageID string            `json:"client_message_id,omitempty"`
	Source          string            `json:"source"` // originating channel name
	Config          map[string]string `json:"config,omitempty"`
	Created         int64             `json:"created"`
}

// NewEnvelope creates an envelope with a generated id and timestamp.
func NewEnvelope(userID, sessionID, text, clientMessageID, source string) Envelope {
	return Envelope{
		ID:              generateEnvelopeID(),
		UserID:          userID,
		SessionID:       sessionID,
		Text:            text,
		ClientMessageID: clientMessageID,
		Source:          source,
		Created:         time.Now().Unix(),
	}
}

// ToRedisValues converts the envelope to a Redis stream values map.
func (e Envelope) ToRedisValues() map[string]interface{} {
	configJSON, _ := json.Marshal(e.Config)
	return map[string]interface{}{
		"id":                e.ID,
		"user_id":           e.UserID,
		"session_id":        e.SessionID,
		"text":              e.Text,
		"client_message_id": e.ClientMessageID,
		"source":            e.Source,
		"config":            string(configJSON),
		"created":           strconv.FormatInt(e.Created, 10),
	}
}

// EnvelopeFromRedisValues reconstructs an envelope from stream values.
func EnvelopeFromRedisValues(values map[string]interface{}) (*Envelope, error) {
	e := &Envelope{}
	if v, ok := values["id"].(string); ok {
		e.ID = v
	}
	if v, ok := values["user_id"].(string); ok {
		e.UserID = v
	}
	if v, ok := values["session_id"].(string); ok {
		e.SessionID = v
	}
	if v, ok := values["text"].(string); ok {
		e.Text = v
	}
	if v, ok := values["client_message_id"].(string); ok {
		e.ClientMessageID = v
	}
	if v, ok := values["source"].(string); ok {
		e.Source = v
	}
	if v, ok := values["config"].(string); ok && v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &e.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	if v, ok := values["created"].(string); ok {
		created, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created: %w", err)
		}
		e.Created = created
	}
	if e.UserID == "" || e.Text == "" {
		return nil, fmt.Errorf("envelope missing user_id or text")
	}
	return e, nil
}

var envelopeIDCounter uint64

func generateEnvelopeID() string {
	n := atomic.AddUint64(&envelopeIDCounter, 1)
	return fmt.Sprintf("env_%d_%d", time.Now().UnixNano(), n)
}
