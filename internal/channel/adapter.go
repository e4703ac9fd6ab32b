// Package channel hosts the chat-surface adapters (webchat, telegram,
// discord) and the manager that pumps their traffic through the dispatcher.
package channel

import "context"

// Message is an inbound message from a channel.
type Message struct {
	ID              string
	Channel         string
	UserID          string
	SessionID       string
	Content         string
	ClientMessageID string
	Metadata        map[string]string
	Timestamp       int64
}

// Response is an outbound reply to a channel.
type Response struct {
	Content  string
	Metadata map[string]string
}

// Adapter is a chat surface. Start and Stop are idempotent: starting a
// running adapter or stopping a stopped one is a no-op, not an error.
type Adapter interface {
	Start(ctx context.Context) error
	Stop() error
	SendMessage(userID string, resp *Response) error
	Incoming() <-chan *Message
	Name() string
	IsEnabled() bool
}
