package session

import (
	"sync"

	"github.com/cortexhub/companion-gateway/internal/types"
)

// Buffer is the in-memory conversation window for one warm session. It is not
// durable; the store is the source of truth and the buffer is rebuilt from it
// whenever a session goes cold.
type Buffer struct {
	sessionID string
	window    int
	mu        sync.RWMutex
	messages  []*types.Message
}

// NewBuffer creates an empty buffer with a rolling window of max messages.
func NewBuffer(sessionID string, window int) *Buffer {
	if window <= 0 {
		window = 50
	}
	return &Buffer{sessionID: sessionID, window: window}
}

// SessionID returns the owning session id.
func (b *Buffer) SessionID() string { return b.sessionID }

// Append adds a message, trimming the oldest entries past the window.
func (b *Buffer) Append(m *types.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, m)
	if len(b.messages) > b.window {
		b.messages = b.messages[len(b.messages)-b.window:]
	}
}

// Replace swaps the buffer contents for msgs, which must already be in
// chronological order.
func (b *Buffer) Replace(msgs []*types.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(msgs) > b.window {
		msgs = msgs[len(msgs)-b.window:]
	}
	b.messages = append([]*types.Message(nil), msgs...)
}

// Clear empties the buffer. Durable history is untouched.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
}

// Messages returns a copy of the window in chronological order.
func (b *Buffer) Messages() []*types.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*types.Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// FindByClientID returns the buffered message carrying the given optimistic
// client id, or nil.
func (b *Buffer) FindByClientID(clientID string) *types.Message {
	if clientID == "" {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := len(b.messages) - 1; i >= 0; i-- {
		if b.messages[i].Meta.ClientMessageID == clientID {
			return b.messages[i]
		}
	}
	return nil
}

// FindReplyTo returns the assistant message answering the given user message
// id, or nil.
func (b *Buffer) FindReplyTo(userMessageID string) *types.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := len(b.messages) - 1; i >= 0; i-- {
		m := b.messages[i]
		if m.Role == types.RoleAssistant && m.Meta.UserMessageID == userMessageID {
			return m
		}
	}
	return nil
}

// Len returns the number of buffered messages.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}
