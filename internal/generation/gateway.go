// Package generation is the gateway to language-model engines. The dispatcher
// treats it as a black box: history plus system prompt in, text plus provider
// out. Engines never fail for content reasons; every error from this package
// is a transport failure.
package generation

import (
	"context"
	"errors"

	"github.com/cortexhub/companion-gateway/internal/types"
)

// ErrTransport marks hard transport failures (engine unreachable, bad status,
// undecodable body). Callers convert it into an error-status assistant
// message rather than propagating.
var ErrTransport = errors.New("generation: transport error")

// Turn is one history entry handed to an engine.
type Turn struct {
	Role    types.Role
	Content string
}

// Request carries everything an engine needs for one completion.
type Request struct {
	History      []Turn
	SystemPrompt string
	Model        string
	Options      map[string]any
}

// Result is a completed generation.
type Result struct {
	Text     string
	Provider string
	Model    string
	Tokens   int
}

// Gateway produces completions. Implementations must return an error wrapping
// ErrTransport for any failure.
type Gateway interface {
	Generate(ctx context.Context, req *Request) (*Result, error)
	Health(ctx context.Context) error
}

// HistoryFromMessages converts buffered conversation messages into gateway
// turns, skipping soft-deleted entries.
func HistoryFromMessages(msgs []*types.Message) []Turn {
	out := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.IsDeleted || m.Content == "" {
			continue
		}
		out = append(out, Turn{Role: m.Role, Content: m.Content})
	}
	return out
}
