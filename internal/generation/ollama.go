package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cortexhub/companion-gateway/internal/types"
)

// OllamaClient talks to an Ollama server's chat endpoint.
type OllamaClient struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client
}

// NewOllamaClient creates an Ollama client.
func NewOllamaClient(baseURL, defaultModel string) (*OllamaClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("ollama URL is required")
	}
	return &OllamaClient{
		baseURL:      baseURL,
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
	}, nil
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Model     string            `json:"model"`
	Message   ollamaChatMessage `json:"message"`
	Done      bool              `json:"done"`
	EvalCount int               `json:"eval_count"`
}

// Generate sends the history and system prompt to /api/chat.
func (c *OllamaClient) Generate(ctx context.Context, req *Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	msgs := make([]ollamaChatMessage, 0, len(req.History)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, ollamaChatMessage{Role: string(types.RoleSystem), Content: req.SystemPrompt})
	}
	for _, t := range req.History {
		msgs = append(msgs, ollamaChatMessage{Role: string(t.Role), Content: t.Content})
	}

	payload := map[string]any{
		"model":    model,
		"messages": msgs,
		"stream":   false,
	}
	if req.Options != nil {
		payload["options"] = req.Options
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrTransport, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: ollama returned status %d: %s", ErrTransport, resp.StatusCode, string(b))
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}

	return &Result{
		Text:     out.Message.Content,
		Provider: "ollama",
		Model:    out.Model,
		Tokens:   out.EvalCount,
	}, nil
}

// Health checks /api/tags.
func (c *OllamaClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ollama health returned status %d", ErrTransport, resp.StatusCode)
	}
	return nil
}
