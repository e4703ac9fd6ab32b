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

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL      string
	apiKey       string
	defaultModel string
	httpClient   *http.Client
}

// NewOpenAIClient creates an OpenAI-compatible client.
func NewOpenAIClient(baseURL, apiKey, defaultModel string) (*OpenAIClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	return &OpenAIClient{
		baseURL:      baseURL,
		apiKey:       apiKey,
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
	}, nil
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate sends the history and system prompt to /chat/completions.
func (c *OpenAIClient) Generate(ctx context.Context, req *Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	msgs := make([]openAIMessage, 0, len(req.History)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openAIMessage{Role: string(types.RoleSystem), Content: req.SystemPrompt})
	}
	for _, t := range req.History {
		msgs = append(msgs, openAIMessage{Role: string(t.Role), Content: t.Content})
	}

	body, err := json.Marshal(openAIRequest{Model: model, Messages: msgs})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrTransport, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: API returned status %d: %s", ErrTransport, resp.StatusCode, string(b))
	}

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", ErrTransport)
	}

	return &Result{
		Text:     out.Choices[0].Message.Content,
		Provider: "openai-compatible",
		Model:    out.Model,
		Tokens:   out.Usage.TotalTokens,
	}, nil
}

// Health verifies the client is usable.
func (c *OpenAIClient) Health(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("%w: base URL not configured", ErrTransport)
	}
	return nil
}
