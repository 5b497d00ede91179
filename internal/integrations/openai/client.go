package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"professor-agent/internal/domain"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	embeddingModel = goopenai.SmallEmbedding3
)

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Op         string
	Message    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.Op, e.Message)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI client for embeddings and streaming chat completions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	api        *goopenai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client authenticated with apiKey. The HTTP client has no
// overall timeout by default because completion streams are long-lived; use
// the request context to bound a call.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai: API key must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Transport: &http.Transport{Proxy: http.ProxyFromEnvironment, ResponseHeaderTimeout: 30 * time.Second}},
	}
	for _, opt := range opts {
		opt(c)
	}

	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = apiBaseURL(c.baseURL)
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	c.api = goopenai.NewClientWithConfig(cfg)
	return c, nil
}

func apiBaseURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// Embed returns the embedding of text as a single float vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input:          []string{text},
		Model:          embeddingModel,
		EncodingFormat: goopenai.EmbeddingEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: embeddings request failed: %w", statusError("embeddings", err))
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai: no embeddings in response")
	}
	return resp.Data[0].Embedding, nil
}

// StreamChat opens a streaming chat completion. The returned stream must be closed.
func (c *Client) StreamChat(ctx context.Context, model string, messages []domain.ChatMessage) (domain.ChatStream, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	req := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]goopenai.ChatCompletionMessage, 0, len(messages)),
		Stream:   true,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	stream, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion request failed: %w", statusError("chat/completions", err))
	}
	return &chatStream{stream: stream}, nil
}

type chatStream struct {
	stream *goopenai.ChatCompletionStream
}

// Recv returns the first choice's delta content, which may be empty.
func (s *chatStream) Recv() (string, error) {
	chunk, err := s.stream.Recv()
	if err != nil {
		// io.EOF passes through unwrapped so callers can compare against it.
		return "", statusError("chat/completions", err)
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	return chunk.Choices[0].Delta.Content, nil
}

func (s *chatStream) Close() error {
	return s.stream.Close()
}

// statusError converts go-openai status-bearing errors into *HTTPStatusError.
// Other errors are returned unchanged.
func statusError(op string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, Op: op, Message: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, Op: op, Message: reqErr.Error()}
	}
	return err
}
