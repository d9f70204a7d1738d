// Package llm provides chat-completions and embedding clients for any
// OpenAI-compatible inference endpoint (W&B Inference, OpenRouter,
// Groq, vLLM, Ollama). Transient failures (429, 5xx) are retried with
// exponential backoff; permanent failures (auth, bad model id) are
// returned to the caller unretried.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// defaultTimeout bounds a single model call.
const defaultTimeout = 60 * time.Second

// Message is a single chat turn in the OpenAI format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is token accounting reported by the endpoint.
type Usage struct {
	TokensIn  int `json:"prompt_tokens"`
	TokensOut int `json:"completion_tokens"`
}

// ChatRequest is one inference call.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// ChatResponse is the parsed result of an inference call.
type ChatResponse struct {
	Content string
	Model   string
	Usage   Usage
}

// ChatClient is the inference surface consumed by the worker and
// expert drivers.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// EmbeddingClient generates embeddings in batch.
type EmbeddingClient interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// PermanentError marks a failure that must not be retried and fails
// the current phase (auth failure, unknown model).
type PermanentError struct {
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("llm: permanent error (status %d): %s", e.StatusCode, e.Message)
}

// Client talks to an OpenAI-compatible HTTP endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries uint64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries sets the retry budget for transient failures.
func WithMaxRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

// NewClient creates a client for an OpenAI-compatible API base URL
// (e.g. "https://api.inference.wandb.ai/v1"). The /chat/completions
// and /embeddings paths are appended per call.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequestBody struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponseBody struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends a chat-completions request. 429 and 5xx responses are
// retried with exponential backoff until the retry budget or the
// context deadline runs out.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	body := chatRequestBody{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}

	var parsed chatResponseBody
	err := c.post(ctx, "/chat/completions", body, &parsed)
	if err != nil {
		return ChatResponse{}, err
	}
	if len(parsed.Choices) == 0 {
		return ChatResponse{}, fmt.Errorf("llm: response contained no choices")
	}
	return ChatResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage:   parsed.Usage,
	}, nil
}

type embeddingRequestBody struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponseBody struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage Usage `json:"usage"`
}

// Embeddings wraps a Client with a fixed embedding model.
type Embeddings struct {
	client *Client
	model  string
	dim    int
}

// NewEmbeddings creates a batch embedding client for the given model.
func NewEmbeddings(client *Client, model string, dim int) *Embeddings {
	return &Embeddings{client: client, model: model, dim: dim}
}

// Dimension returns the embedding vector length.
func (e *Embeddings) Dimension() int { return e.dim }

// Embed generates embeddings for all texts in a single batch call,
// returned in input order.
func (e *Embeddings) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var parsed embeddingResponseBody
	err := e.client.post(ctx, "/embeddings", embeddingRequestBody{Model: e.model, Input: texts}, &parsed)
	if err != nil {
		return nil, err
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("llm: embedding count mismatch: got %d, want %d", len(parsed.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("llm: embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("llm: marshal request: %w", err)
	}

	op := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("llm: create request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			// Network errors and timeouts are transient.
			return fmt.Errorf("llm: request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return fmt.Errorf("llm: transient error (status %d): %s", resp.StatusCode, raw)
			}
			return backoff.Permanent(&PermanentError{StatusCode: resp.StatusCode, Message: string(raw)})
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("llm: decode response: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	return backoff.Retry(op, policy)
}
