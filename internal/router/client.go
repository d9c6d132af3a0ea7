package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const completionsPath = "/chat/completions"

// Message is one turn of a chat-completion conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage carries token accounting from the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionRequest is the wire-level request against one concrete model.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	ForceJSON   bool
}

// Response is the raw completion content plus usage metadata.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// CompletionClient abstracts the chat-completion transport so tests can
// stub models without a network.
type CompletionClient interface {
	Complete(ctx context.Context, req CompletionRequest) (Response, error)
}

// HTTPClientOptions parameterise the HTTP completion client.
type HTTPClientOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// HTTPClient talks to an OpenAI-compatible chat-completions endpoint.
type HTTPClient struct {
	opts    HTTPClientOptions
	client  *http.Client
	baseURL string
}

// NewHTTPClient constructs the client. BaseURL is required.
func NewHTTPClient(opts HTTPClientOptions) (*HTTPClient, error) {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("completion base url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}, nil
}

type wireRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type wireError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete issues the completion call and returns the first choice.
func (c *HTTPClient) Complete(ctx context.Context, req CompletionRequest) (Response, error) {
	payload := wireRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
	}
	if req.ForceJSON {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send completion request: %w", err)
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read completion response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Response{}, parseAPIError(resp.StatusCode, payloadBytes)
	}

	var wire wireResponse
	if err := json.Unmarshal(payloadBytes, &wire); err != nil {
		return Response{}, fmt.Errorf("decode completion response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return Response{}, errors.New("completion response has no choices")
	}

	model := wire.Model
	if model == "" {
		model = req.Model
	}
	return Response{
		Content: wire.Choices[0].Message.Content,
		Model:   model,
		Usage:   wire.Usage,
	}, nil
}

func parseAPIError(status int, payload []byte) error {
	var apiErr wireError
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("completion api error (%d): %s", status, apiErr.Error.Message)
	}
	if len(payload) > 0 {
		return fmt.Errorf("completion api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("completion api error (%d)", status)
}

var _ CompletionClient = (*HTTPClient)(nil)
