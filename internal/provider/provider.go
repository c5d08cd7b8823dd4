// Package provider wraps the chat-completion call used to execute tasks.
// The transport is opaque to the orchestration core; callers see content,
// usage, and response metadata, or a typed error.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Usage reports token consumption for one call
type Usage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Meta carries the transport-level facts about one call
type Meta struct {
	StatusCode        int
	ElapsedMS         int64
	ProviderRequestID string
	ResponseID        string
}

// Response is the result of a successful completion call
type Response struct {
	Content string
	Usage   Usage
	Meta    Meta
}

// Error is a provider-side failure with its transport context attached
type Error struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error (status %d, request %s): %s", e.StatusCode, e.RequestID, e.Message)
}

// Caller is the single collaborator contract the coordinator depends on
type Caller interface {
	Complete(ctx context.Context, model, prompt string) (*Response, error)
}

// Client calls an Anthropic-style messages endpoint
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a provider client. The timeout bounds the whole call;
// the provider call is the only operation in the core expected to block for
// wall-clock seconds.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type messageRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messageResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete issues one chat-completion call and returns content, usage, and
// response metadata.
func (c *Client) Complete(ctx context.Context, model, prompt string) (*Response, error) {
	body, err := json.Marshal(messageRequest{
		Model:     model,
		MaxTokens: 16000,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider call: %w", err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start).Milliseconds()

	requestID := resp.Header.Get("request-id")

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading provider response: %w", err)
	}

	var parsed messageResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &Error{StatusCode: resp.StatusCode, Message: string(data), RequestID: requestID}
		}
		return nil, fmt.Errorf("decoding provider response: %w", err)
	}

	if resp.StatusCode >= 400 {
		msg := parsed.Error.Message
		if msg == "" {
			msg = string(data)
		}
		return nil, &Error{StatusCode: resp.StatusCode, Message: msg, RequestID: requestID}
	}

	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" || block.Type == "" {
			content += block.Text
		}
	}

	return &Response{
		Content: content,
		Usage: Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
		Meta: Meta{
			StatusCode:        resp.StatusCode,
			ElapsedMS:         elapsed,
			ProviderRequestID: requestID,
			ResponseID:        parsed.ID,
		},
	}, nil
}
