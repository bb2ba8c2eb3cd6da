package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request is one completion request to the external AI provider.
type Request struct {
	System      string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Response carries the completion content and the token usage the spending
// guard bills against.
type Response struct {
	Content     string
	InputUnits  int64
	OutputUnits int64
	Model       string
}

// Completer is the external AI capability. Implementations are injected
// into stage handlers so tests can substitute them deterministically.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// CallError wraps any transport or parse problem from the provider. Callers
// treat it as transient and fall back to the degraded payloads.
type CallError struct {
	Op  string
	Err error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("ai call %s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// HTTPClient talks to an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient builds a client with an explicit per-call timeout.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete issues one chat completion. Any transport, status, or parse
// problem comes back as a *CallError.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.Prompt},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return Response{}, &CallError{Op: "encode", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, &CallError{Op: "build", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, &CallError{Op: "send", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return Response{}, &CallError{Op: "read", Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Response{}, &CallError{Op: "send", Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200))}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, &CallError{Op: "parse", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return Response{}, &CallError{Op: "parse", Err: fmt.Errorf("no choices in response")}
	}

	model := parsed.Model
	if model == "" {
		model = req.Model
	}
	return Response{
		Content:     parsed.Choices[0].Message.Content,
		InputUnits:  parsed.Usage.PromptTokens,
		OutputUnits: parsed.Usage.CompletionTokens,
		Model:       model,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
