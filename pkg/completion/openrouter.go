package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cafgpt/cafgpt/pkg/config"
	"github.com/cafgpt/cafgpt/pkg/models"
)

// StatusError is a non-success reply from the completion backend.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Code, e.Message)
}

// OpenRouter is a Backend for OpenAI-compatible chat completion APIs.
type OpenRouter struct {
	baseURL string
	apiKey  string
	referer string
	title   string
	client  *http.Client
}

// NewOpenRouter creates a backend from cfg.
func NewOpenRouter(cfg config.CompletionConfig) *OpenRouter {
	return &OpenRouter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		referer: cfg.Referer,
		title:   cfg.Title,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// ChatCompletion implements Backend.
func (o *OpenRouter) ChatCompletion(ctx context.Context, req models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	if o.referer != "" {
		httpReq.Header.Set("HTTP-Referer", o.referer)
	}
	if o.title != "" {
		httpReq.Header.Set("X-Title", o.title)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Message: errorMessage(respBody)}
	}

	var out models.ChatCompletionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return nil, &StatusError{Code: embeddedCode(out.Error.Code), Message: out.Error.Message}
	}
	return &out, nil
}

// maxErrorChars bounds a raw error body kept as a message.
const maxErrorChars = 512

// errorMessage extracts error.message from an error body, falling back to
// the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if r := []rune(msg); len(r) > maxErrorChars {
		msg = string(r[:maxErrorChars])
	}
	return msg
}

func embeddedCode(code any) int {
	if f, ok := code.(float64); ok {
		return int(f)
	}
	return 0
}
