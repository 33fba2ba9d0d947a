package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIConfig configures the OpenAI-compatible HTTP backend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// openAIClient talks to any OpenAI-compatible chat completions endpoint.
type openAIClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewOpenAIClient builds a Generator backed by an OpenAI-compatible API.
func NewOpenAIClient(cfg OpenAIConfig) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai generator requires an api key")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &openAIClient{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   cfg.Model,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (c *openAIClient) Generate(ctx context.Context, payload string, cfg Config) (string, error) {
	model := cfg.Model
	if model == "" {
		model = c.model
	}

	messages := make([]chatMessage, 0, 2)
	if cfg.Prompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: cfg.Prompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: payload})

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return "", Permanent("encode_request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", Permanent("build_request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", Transient("request_failed", err)
	}
	defer resp.Body.Close()

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode == http.StatusOK {
		return "", Transient("decode_response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPError(resp.StatusCode, &decoded)
	}
	if len(decoded.Choices) == 0 {
		return "", Transient("empty_response", errors.New("no choices in completion response"))
	}

	return decoded.Choices[0].Message.Content, nil
}

// classifyHTTPError maps an API error response onto the transient/permanent
// taxonomy. Quota exhaustion arrives as a 429, so the error type has to be
// inspected to tell it apart from ordinary rate limiting.
func classifyHTTPError(status int, decoded *chatResponse) error {
	msg := fmt.Sprintf("completion request failed with status %d", status)
	code := ""
	if decoded != nil && decoded.Error != nil {
		msg = decoded.Error.Message
		code = decoded.Error.Code
		if code == "" {
			code = decoded.Error.Type
		}
	}
	err := errors.New(msg)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Permanent("invalid_credentials", err)
	case status == http.StatusPaymentRequired:
		return Permanent("billing", err)
	case status == http.StatusTooManyRequests:
		if strings.Contains(code, "insufficient_quota") || strings.Contains(msg, "quota") {
			return Permanent("quota_exhausted", err)
		}
		return Transient("rate_limited", err)
	case status >= 500:
		return Transient("server_error", err)
	default:
		return Transient(code, err)
	}
}
