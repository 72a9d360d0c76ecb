package anthropic

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

	"github.com/kubilitics/kubilitics-chat/internal/llm/provider/sse"
	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
)

// Package anthropic provides the Anthropic Messages API backend.
//
// System messages are lifted into the top-level "system" field; the API
// accepts temperature in [0,1] only, so higher values are clamped.
// Frequency and presence penalties have no equivalent and are ignored.

const (
	ProviderID        = "anthropic"
	DefaultBaseURL    = "https://api.anthropic.com/v1"
	DefaultModel      = "claude-3-5-sonnet-20241022"
	DefaultAPIVersion = "2023-06-01"
	DefaultTimeout    = 60 * time.Second
)

// Config configures a Client.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// Client talks to the Anthropic Messages API.
type Client struct {
	apiKey       string
	defaultModel string
	baseURL      string
	timeout      time.Duration
	httpClient   *http.Client
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type anthRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []anthMessage `json:"messages"`
	System      string        `json:"system,omitempty"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	Stream      bool          `json:"stream,omitempty"`
}

type anthUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthResponse struct {
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      anthUsage      `json:"usage"`
}

type sseEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string    `json:"model"`
		Usage anthUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewClient creates a new Anthropic client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, types.Errorf(types.KindProviderMisconfigured, "Anthropic API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		timeout:      cfg.Timeout,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// ID returns the provider identifier.
func (c *Client) ID() string { return ProviderID }

// Complete sends a non-streaming Messages request.
func (c *Client) Complete(ctx context.Context, req types.Request) (*types.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := c.buildRequest(req, false)
	resp, err := c.do(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed anthResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, types.Wrap(types.KindProviderUnavailable, ProviderID, fmt.Errorf("failed to unmarshal response: %w", err))
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	model := parsed.Model
	if model == "" {
		model = payload.Model
	}
	return &types.Result{
		Content: text.String(),
		Usage: types.TokenUsage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
		Model: model,
	}, nil
}

// Stream sends a streaming Messages request and relays text_delta events.
func (c *Client) Stream(ctx context.Context, req types.Request) (<-chan types.Chunk, error) {
	payload := c.buildRequest(req, true)
	resp, err := c.do(ctx, payload)
	if err != nil {
		return nil, err
	}

	out := make(chan types.Chunk, 100)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		model := payload.Model
		var usage types.TokenUsage
		reader := sse.NewReader(resp.Body)
		for {
			ev, err := reader.Next()
			if errors.Is(err, io.EOF) {
				send(ctx, out, types.Chunk{Done: true, Usage: finalUsage(usage), Model: model})
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					send(ctx, out, types.Chunk{Err: types.Wrap(types.KindProviderUnavailable, ProviderID, err)})
				}
				return
			}

			var event sseEvent
			if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
				continue
			}
			eventType := ev.Type
			if eventType == "" {
				eventType = event.Type
			}

			switch eventType {
			case "message_start":
				if event.Message != nil {
					if event.Message.Model != "" {
						model = event.Message.Model
					}
					usage.PromptTokens = event.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if event.Delta == nil || event.Delta.Type != "text_delta" || event.Delta.Text == "" {
					continue
				}
				if !send(ctx, out, types.Chunk{Text: event.Delta.Text}) {
					return
				}
			case "message_delta":
				if event.Usage != nil {
					usage.CompletionTokens = event.Usage.OutputTokens
				}
			case "message_stop":
				send(ctx, out, types.Chunk{Done: true, Usage: finalUsage(usage), Model: model})
				return
			case "error":
				msg := "stream error"
				kind := types.KindProviderUnavailable
				if event.Error != nil {
					msg = event.Error.Message
					if event.Error.Type == "rate_limit_error" || event.Error.Type == "overloaded_error" {
						kind = types.KindProviderRateLimited
					}
				}
				send(ctx, out, types.Chunk{Err: &types.Error{Kind: kind, Provider: ProviderID, Message: msg}})
				return
			}
		}
	}()
	return out, nil
}

func finalUsage(u types.TokenUsage) *types.TokenUsage {
	if u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return nil
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return &u
}

func (c *Client) buildRequest(req types.Request, stream bool) anthRequest {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	system, filtered := extractSystem(req.Messages)
	s := req.Sampling.Resolved()
	temperature := *s.Temperature
	if temperature > 1 {
		temperature = 1
	}
	return anthRequest{
		Model:       model,
		MaxTokens:   *s.MaxTokens,
		Messages:    convertMessages(filtered),
		System:      system,
		Temperature: temperature,
		TopP:        *s.TopP,
		Stream:      stream,
	}
}

// extractSystem joins every system message into the top-level prompt.
func extractSystem(messages []types.Message) (string, []types.Message) {
	var system []string
	filtered := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == types.RoleSystem {
			system = append(system, m.Content)
		} else {
			filtered = append(filtered, m)
		}
	}
	return strings.Join(system, "\n\n"), filtered
}

func convertMessages(messages []types.Message) []anthMessage {
	result := make([]anthMessage, 0, len(messages))
	for _, m := range messages {
		result = append(result, anthMessage{
			Role:    m.Role,
			Content: []contentBlock{{Type: "text", Text: m.Content}},
		})
	}
	return result
}

func (c *Client) do(ctx context.Context, payload anthRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, types.Wrap(types.KindProviderMisconfigured, ProviderID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", DefaultAPIVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, types.FromTransport(ProviderID, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64*1024))
		return nil, types.FromHTTPStatus(ProviderID, httpResp.StatusCode, string(raw))
	}
	return httpResp, nil
}

func send(ctx context.Context, out chan<- types.Chunk, c types.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
