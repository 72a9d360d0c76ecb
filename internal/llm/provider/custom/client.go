package custom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-chat/internal/llm/provider/sse"
	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
)

// Package custom provides an OpenAI-compatible backend reached at a
// configurable base URL (vLLM, LocalAI, gateways, self-hosted proxies).

const (
	ProviderID     = "custom"
	DefaultTimeout = 60 * time.Second
	completionPath = "/chat/completions"
)

// Config configures a Client. BaseURL and APIKey are both required.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// Client implements batch and streaming completions for an
// OpenAI-compatible endpoint.
type Client struct {
	apiKey       string
	baseURL      string
	defaultModel string
	timeout      time.Duration
	httpClient   *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	Temperature      float64       `json:"temperature"`
	MaxTokens        int           `json:"max_tokens"`
	TopP             float64       `json:"top_p"`
	FrequencyPenalty float64       `json:"frequency_penalty"`
	PresencePenalty  float64       `json:"presence_penalty"`
	Stream           bool          `json:"stream,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage,omitempty"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" || cfg.BaseURL == "" {
		return nil, types.Errorf(types.KindProviderMisconfigured, "custom provider requires both api key and base url")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, types.Errorf(types.KindProviderMisconfigured, "invalid base url: %v", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		defaultModel: cfg.DefaultModel,
		timeout:      cfg.Timeout,
		httpClient:   &http.Client{},
	}, nil
}

// ID returns the provider identifier.
func (c *Client) ID() string { return ProviderID }

// Complete performs a single non-streaming completion bounded by the
// configured timeout.
func (c *Client) Complete(ctx context.Context, req types.Request) (*types.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := c.buildRequest(req, false)
	resp, err := c.do(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, types.Wrap(types.KindProviderUnavailable, ProviderID, fmt.Errorf("failed to parse response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, types.Errorf(types.KindProviderUnavailable, "no choices in response")
	}

	content := parsed.Choices[0].Message.Content
	usage := types.EstimateUsage(req.Messages, content)
	if parsed.Usage != nil && parsed.Usage.TotalTokens > 0 {
		usage = types.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	model := parsed.Model
	if model == "" {
		model = payload.Model
	}
	return &types.Result{Content: content, Usage: usage, Model: model}, nil
}

// Stream performs a streaming completion over SSE. The timeout applies to
// receiving response headers; the body is bounded by ctx.
func (c *Client) Stream(ctx context.Context, req types.Request) (<-chan types.Chunk, error) {
	payload := c.buildRequest(req, true)

	headerCtx, cancelHeaders := context.WithCancel(ctx)
	timer := time.AfterFunc(c.timeout, cancelHeaders)
	resp, err := c.do(headerCtx, payload)
	if !timer.Stop() && err != nil && ctx.Err() == nil {
		return nil, types.Errorf(types.KindProviderUnavailable, "no response within %s", c.timeout)
	}
	if err != nil {
		cancelHeaders()
		return nil, err
	}

	out := make(chan types.Chunk, 16)
	go func() {
		defer close(out)
		defer cancelHeaders()
		defer resp.Body.Close()

		model := payload.Model
		var usage *types.TokenUsage
		reader := sse.NewReader(resp.Body)
		for {
			ev, err := reader.Next()
			if errors.Is(err, io.EOF) {
				send(ctx, out, types.Chunk{Done: true, Usage: usage, Model: model})
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					send(ctx, out, types.Chunk{Err: types.Wrap(types.KindProviderUnavailable, ProviderID, err)})
				}
				return
			}
			if ev.Data == "[DONE]" {
				send(ctx, out, types.Chunk{Done: true, Usage: usage, Model: model})
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
				continue
			}
			if chunk.Model != "" {
				model = chunk.Model
			}
			if chunk.Usage != nil && chunk.Usage.TotalTokens > 0 {
				usage = &types.TokenUsage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !send(ctx, out, types.Chunk{Text: chunk.Choices[0].Delta.Content}) {
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) buildRequest(req types.Request, stream bool) chatRequest {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	messages := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	s := req.Sampling.Resolved()
	return chatRequest{
		Model:            model,
		Messages:         messages,
		Temperature:      *s.Temperature,
		MaxTokens:        *s.MaxTokens,
		TopP:             *s.TopP,
		FrequencyPenalty: *s.FrequencyPenalty,
		PresencePenalty:  *s.PresencePenalty,
		Stream:           stream,
	}
}

// do posts payload and returns the response when the status is 200.
func (c *Client) do(ctx context.Context, payload chatRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionPath, bytes.NewReader(body))
	if err != nil {
		return nil, types.Wrap(types.KindProviderMisconfigured, ProviderID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.FromTransport(ProviderID, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		msg := string(raw)
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
			msg = eb.Error.Message
		}
		return nil, types.FromHTTPStatus(ProviderID, resp.StatusCode, msg)
	}
	return resp, nil
}

func send(ctx context.Context, out chan<- types.Chunk, c types.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
