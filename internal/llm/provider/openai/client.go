package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
)

// Package openai provides the OpenAI backend for the provider bridge.
//
// Both batch completions and incremental streaming are supported. Usage is
// taken from the backend's own accounting; the stream asks for a trailing
// usage frame and falls back to an estimate when none arrives.

const (
	ProviderID     = "openai"
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-3.5-turbo"
	DefaultTimeout = 60 * time.Second
)

// Config configures a Client.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// Client talks to the OpenAI chat completions API.
type Client struct {
	client       *goopenai.Client
	defaultModel string
}

// NewClient creates a new OpenAI client with configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, types.Errorf(types.KindProviderMisconfigured, "OpenAI API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	// The timeout bounds connection setup and headers only; stream bodies
	// are bounded by the caller's context.
	clientCfg.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: cfg.Timeout,
		},
	}

	return &Client{
		client:       goopenai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// ID returns the provider identifier.
func (c *Client) ID() string { return ProviderID }

// Complete performs a single non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req types.Request) (*types.Result, error) {
	chatReq := c.buildRequest(req, false)

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, types.Errorf(types.KindProviderUnavailable, "no choices in OpenAI response")
	}

	content := resp.Choices[0].Message.Content
	usage := types.TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage = types.EstimateUsage(req.Messages, content)
	}

	model := resp.Model
	if model == "" {
		model = chatReq.Model
	}
	return &types.Result{Content: content, Usage: usage, Model: model}, nil
}

// Stream performs a streaming chat completion. The returned channel yields
// text chunks in arrival order and is closed after a Done or Err chunk, or
// when ctx is cancelled.
func (c *Client) Stream(ctx context.Context, req types.Request) (<-chan types.Chunk, error) {
	chatReq := c.buildRequest(req, true)

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classify(err)
	}

	out := make(chan types.Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		var usage *types.TokenUsage
		model := chatReq.Model
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				send(ctx, out, types.Chunk{Done: true, Usage: usage, Model: model})
				return
			}
			if err != nil {
				send(ctx, out, types.Chunk{Err: classify(err)})
				return
			}
			if resp.Model != "" {
				model = resp.Model
			}
			if resp.Usage != nil {
				usage = &types.TokenUsage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !send(ctx, out, types.Chunk{Text: resp.Choices[0].Delta.Content}) {
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) buildRequest(req types.Request, stream bool) goopenai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages := make([]goopenai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	s := req.Sampling.Resolved()
	chatReq := goopenai.ChatCompletionRequest{
		Model:            model,
		Messages:         messages,
		Temperature:      float32(*s.Temperature),
		MaxTokens:        *s.MaxTokens,
		TopP:             float32(*s.TopP),
		FrequencyPenalty: float32(*s.FrequencyPenalty),
		PresencePenalty:  float32(*s.PresencePenalty),
		Stream:           stream,
	}
	if stream {
		chatReq.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}
	}
	return chatReq
}

// classify maps go-openai errors onto the provider error taxonomy.
func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return types.FromHTTPStatus(ProviderID, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return types.FromHTTPStatus(ProviderID, reqErr.HTTPStatusCode, fmt.Sprintf("%v", reqErr.Err))
	}
	return types.FromTransport(ProviderID, err)
}

func send(ctx context.Context, out chan<- types.Chunk, c types.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
