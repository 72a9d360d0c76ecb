package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
)

// Package gemini provides the Google Gemini backend. It is batch only: the
// client exposes Complete and nothing else, so the bridge registers it as a
// batch-only provider. Token usage is always estimated.

const (
	ProviderID     = "gemini"
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-pro"
	DefaultTimeout = 60 * time.Second
)

// Config configures a Client.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// Client calls models/{model}:generateContent.
type Client struct {
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
	TopP            float64 `json:"topP"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	ModelVersion string `json:"modelVersion"`
}

// NewClient creates a new Gemini client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, types.Errorf(types.KindProviderMisconfigured, "Gemini API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		defaultModel: cfg.DefaultModel,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// ID returns the provider identifier.
func (c *Client) ID() string { return ProviderID }

// Complete renders the context as a single transcript prompt and returns
// the first candidate's text.
func (c *Client) Complete(ctx context.Context, req types.Request) (*types.Result, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	s := req.Sampling.Resolved()
	payload := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: FormatPrompt(req.Messages)}}}},
		GenerationConfig: generationConfig{
			Temperature:     *s.Temperature,
			MaxOutputTokens: *s.MaxTokens,
			TopP:            *s.TopP,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, url.PathEscape(model), url.QueryEscape(c.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.Wrap(types.KindProviderMisconfigured, ProviderID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, types.FromTransport(ProviderID, redact(err, c.apiKey))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.FromTransport(ProviderID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.FromHTTPStatus(ProviderID, resp.StatusCode, string(raw))
	}

	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, types.Wrap(types.KindProviderUnavailable, ProviderID, fmt.Errorf("failed to parse response: %w", err))
	}
	if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
		return nil, &types.Error{Kind: types.KindProviderRejected, Provider: ProviderID, Message: "prompt blocked: " + parsed.PromptFeedback.BlockReason}
	}
	if len(parsed.Candidates) == 0 {
		return nil, types.Errorf(types.KindProviderUnavailable, "no candidates in Gemini response")
	}

	var text strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return &types.Result{
		Content: text.String(),
		Usage:   types.EstimateUsage(req.Messages, text.String()),
		Model:   model,
	}, nil
}

// FormatPrompt renders messages as a role-labelled transcript ending with an
// open assistant turn.
func FormatPrompt(messages []types.Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			lines = append(lines, "System: "+m.Content)
		case types.RoleUser:
			lines = append(lines, "User: "+m.Content)
		case types.RoleAssistant:
			lines = append(lines, "Assistant: "+m.Content)
		default:
			lines = append(lines, m.Content)
		}
	}
	return strings.Join(lines, "\n\n") + "\n\nAssistant:"
}

// redact keeps the key, which travels in the query string, out of errors.
func redact(err error, key string) error {
	if key == "" || !strings.Contains(err.Error(), key) {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), url.QueryEscape(key), "REDACTED"))
}
