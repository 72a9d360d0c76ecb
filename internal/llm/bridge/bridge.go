package bridge

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-chat/internal/llm/provider/anthropic"
	"github.com/kubilitics/kubilitics-chat/internal/llm/provider/custom"
	"github.com/kubilitics/kubilitics-chat/internal/llm/provider/gemini"
	"github.com/kubilitics/kubilitics-chat/internal/llm/provider/openai"
	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
	"github.com/kubilitics/kubilitics-chat/internal/metrics"
)

// Provider status values reported by Status.
const (
	StatusNotConfigured = "not_configured"
	StatusDisabled      = "disabled"
	StatusNoAPIKey      = "no_api_key"
	StatusMisconfigured = "misconfigured"
	StatusReady         = "ready"
)

// Settings configures one provider.
type Settings struct {
	Enabled      bool
	APIKey       string
	BaseURL      string
	DefaultModel string
	Models       []string
	Timeout      time.Duration
}

// ProviderStatus is the readiness report for one provider.
type ProviderStatus struct {
	Provider  string   `json:"provider"`
	Status    string   `json:"status"`
	Message   string   `json:"message"`
	Streaming bool     `json:"streaming"`
	Models    []string `json:"models,omitempty"`
}

// Factory builds a Backend from settings.
type Factory func(Settings) (Backend, error)

// DefaultFactories returns the built-in backends keyed by provider id.
func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		openai.ProviderID: func(s Settings) (Backend, error) {
			c, err := openai.NewClient(openai.Config{APIKey: s.APIKey, BaseURL: s.BaseURL, DefaultModel: s.DefaultModel, Timeout: s.Timeout})
			if err != nil {
				return nil, err
			}
			return NewStreaming(c), nil
		},
		custom.ProviderID: func(s Settings) (Backend, error) {
			c, err := custom.NewClient(custom.Config{APIKey: s.APIKey, BaseURL: s.BaseURL, DefaultModel: s.DefaultModel, Timeout: s.Timeout})
			if err != nil {
				return nil, err
			}
			return NewStreaming(c), nil
		},
		anthropic.ProviderID: func(s Settings) (Backend, error) {
			c, err := anthropic.NewClient(anthropic.Config{APIKey: s.APIKey, BaseURL: s.BaseURL, DefaultModel: s.DefaultModel, Timeout: s.Timeout})
			if err != nil {
				return nil, err
			}
			return NewStreaming(c), nil
		},
		gemini.ProviderID: func(s Settings) (Backend, error) {
			c, err := gemini.NewClient(gemini.Config{APIKey: s.APIKey, BaseURL: s.BaseURL, DefaultModel: s.DefaultModel, Timeout: s.Timeout})
			if err != nil {
				return nil, err
			}
			return NewBatchOnly(c), nil
		},
	}
}

type entry struct {
	settings Settings
	backend  Backend // nil when disabled or construction failed
	buildErr error
}

// Bridge is the uniform entry point over every configured backend. It holds
// no transport or persistence knowledge and never retries.
type Bridge struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	factories map[string]Factory
	logger    *zap.Logger
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithFactories replaces the backend constructors.
func WithFactories(f map[string]Factory) Option {
	return func(b *Bridge) { b.factories = f }
}

// New builds a Bridge from per-provider settings. A provider whose backend
// cannot be constructed is kept and reported as misconfigured rather than
// failing the whole bridge.
func New(settings map[string]Settings, opts ...Option) *Bridge {
	b := &Bridge{
		entries:   make(map[string]*entry),
		factories: DefaultFactories(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.Apply(settings)
	return b
}

// Apply replaces the provider set. In-flight calls keep the backend they
// already resolved.
func (b *Bridge) Apply(settings map[string]Settings) {
	entries := make(map[string]*entry, len(settings))
	for id, s := range settings {
		e := &entry{settings: s}
		factory, ok := b.factories[id]
		switch {
		case !ok:
			e.buildErr = types.Errorf(types.KindProviderMisconfigured, "unsupported provider %q", id)
		case !s.Enabled:
		default:
			e.backend, e.buildErr = factory(s)
		}
		if e.buildErr != nil {
			b.logger.Warn("provider not usable", zap.String("provider", id), zap.Error(e.buildErr))
		}
		entries[id] = e
	}

	b.mu.Lock()
	b.entries = entries
	b.mu.Unlock()
	b.logger.Info("provider settings applied", zap.Int("providers", len(entries)))
}

// Register installs a ready backend directly, bypassing factories.
func (b *Bridge) Register(id string, s Settings, backend Backend) {
	s.Enabled = true
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[id] = &entry{settings: s, backend: backend}
}

func (b *Bridge) resolve(id string) (*entry, Backend, error) {
	b.mu.RLock()
	e, ok := b.entries[id]
	b.mu.RUnlock()

	switch {
	case !ok:
		return nil, nil, &types.Error{Kind: types.KindProviderMisconfigured, Provider: id, Message: "provider is not configured"}
	case !e.settings.Enabled:
		return nil, nil, &types.Error{Kind: types.KindProviderDisabled, Provider: id, Message: "provider is disabled"}
	case e.buildErr != nil:
		return nil, nil, &types.Error{Kind: types.KindProviderMisconfigured, Provider: id, Err: e.buildErr}
	}
	return e, e.backend, nil
}

// SupportsStreaming reports whether provider id can stream.
func (b *Bridge) SupportsStreaming(id string) bool {
	_, backend, err := b.resolve(id)
	return err == nil && backend.Capability() == Streaming
}

// DefaultModel returns the configured default model for id.
func (b *Bridge) DefaultModel(id string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e, ok := b.entries[id]; ok {
		return e.settings.DefaultModel
	}
	return ""
}

// Complete performs a batch completion.
func (b *Bridge) Complete(ctx context.Context, providerID, modelID string, messages []types.Message, sampling types.SamplingConfig) (*types.Result, error) {
	e, backend, err := b.resolve(providerID)
	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(providerID, "batch", string(types.KindOf(err))).Inc()
		return nil, err
	}

	req := types.Request{Model: modelOrDefault(modelID, e.settings), Messages: messages, Sampling: sampling.Resolved()}
	start := time.Now()
	res, err := backend.batch().Complete(ctx, req)
	metrics.ProviderRequestDuration.WithLabelValues(providerID, "batch").Observe(time.Since(start).Seconds())
	if err != nil {
		err = types.FromTransport(providerID, err)
		metrics.ProviderRequestsTotal.WithLabelValues(providerID, "batch", outcomeLabel(err)).Inc()
		return nil, err
	}
	if res.Model == "" {
		res.Model = req.Model
	}
	metrics.ProviderRequestsTotal.WithLabelValues(providerID, "batch", "success").Inc()
	return res, nil
}

// CompleteStreaming opens a streaming completion. Asking a batch-only
// provider to stream fails with ProviderRejected before any call is made.
func (b *Bridge) CompleteStreaming(ctx context.Context, providerID, modelID string, messages []types.Message, sampling types.SamplingConfig) (<-chan types.Chunk, error) {
	e, backend, err := b.resolve(providerID)
	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(providerID, "stream", string(types.KindOf(err))).Inc()
		return nil, err
	}
	streamer, ok := backend.streamer()
	if !ok {
		return nil, &types.Error{Kind: types.KindProviderRejected, Provider: providerID, Message: "provider does not support streaming"}
	}

	req := types.Request{Model: modelOrDefault(modelID, e.settings), Messages: messages, Sampling: sampling.Resolved()}
	start := time.Now()
	in, err := streamer.Stream(ctx, req)
	metrics.ProviderRequestDuration.WithLabelValues(providerID, "stream").Observe(time.Since(start).Seconds())
	if err != nil {
		err = types.FromTransport(providerID, err)
		metrics.ProviderRequestsTotal.WithLabelValues(providerID, "stream", outcomeLabel(err)).Inc()
		return nil, err
	}

	out := make(chan types.Chunk, cap(in))
	go func() {
		defer close(out)
		status := "aborted"
		defer func() {
			metrics.ProviderRequestsTotal.WithLabelValues(providerID, "stream", status).Inc()
		}()
		for chunk := range in {
			switch {
			case chunk.Err != nil:
				chunk.Err = types.FromTransport(providerID, chunk.Err)
				status = outcomeLabel(chunk.Err)
			case chunk.Done:
				status = "success"
				if chunk.Model == "" {
					chunk.Model = req.Model
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Status reports readiness for one provider.
func (b *Bridge) Status(id string) ProviderStatus {
	b.mu.RLock()
	e, ok := b.entries[id]
	b.mu.RUnlock()

	st := ProviderStatus{Provider: id}
	switch {
	case !ok:
		st.Status, st.Message = StatusNotConfigured, "provider is not configured"
	case !e.settings.Enabled:
		st.Status, st.Message = StatusDisabled, "provider is disabled"
	case e.settings.APIKey == "":
		st.Status, st.Message = StatusNoAPIKey, "API key is not configured"
	case e.buildErr != nil:
		st.Status, st.Message = StatusMisconfigured, e.buildErr.Error()
	default:
		st.Status, st.Message = StatusReady, "provider is ready"
		st.Streaming = e.backend.Capability() == Streaming
		st.Models = append([]string(nil), e.settings.Models...)
	}
	return st
}

// Statuses reports every configured provider, sorted by id.
func (b *Bridge) Statuses() []ProviderStatus {
	ids := b.Providers()
	out := make([]ProviderStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.Status(id))
	}
	return out
}

// Providers lists configured provider ids.
func (b *Bridge) Providers() []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Models returns the configured model list, empty unless the provider is
// enabled.
func (b *Bridge) Models(id string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[id]
	if !ok || !e.settings.Enabled {
		return []string{}
	}
	return append([]string{}, e.settings.Models...)
}

func modelOrDefault(model string, s Settings) string {
	if model != "" {
		return model
	}
	return s.DefaultModel
}

func outcomeLabel(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return string(types.KindOf(err))
}
