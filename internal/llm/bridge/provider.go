package bridge

import (
	"context"

	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
)

// Capability tells callers which calls a backend supports.
type Capability int

const (
	BatchOnly Capability = iota
	Streaming
)

func (c Capability) String() string {
	if c == Streaming {
		return "streaming"
	}
	return "batch_only"
}

// BatchProvider is implemented by every backend.
type BatchProvider interface {
	ID() string
	Complete(ctx context.Context, req types.Request) (*types.Result, error)
}

// StreamingProvider is a backend that can also deliver incremental chunks.
// The channel returned by Stream yields text chunks in order and is closed
// after a Done or Err chunk, or once ctx is cancelled.
type StreamingProvider interface {
	BatchProvider
	Stream(ctx context.Context, req types.Request) (<-chan types.Chunk, error)
}

// Backend is a provider tagged with its capability. The set of
// implementations is closed; build one with NewBatchOnly or NewStreaming.
type Backend interface {
	Capability() Capability
	batch() BatchProvider
	streamer() (StreamingProvider, bool)
}

type batchOnlyBackend struct{ p BatchProvider }

func (b batchOnlyBackend) Capability() Capability              { return BatchOnly }
func (b batchOnlyBackend) batch() BatchProvider                { return b.p }
func (b batchOnlyBackend) streamer() (StreamingProvider, bool) { return nil, false }

type streamingBackend struct{ p StreamingProvider }

func (b streamingBackend) Capability() Capability              { return Streaming }
func (b streamingBackend) batch() BatchProvider                { return b.p }
func (b streamingBackend) streamer() (StreamingProvider, bool) { return b.p, true }

// NewBatchOnly wraps a backend that can only answer atomically.
func NewBatchOnly(p BatchProvider) Backend { return batchOnlyBackend{p: p} }

// NewStreaming wraps a backend that supports streaming.
func NewStreaming(p StreamingProvider) Backend { return streamingBackend{p: p} }
