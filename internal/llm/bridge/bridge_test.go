package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
)

type fakeBatch struct {
	id      string
	lastReq types.Request
	result  *types.Result
	err     error
}

func (f *fakeBatch) ID() string { return f.id }

func (f *fakeBatch) Complete(ctx context.Context, req types.Request) (*types.Result, error) {
	f.lastReq = req
	return f.result, f.err
}

type fakeStreaming struct {
	fakeBatch
	chunks []types.Chunk
}

func (f *fakeStreaming) Stream(ctx context.Context, req types.Request) (<-chan types.Chunk, error) {
	f.lastReq = req
	out := make(chan types.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func TestCapabilityVariant(t *testing.T) {
	b := New(nil)
	b.Register("batch", Settings{DefaultModel: "m"}, NewBatchOnly(&fakeBatch{id: "batch"}))
	b.Register("stream", Settings{DefaultModel: "m"}, NewStreaming(&fakeStreaming{fakeBatch: fakeBatch{id: "stream"}}))

	if b.SupportsStreaming("batch") {
		t.Error("batch-only provider must not report streaming")
	}
	if !b.SupportsStreaming("stream") {
		t.Error("streaming provider must report streaming")
	}
	if b.SupportsStreaming("missing") {
		t.Error("unknown provider must not report streaming")
	}

	_, err := b.CompleteStreaming(context.Background(), "batch", "", nil, types.SamplingConfig{})
	if types.KindOf(err) != types.KindProviderRejected {
		t.Errorf("streaming a batch-only provider: kind = %s", types.KindOf(err))
	}
}

func TestCompleteAppliesDefaults(t *testing.T) {
	fb := &fakeBatch{id: "p", result: &types.Result{Content: "ok"}}
	b := New(nil)
	b.Register("p", Settings{DefaultModel: "default-model"}, NewBatchOnly(fb))

	res, err := b.Complete(context.Background(), "p", "", []types.Message{{Role: "user", Content: "hi"}}, types.SamplingConfig{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if fb.lastReq.Model != "default-model" {
		t.Errorf("model = %q", fb.lastReq.Model)
	}
	if res.Model != "default-model" {
		t.Errorf("model echo fallback = %q", res.Model)
	}
	if fb.lastReq.Sampling.Temperature == nil || *fb.lastReq.Sampling.Temperature != types.DefaultTemperature {
		t.Error("sampling was not resolved")
	}
}

func TestCompleteClassifiesUnknownErrors(t *testing.T) {
	fb := &fakeBatch{id: "p", err: errors.New("connection reset")}
	b := New(nil)
	b.Register("p", Settings{}, NewBatchOnly(fb))

	_, err := b.Complete(context.Background(), "p", "m", nil, types.SamplingConfig{})
	if types.KindOf(err) != types.KindProviderUnavailable {
		t.Errorf("kind = %s", types.KindOf(err))
	}
}

func TestResolveErrors(t *testing.T) {
	b := New(map[string]Settings{
		"openai": {Enabled: false, APIKey: "k"},
		"gemini": {Enabled: true},
		"bogus":  {Enabled: true, APIKey: "k"},
	})

	tests := []struct {
		id   string
		want types.ErrorKind
	}{
		{"openai", types.KindProviderDisabled},
		{"gemini", types.KindProviderMisconfigured},
		{"bogus", types.KindProviderMisconfigured},
		{"absent", types.KindProviderMisconfigured},
	}
	for _, tt := range tests {
		_, err := b.Complete(context.Background(), tt.id, "", nil, types.SamplingConfig{})
		if types.KindOf(err) != tt.want {
			t.Errorf("%s: kind = %s, want %s", tt.id, types.KindOf(err), tt.want)
		}
	}
}

func TestStatus(t *testing.T) {
	b := New(map[string]Settings{
		"openai": {Enabled: true, APIKey: "sk", Models: []string{"gpt-4o", "gpt-3.5-turbo"}},
		"gemini": {Enabled: true, APIKey: "g", Models: []string{"gemini-pro"}},
		"custom": {Enabled: false},
		"anthropic": {Enabled: true},
	})

	tests := []struct {
		id        string
		status    string
		streaming bool
	}{
		{"openai", StatusReady, true},
		{"gemini", StatusReady, false},
		{"custom", StatusDisabled, false},
		{"anthropic", StatusNoAPIKey, false},
		{"nope", StatusNotConfigured, false},
	}
	for _, tt := range tests {
		st := b.Status(tt.id)
		if st.Status != tt.status || st.Streaming != tt.streaming {
			t.Errorf("%s: status = %+v", tt.id, st)
		}
	}

	if got := b.Models("custom"); len(got) != 0 {
		t.Errorf("disabled provider models = %v", got)
	}
	if got := b.Models("openai"); strings.Join(got, ",") != "gpt-4o,gpt-3.5-turbo" {
		t.Errorf("models = %v", got)
	}
	if got := len(b.Statuses()); got != 4 {
		t.Errorf("statuses = %d", got)
	}
}

func TestCompleteStreamingRelaysInOrder(t *testing.T) {
	fs := &fakeStreaming{
		fakeBatch: fakeBatch{id: "s"},
		chunks: []types.Chunk{
			{Text: "Hi"}, {Text: " there"}, {Text: "!"}, {Done: true},
		},
	}
	b := New(nil)
	b.Register("s", Settings{DefaultModel: "m"}, NewStreaming(fs))

	ch, err := b.CompleteStreaming(context.Background(), "s", "", nil, types.SamplingConfig{})
	if err != nil {
		t.Fatalf("CompleteStreaming: %v", err)
	}

	var sb strings.Builder
	timeout := time.After(time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				if sb.String() != "Hi there!" {
					t.Errorf("text = %q", sb.String())
				}
				return
			}
			if c.Done && c.Model != "m" {
				t.Errorf("done model = %q", c.Model)
			}
			sb.WriteString(c.Text)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestApplyHotReload(t *testing.T) {
	b := New(map[string]Settings{"openai": {Enabled: false, APIKey: "sk"}})
	if b.Status("openai").Status != StatusDisabled {
		t.Fatal("expected disabled")
	}
	b.Apply(map[string]Settings{"openai": {Enabled: true, APIKey: "sk"}})
	if b.Status("openai").Status != StatusReady {
		t.Errorf("after apply: %+v", b.Status("openai"))
	}
}
