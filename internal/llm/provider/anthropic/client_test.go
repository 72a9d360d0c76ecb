package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
)

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient(Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.defaultModel != DefaultModel {
		t.Errorf("model = %s", c.defaultModel)
	}
	if c.baseURL != DefaultBaseURL {
		t.Errorf("base url = %s", c.baseURL)
	}
	if _, err := NewClient(Config{}); types.KindOf(err) != types.KindProviderMisconfigured {
		t.Errorf("missing key should be misconfigured, got %v", err)
	}
}

func TestExtractSystem(t *testing.T) {
	system, rest := extractSystem([]types.Message{
		{Role: types.RoleSystem, Content: "be brief"},
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleSystem, Content: "be kind"},
	})
	if system != "be brief\n\nbe kind" {
		t.Errorf("system = %q", system)
	}
	if len(rest) != 1 || rest[0].Role != types.RoleUser {
		t.Errorf("rest = %+v", rest)
	}
}

func TestBuildRequestClampsTemperature(t *testing.T) {
	c, _ := NewClient(Config{APIKey: "k"})
	req := c.buildRequest(types.Request{Sampling: types.SamplingConfig{Temperature: types.Float(1.8)}}, false)
	if req.Temperature != 1 {
		t.Errorf("temperature = %v, want 1", req.Temperature)
	}
	if req.MaxTokens != types.DefaultMaxTokens {
		t.Errorf("max tokens = %d", req.MaxTokens)
	}
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" || r.Header.Get("anthropic-version") != DefaultAPIVersion {
			t.Errorf("missing auth headers")
		}
		var req anthRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.System != "sys" {
			t.Errorf("system = %q", req.System)
		}
		fmt.Fprint(w, `{"content":[{"type":"text","text":"Hello"},{"type":"text","text":" world"}],"model":"claude-x","usage":{"input_tokens":7,"output_tokens":2}}`)
	}))
	defer srv.Close()

	c, _ := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	res, err := c.Complete(context.Background(), types.Request{Messages: []types.Message{
		{Role: types.RoleSystem, Content: "sys"},
		{Role: types.RoleUser, Content: "hi"},
	}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Content != "Hello world" || res.Model != "claude-x" {
		t.Errorf("result = %+v", res)
	}
	if res.Usage.TotalTokens != 9 || res.Usage.Estimated {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-x\",\"usage\":{\"input_tokens\":4}}}\n\n")
		for _, piece := range []string{"Hi", " there", "!"} {
			fmt.Fprintf(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":%q}}\n\n", piece)
		}
		fmt.Fprint(w, "event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":3}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	c, _ := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	ch, err := c.Stream(context.Background(), types.Request{Messages: []types.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var sb strings.Builder
	var done types.Chunk
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		if chunk.Done {
			done = chunk
		}
		sb.WriteString(chunk.Text)
	}
	if sb.String() != "Hi there!" {
		t.Errorf("text = %q", sb.String())
	}
	if done.Usage == nil || done.Usage.TotalTokens != 7 || done.Model != "claude-x" {
		t.Errorf("done = %+v usage=%+v", done, done.Usage)
	}
}

func TestStreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer srv.Close()

	c, _ := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	ch, err := c.Stream(context.Background(), types.Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var last types.Chunk
	for chunk := range ch {
		last = chunk
	}
	if types.KindOf(last.Err) != types.KindProviderRateLimited {
		t.Errorf("last chunk = %+v", last)
	}
}
