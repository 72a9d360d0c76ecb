package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kubilitics/kubilitics-chat/internal/auth"
	"github.com/kubilitics/kubilitics-chat/internal/config"
	"github.com/kubilitics/kubilitics-chat/internal/db"
	"github.com/kubilitics/kubilitics-chat/internal/generation"
	"github.com/kubilitics/kubilitics-chat/internal/llm/bridge"
	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
	wire "github.com/kubilitics/kubilitics-chat/pkg/types"
)

const testSecret = "test-secret-0123456789"

// scriptedBackend streams a fixed reply. When gate is set every chunk
// waits for one receive from it.
type scriptedBackend struct {
	chunks []string
	err    error
	gate   chan struct{}

	mu    sync.Mutex
	calls int
}

func (b *scriptedBackend) ID() string { return "fake" }

func (b *scriptedBackend) Complete(ctx context.Context, req types.Request) (*types.Result, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return &types.Result{Content: strings.Join(b.chunks, ""), Model: req.Model}, nil
}

func (b *scriptedBackend) Stream(ctx context.Context, req types.Request) (<-chan types.Chunk, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	out := make(chan types.Chunk)
	go func() {
		defer close(out)
		send := func(c types.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, text := range b.chunks {
			if b.gate != nil {
				select {
				case <-b.gate:
				case <-ctx.Done():
					return
				}
			}
			if !send(types.Chunk{Text: text}) {
				return
			}
		}
		if b.err != nil {
			send(types.Chunk{Err: b.err})
			return
		}
		send(types.Chunk{Done: true, Model: req.Model})
	}()
	return out, nil
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type testEnv struct {
	srv     *Server
	ts      *httptest.Server
	jwt     *auth.JWT
	store   db.Store
	coord   *generation.Coordinator
	backend *scriptedBackend
}

func newTestEnv(t *testing.T, backend *scriptedBackend, tweak func(*config.Config)) *testEnv {
	t.Helper()

	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = testSecret
	cfg.RateLimit.RequestsPerMinute = 0
	cfg.RateLimit.PromptsPerMinute = 0
	if tweak != nil {
		tweak(cfg)
	}

	b := bridge.New(nil)
	b.Register("fake", bridge.Settings{
		APIKey:       "k",
		DefaultModel: "fake-1",
		Models:       []string{"fake-1", "fake-2"},
	}, bridge.NewStreaming(backend))

	genCfg := generation.DefaultConfig()
	genCfg.DefaultProvider = "fake"
	genCfg.IdleTimeout = 5 * time.Second
	coord := generation.New(store, b, genCfg, generation.WithAccountant(store))

	jwt, err := auth.NewJWT(testSecret, cfg.Auth.Issuer, time.Hour)
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}

	srv, err := NewServer(cfg, Deps{Store: store, Bridge: b, Coordinator: coord, Auth: jwt})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		srv.Gateway().Close()
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
		_ = store.Close()
	})
	return &testEnv{srv: srv, ts: ts, jwt: jwt, store: store, coord: coord, backend: backend}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.jwt.Issue(userID, userID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

// do performs an authenticated REST call and decodes the JSON body into out
// when out is non-nil.
func (e *testEnv) do(t *testing.T, userID, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = strings.NewReader(string(data))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) createConversation(t *testing.T, userID string) wire.Conversation {
	t.Helper()
	var conv wire.Conversation
	if code := e.do(t, userID, http.MethodPost, "/api/v1/conversations", wire.CreateConversationRequest{Title: "test"}, &conv); code != http.StatusCreated {
		t.Fatalf("create conversation: status %d", code)
	}
	return conv
}

func (e *testEnv) history(t *testing.T, userID, convID string) wire.Conversation {
	t.Helper()
	var conv wire.Conversation
	if code := e.do(t, userID, http.MethodGet, "/api/v1/conversations/"+convID, nil, &conv); code != http.StatusOK {
		t.Fatalf("get conversation: status %d", code)
	}
	return conv
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *testEnv) dial(t *testing.T, userID string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws/chat"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.token(t, userID))
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: t, conn: conn}
	c.expect(wire.EventConnected)
	return c
}

func (c *wsClient) send(typ wire.EventType, ref string, payload interface{}) {
	c.t.Helper()
	env, err := wire.NewEnvelope(typ, ref, payload)
	if err != nil {
		c.t.Fatalf("envelope: %v", err)
	}
	if err := c.conn.WriteJSON(env); err != nil {
		c.t.Fatalf("write %s: %v", typ, err)
	}
}

func (c *wsClient) next() wire.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env wire.Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return env
}

// expect skips frames until one of type typ arrives.
func (c *wsClient) expect(typ wire.EventType) wire.Envelope {
	c.t.Helper()
	for {
		env := c.next()
		if env.Type == typ {
			return env
		}
	}
}

// collect reads frames until one of type until arrives, returning every
// frame read including the last.
func (c *wsClient) collect(until wire.EventType) []wire.Envelope {
	c.t.Helper()
	var out []wire.Envelope
	for {
		env := c.next()
		out = append(out, env)
		if env.Type == until {
			return out
		}
	}
}

func decode[T any](t *testing.T, env wire.Envelope) T {
	t.Helper()
	var v T
	if err := env.Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return v
}
