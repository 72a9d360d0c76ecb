package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-chat/internal/auth"
	"github.com/kubilitics/kubilitics-chat/internal/config"
	"github.com/kubilitics/kubilitics-chat/internal/db"
	"github.com/kubilitics/kubilitics-chat/internal/generation"
	"github.com/kubilitics/kubilitics-chat/internal/llm/bridge"
	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
	"github.com/kubilitics/kubilitics-chat/internal/server"
	wire "github.com/kubilitics/kubilitics-chat/pkg/types"
)

const testSecret = "client-test-secret-0123456789"

// gatedBackend streams chunks; with a gate each chunk waits for a receive.
type gatedBackend struct {
	chunks []string
	gate   chan struct{}
}

func (b *gatedBackend) ID() string { return "fake" }

func (b *gatedBackend) Complete(ctx context.Context, req types.Request) (*types.Result, error) {
	return &types.Result{Content: strings.Join(b.chunks, ""), Model: req.Model}, nil
}

func (b *gatedBackend) Stream(ctx context.Context, req types.Request) (<-chan types.Chunk, error) {
	out := make(chan types.Chunk)
	go func() {
		defer close(out)
		for _, text := range b.chunks {
			if b.gate != nil {
				select {
				case <-b.gate:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- types.Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- types.Chunk{Done: true, Model: req.Model}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

type chatEnv struct {
	srv *server.Server
	ts  *httptest.Server
	jwt *auth.JWT
}

func newChatEnv(t *testing.T, backend *gatedBackend) *chatEnv {
	t.Helper()

	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = testSecret
	cfg.RateLimit.RequestsPerMinute = 0
	cfg.RateLimit.PromptsPerMinute = 0

	b := bridge.New(nil)
	b.Register("fake", bridge.Settings{APIKey: "k", DefaultModel: "fake-1"}, bridge.NewStreaming(backend))

	genCfg := generation.DefaultConfig()
	genCfg.DefaultProvider = "fake"
	genCfg.IdleTimeout = 5 * time.Second
	coord := generation.New(store, b, genCfg)

	jwt, err := auth.NewJWT(testSecret, cfg.Auth.Issuer, time.Hour)
	require.NoError(t, err)

	srv, err := server.NewServer(cfg, server.Deps{Store: store, Bridge: b, Coordinator: coord, Auth: jwt})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		srv.Gateway().Close()
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
		_ = store.Close()
	})
	return &chatEnv{srv: srv, ts: ts, jwt: jwt}
}

func (e *chatEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.jwt.Issue(userID, userID)
	require.NoError(t, err)
	return tok
}

func (e *chatEnv) client(t *testing.T, userID string, tweak func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ServerURL = e.ts.URL
	cfg.Token = e.token(t, userID)
	cfg.InitialDelay = 10 * time.Millisecond
	cfg.MaxDelay = 50 * time.Millisecond
	if tweak != nil {
		tweak(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (e *chatEnv) createConversation(t *testing.T, userID string) string {
	t.Helper()
	body, _ := json.Marshal(wire.CreateConversationRequest{Title: "client"})
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/api/v1/conversations", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var conv wire.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conv))
	return conv.ID
}

// waitEvent reads client events until one of type typ arrives.
func waitEvent(t *testing.T, c *Client, typ wire.EventType) wire.Envelope {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-c.Events():
			require.True(t, ok, "event stream closed waiting for %s", typ)
			if env.Type == typ {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 5*time.Second, 5*time.Millisecond,
		"state stayed %s, want %s", c.State(), want)
}

func assistantMessages(msgs []wire.Message) []wire.Message {
	var out []wire.Message
	for _, m := range msgs {
		if m.Role == "assistant" {
			out = append(out, m)
		}
	}
	return out
}

func TestNewValidatesURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{ServerURL: "ftp://example.com"})
	assert.Error(t, err)

	c, err := New(Config{ServerURL: "https://chat.example.com/base/"})
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/base/ws/chat", c.wsURL)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 256, c.cfg.QueueSize)
	assert.Equal(t, 5, c.cfg.MaxAttempts)
}

func TestConnectAndSend(t *testing.T) {
	env := newChatEnv(t, &gatedBackend{chunks: []string{"Hi", " there", "!"}})
	c := env.client(t, "alice", nil)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.NotEmpty(t, c.SessionID())

	_, err := c.Send(wire.SendPrompt{Text: "Hello", Stream: true})
	require.NoError(t, err)

	joined := waitEvent(t, c, wire.EventJoined)
	var j wire.Joined
	require.NoError(t, joined.Decode(&j))

	done := waitEvent(t, c, wire.EventGenerationComplete)
	var complete wire.GenerationComplete
	require.NoError(t, done.Decode(&complete))
	assert.Equal(t, "Hi there!", complete.Text)

	assert.Equal(t, j.ConversationID, c.Room())
	msgs := c.Messages(j.ConversationID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, "Hi there!", msgs[1].Content)
	assert.Empty(t, c.Provisional(j.ConversationID))
}

func TestQueuedIntentsFlushOnConnect(t *testing.T) {
	env := newChatEnv(t, &gatedBackend{chunks: []string{"ok"}})
	convID := env.createConversation(t, "alice")
	c := env.client(t, "alice", nil)

	require.NoError(t, c.Join(convID))
	_, err := c.Send(wire.SendPrompt{ConversationID: convID, Text: "queued", Stream: true})
	require.NoError(t, err)
	assert.Equal(t, 2, c.QueueLen())

	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, wire.EventGenerationComplete)

	assert.Equal(t, 0, c.QueueLen())
	assert.Equal(t, convID, c.Room())

	hist, err := c.History(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, "queued", hist.Messages[0].Content)
}

func TestQueueOverflow(t *testing.T) {
	c, err := New(Config{ServerURL: "http://127.0.0.1:1", QueueSize: 2})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Join("a"))
	require.NoError(t, c.Join("b"))
	assert.ErrorIs(t, c.Join("c"), ErrQueueFull)
	_, err = c.Send(wire.SendPrompt{ConversationID: "a", Text: "x"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, c.QueueLen())
}

func TestConnectRejectsBadCredential(t *testing.T) {
	env := newChatEnv(t, &gatedBackend{chunks: []string{"ok"}})
	c := env.client(t, "alice", func(cfg *Config) { cfg.Token = "bogus" })

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, StateDisconnected, c.State())
}

func TestReconnectRejoinsRoom(t *testing.T) {
	env := newChatEnv(t, &gatedBackend{chunks: []string{"ok"}})
	convID := env.createConversation(t, "alice")
	c := env.client(t, "alice", nil)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Join(convID))
	waitEvent(t, c, wire.EventJoined)
	first := c.SessionID()

	require.Equal(t, 1, env.srv.Gateway().Disconnect("alice"))

	require.Eventually(t, func() bool {
		return c.State() == StateConnected && c.SessionID() != "" && c.SessionID() != first
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return env.srv.Gateway().RoomSize(convID) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, convID, c.Room())

	// The rejoined room still receives generations.
	_, err := c.Send(wire.SendPrompt{ConversationID: convID, Text: "after", Stream: true})
	require.NoError(t, err)
	waitEvent(t, c, wire.EventGenerationComplete)
}

func TestReconnectMidStreamReconciles(t *testing.T) {
	gate := make(chan struct{})
	env := newChatEnv(t, &gatedBackend{chunks: []string{"Hel", "lo", " world"}, gate: gate})
	convID := env.createConversation(t, "alice")
	c := env.client(t, "alice", func(cfg *Config) {
		cfg.InitialDelay = 300 * time.Millisecond
		cfg.MaxDelay = 300 * time.Millisecond
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Join(convID))
	waitEvent(t, c, wire.EventJoined)

	_, err := c.Send(wire.SendPrompt{ConversationID: convID, Text: "greet me", Stream: true})
	require.NoError(t, err)
	gate <- struct{}{}
	require.Eventually(t, func() bool { return c.Provisional(convID) == "Hel" }, 5*time.Second, 5*time.Millisecond)

	require.Equal(t, 1, env.srv.Gateway().Disconnect("alice"))
	close(gate)

	require.Eventually(t, func() bool {
		if c.State() != StateConnected || c.Provisional(convID) != "" {
			return false
		}
		return len(assistantMessages(c.Messages(convID))) == 1
	}, 5*time.Second, 10*time.Millisecond)

	replies := assistantMessages(c.Messages(convID))
	assert.Equal(t, "Hello world", replies[0].Content)

	hist, err := c.History(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, replies[0].ID, hist.Messages[1].ID)
}

func TestOfflineAfterAttemptBudget(t *testing.T) {
	env := newChatEnv(t, &gatedBackend{chunks: []string{"ok"}})
	c := env.client(t, "alice", func(cfg *Config) { cfg.MaxAttempts = 2 })

	require.NoError(t, c.Connect(context.Background()))
	env.ts.Close()
	env.srv.Gateway().Disconnect("alice")

	waitState(t, c, StateOffline)

	// Intents still queue while offline.
	require.NoError(t, c.Join("later"))
	assert.Equal(t, 1, c.QueueLen())
}

func TestStatesObservable(t *testing.T) {
	env := newChatEnv(t, &gatedBackend{chunks: []string{"ok"}})
	c := env.client(t, "alice", nil)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnecting, <-c.States())
	assert.Equal(t, StateConnected, <-c.States())

	env.srv.Gateway().Disconnect("alice")
	assert.Equal(t, StateReconnecting, <-c.States())
	assert.Equal(t, StateConnected, <-c.States())
}

func TestCloseIsTerminal(t *testing.T) {
	env := newChatEnv(t, &gatedBackend{chunks: []string{"ok"}})
	c := env.client(t, "alice", nil)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	assert.Equal(t, StateDisconnected, c.State())

	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.Join("x"), ErrClosed)
	require.NoError(t, c.Close())

	for range c.States() {
	}
	_, open := <-c.Events()
	for open {
		_, open = <-c.Events()
	}
	require.Eventually(t, func() bool { return env.srv.Gateway().Sessions() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestHistoryErrors(t *testing.T) {
	env := newChatEnv(t, &gatedBackend{chunks: []string{"ok"}})
	convID := env.createConversation(t, "alice")

	bob := env.client(t, "bob", nil)
	_, err := bob.History(context.Background(), convID)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindAuthorization), "got %v", err)

	_, err = bob.History(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindNotFound), "got %v", err)
}
