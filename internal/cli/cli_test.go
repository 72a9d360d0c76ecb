package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kubilitics/kubilitics-chat/internal/auth"
	"github.com/kubilitics/kubilitics-chat/internal/config"
	"github.com/kubilitics/kubilitics-chat/internal/db"
	"github.com/kubilitics/kubilitics-chat/internal/generation"
	"github.com/kubilitics/kubilitics-chat/internal/llm/bridge"
	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
	"github.com/kubilitics/kubilitics-chat/internal/server"
)

const cliSecret = "cli-test-secret-0123456789"

type echoBackend struct{}

func (echoBackend) ID() string { return "echo" }

func (echoBackend) Complete(ctx context.Context, req types.Request) (*types.Result, error) {
	last := req.Messages[len(req.Messages)-1].Content
	return &types.Result{Content: "echo: " + last, Model: req.Model}, nil
}

func (echoBackend) Stream(ctx context.Context, req types.Request) (<-chan types.Chunk, error) {
	last := req.Messages[len(req.Messages)-1].Content
	out := make(chan types.Chunk, 3)
	out <- types.Chunk{Text: "echo: "}
	out <- types.Chunk{Text: last}
	out <- types.Chunk{Done: true, Model: req.Model}
	close(out)
	return out, nil
}

func startServer(t *testing.T) string {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = cliSecret
	cfg.RateLimit.RequestsPerMinute = 0
	cfg.RateLimit.PromptsPerMinute = 0

	b := bridge.New(nil)
	b.Register("echo", bridge.Settings{APIKey: "k", DefaultModel: "echo-1"}, bridge.NewStreaming(echoBackend{}))
	genCfg := generation.DefaultConfig()
	genCfg.DefaultProvider = "echo"
	coord := generation.New(store, b, genCfg)

	jwt, err := auth.NewJWT(cliSecret, cfg.Auth.Issuer, time.Hour)
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	srv, err := server.NewServer(cfg, server.Deps{Store: store, Bridge: b, Coordinator: coord, Auth: jwt})
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
	return ts.URL
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	root := NewRootCommandWithIO(out, errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func issue(t *testing.T, user string) string {
	t.Helper()
	out, _, err := execute(t, "token", "--user", user, "--secret", cliSecret)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return strings.TrimSpace(out)
}

func TestTokenCommand(t *testing.T) {
	tok := issue(t, "alice")

	jwt, _ := auth.NewJWT(cliSecret, "kubilitics-chat", time.Hour)
	claims, err := jwt.Authenticate(tok)
	if err != nil {
		t.Fatalf("issued token rejected: %v", err)
	}
	if claims.UserID != "alice" {
		t.Errorf("user = %q, want alice", claims.UserID)
	}
}

func TestTokenSecretFromEnv(t *testing.T) {
	t.Setenv("KUBILITICS_CHAT_AUTH_JWT_SECRET", cliSecret)
	out, _, err := execute(t, "token", "--user", "bob")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if strings.Count(strings.TrimSpace(out), ".") != 2 {
		t.Errorf("output is not a JWT: %q", out)
	}
}

func TestTokenRequiresSecret(t *testing.T) {
	t.Setenv("KUBILITICS_CHAT_AUTH_JWT_SECRET", "")
	if _, _, err := execute(t, "token", "--user", "bob"); err == nil {
		t.Fatal("expected error without a secret")
	}
}

func TestSendAndHistory(t *testing.T) {
	url := startServer(t)
	tok := issue(t, "alice")

	out, errOut, err := execute(t, "--server", url, "--token", tok, "send", "hello", "there")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if strings.TrimSpace(out) != "echo: hello there" {
		t.Errorf("reply = %q", out)
	}
	convID := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(errOut), "conversation"))
	if convID == "" {
		t.Fatalf("conversation id not reported: %q", errOut)
	}

	out, _, err = execute(t, "--server", url, "--token", tok, "send", "--conversation", convID, "--no-stream", "again")
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if strings.TrimSpace(out) != "echo: again" {
		t.Errorf("second reply = %q", out)
	}

	out, _, err = execute(t, "--server", url, "--token", tok, "history", convID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, want := range []string{"messages=4", "[user] hello there", "[assistant] echo: hello there", "[assistant] echo: again"} {
		if !strings.Contains(out, want) {
			t.Errorf("history missing %q:\n%s", want, out)
		}
	}
}

func TestSendForeignConversation(t *testing.T) {
	url := startServer(t)
	alice := issue(t, "alice")
	bob := issue(t, "bob")

	_, errOut, err := execute(t, "--server", url, "--token", alice, "send", "mine")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	convID := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(errOut), "conversation"))

	_, _, err = execute(t, "--server", url, "--token", bob, "send", "--conversation", convID, "intrude")
	if err == nil || !strings.Contains(err.Error(), string(types.KindAuthorization)) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}
