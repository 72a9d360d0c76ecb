package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
)

const testSecret = "test-secret-key-minimum-32-characters-long-for-hmac"

func TestIssueAndAuthenticate(t *testing.T) {
	j, err := NewJWT(testSecret, "kubilitics-chat", time.Hour)
	if err != nil {
		t.Fatalf("NewJWT failed: %v", err)
	}

	token, err := j.Issue("user-123", "alice")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	claims, err := j.Authenticate(token)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if claims.UserID != "user-123" {
		t.Errorf("Expected UserID user-123, got %s", claims.UserID)
	}
	if claims.Username != "alice" {
		t.Errorf("Expected Username alice, got %s", claims.Username)
	}
	if claims.ExpiresAt == nil || claims.ExpiresAt.Time.Before(time.Now()) {
		t.Error("Token should expire in the future")
	}
}

func TestNewJWTRequiresSecret(t *testing.T) {
	if _, err := NewJWT("", "", 0); err == nil {
		t.Error("Expected error for empty secret")
	}
	j, err := NewJWT(testSecret, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if j.ttl != DefaultTokenTTL {
		t.Errorf("Expected default ttl, got %v", j.ttl)
	}
}

func TestIssueRequiresUser(t *testing.T) {
	j, _ := NewJWT(testSecret, "", time.Hour)
	if _, err := j.Issue("", "x"); err == nil {
		t.Error("Expected error for empty user id")
	}
}

func TestAuthenticateRejects(t *testing.T) {
	j, _ := NewJWT(testSecret, "kubilitics-chat", time.Hour)
	other, _ := NewJWT("another-secret-that-is-long-enough-000", "kubilitics-chat", time.Hour)
	wrongIssuer, _ := NewJWT(testSecret, "someone-else", time.Hour)
	expired, _ := NewJWT(testSecret, "kubilitics-chat", time.Nanosecond)

	foreign, _ := other.Issue("u", "")
	misissued, _ := wrongIssuer.Issue("u", "")
	stale, _ := expired.Issue("u", "")
	time.Sleep(1100 * time.Millisecond)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "u"})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", foreign},
		{"wrong issuer", misissued},
		{"expired", stale},
		{"alg none", unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := j.Authenticate(tt.token)
			if err == nil {
				t.Fatal("Expected authentication to fail")
			}
			if !types.IsKind(err, types.KindAuthorization) {
				t.Errorf("Expected AuthorizationError, got %v", types.KindOf(err))
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	if got := TokenFromRequest(r); got != "query-token" {
		t.Errorf("Expected query token, got %q", got)
	}

	r.Header.Set("Authorization", "Bearer header-token")
	if got := TokenFromRequest(r); got != "header-token" {
		t.Errorf("Header should win over query, got %q", got)
	}

	r.Header.Set("Authorization", "Basic abc")
	if got := TokenFromRequest(r); got != "" {
		t.Errorf("Non-bearer scheme should yield empty token, got %q", got)
	}
}

func TestClaimsContext(t *testing.T) {
	ctx := context.Background()
	if ClaimsFromContext(ctx) != nil {
		t.Error("Expected nil claims")
	}
	c := &Claims{UserID: "u1"}
	if got := ClaimsFromContext(WithClaims(ctx, c)); got != c {
		t.Errorf("Expected stored claims, got %v", got)
	}
}
