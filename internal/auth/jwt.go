package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
)

var ErrMissingToken = errors.New("missing bearer token")

// DefaultTokenTTL is used when an Authenticator is built with a zero ttl.
const DefaultTokenTTL = 24 * time.Hour

// Claims identifies the authenticated user of a connection or request.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"uid"`
	Username string `json:"username,omitempty"`
}

// Authenticator turns a bearer credential into an identity.
type Authenticator interface {
	Authenticate(token string) (*Claims, error)
}

// JWT issues and validates HS256 tokens.
type JWT struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewJWT returns a JWT authenticator. secret must be non-empty.
func NewJWT(secret, issuer string, ttl time.Duration) (*JWT, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &JWT{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// Issue returns a signed access token for the user.
func (j *JWT) Issue(userID, username string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
			ID:        uuid.NewString(),
		},
		UserID:   userID,
		Username: username,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(j.secret)
}

// Authenticate parses and validates tokenString. Every failure is an
// AuthorizationError.
func (j *JWT) Authenticate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, types.Wrap(types.KindAuthorization, "", ErrMissingToken)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return nil, types.Wrap(types.KindAuthorization, "", err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || claims.UserID == "" {
		return nil, types.Errorf(types.KindAuthorization, "invalid token")
	}
	return claims, nil
}

// TokenFromRequest reads the bearer token from the Authorization header, or
// from the "token" query parameter for browser websocket upgrades.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
