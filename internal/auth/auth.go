// Package auth verifies bearer tokens and carries the verified identity
// through request contexts. Issuing credentials happens elsewhere.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for a missing or invalid token.
var ErrUnauthenticated = errors.New("unauthenticated")

// Verifier turns a bearer token into an identity.
type Verifier interface {
	Verify(token string) (string, error)
}

// Claims are the token claims. The identity is Username, or Subject when
// Username is empty.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// JWT verifies HS256 tokens signed with a shared secret.
type JWT struct {
	secret []byte
}

// NewJWT returns a verifier for tokens signed with secret.
func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret)}
}

// Verify implements Verifier.
func (v *JWT) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthenticated
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	identity := strings.TrimSpace(claims.Username)
	if identity == "" {
		identity = strings.TrimSpace(claims.Subject)
	}
	if identity == "" {
		return "", fmt.Errorf("%w: token has no identity", ErrUnauthenticated)
	}
	return identity, nil
}

// Sign issues a token for identity that expires after ttl. It exists for
// tests and local tooling.
func (v *JWT) Sign(identity string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Insecure accepts the token itself as the identity. It is only wired in
// development when no signing secret is configured.
type Insecure struct{}

// Verify implements Verifier.
func (Insecure) Verify(token string) (string, error) {
	id := strings.TrimSpace(token)
	if id == "" {
		return "", ErrUnauthenticated
	}
	return id, nil
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// IdentityFromContext returns the identity stored by Middleware.
func IdentityFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// TokenFromRequest reads a bearer token from the Authorization header or,
// for browser WebSocket handshakes, from the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Middleware rejects requests without a valid token with 401 and stores the
// identity in the request context otherwise.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := v.Verify(TokenFromRequest(r))
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "unauthenticated"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}
