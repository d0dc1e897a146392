// Package auth verifies the bearer credentials presented by streaming
// clients. Tokens are EdDSA-signed JWTs issued by the chat server; this
// process only holds the public key and never issues or stores tokens.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer and Audience must match the values the chat server signs with.
	Issuer   = "chat-server"
	Audience = "chat-web"
)

// ErrInvalidToken covers every verification failure: bad signature, wrong
// algorithm, expiry, issuer or audience mismatch.
var ErrInvalidToken = errors.New("auth: invalid token")

// User identifies the authenticated chat user carried in token claims.
type User struct {
	ID       int64  `json:"id"`
	WsID     int64  `json:"wsId"`
	Fullname string `json:"fullname"`
	Email    string `json:"email"`
}

// Claims is the JWT claim set: the user embedded alongside the registered
// claims.
type Claims struct {
	User
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens against the chat server's public key.
type Verifier struct {
	key ed25519.PublicKey
}

// NewVerifier parses a PEM-encoded ed25519 public key. Key material that
// fails to parse is a startup-fatal condition for the caller.
func NewVerifier(pemBytes []byte) (*Verifier, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("auth: no PEM block in public key material")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is %T, want ed25519", parsed)
	}
	return &Verifier{key: key}, nil
}

// Verify checks the token's signature, validity window, issuer, and
// audience, and returns the user it identifies.
func (v *Verifier) Verify(token string) (*User, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (interface{}, error) { return v.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	user := claims.User
	return &user, nil
}

// ---------------------------------------------------------------------------
// HTTP middleware
// ---------------------------------------------------------------------------

type contextKey int

const userKey contextKey = 0

// RequireUser wraps an HTTP handler with bearer-token authentication. The
// credential is read from the Authorization header or, for clients that
// cannot set headers on a stream (EventSource), from the access_token
// query parameter. On failure the request is rejected with 401 before the
// wrapped handler runs.
func RequireUser(v *Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		user, err := v.Verify(token)
		if err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// UserFrom returns the authenticated user stored by RequireUser.
func UserFrom(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userKey).(*User)
	return user, ok
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
