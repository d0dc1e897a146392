package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// newTestKeys generates a throwaway ed25519 pair and returns the signing
// key plus a verifier built from the PEM-encoded public key.
func newTestKeys(t *testing.T) (ed25519.PrivateKey, *Verifier) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	v, err := NewVerifier(pemBytes)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return priv, v
}

func signToken(t *testing.T, priv ed25519.PrivateKey, user User, opts ...func(*Claims)) string {
	t.Helper()

	claims := Claims{
		User: user,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	for _, opt := range opts {
		opt(&claims)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestVerifyRoundTrip(t *testing.T) {
	priv, v := newTestKeys(t)
	token := signToken(t, priv, User{ID: 7, WsID: 1, Fullname: "Alice Chen", Email: "alice@acme.test"})

	user, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if user.ID != 7 || user.WsID != 1 {
		t.Errorf("unexpected user %+v", user)
	}
	if user.Fullname != "Alice Chen" {
		t.Errorf("unexpected fullname %q", user.Fullname)
	}
}

func TestVerifyRejections(t *testing.T) {
	priv, v := newTestKeys(t)
	otherPriv, _ := newTestKeys(t)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not.a.jwt"},
		{"wrong key", signToken(t, otherPriv, User{ID: 1})},
		{"expired", signToken(t, priv, User{ID: 1}, func(c *Claims) {
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		})},
		{"wrong issuer", signToken(t, priv, User{ID: 1}, func(c *Claims) {
			c.Issuer = "someone-else"
		})},
		{"wrong audience", signToken(t, priv, User{ID: 1}, func(c *Claims) {
			c.Audience = jwt.ClaimStrings{"other-app"}
		})},
	}

	for _, tt := range tests {
		if _, err := v.Verify(tt.token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", tt.name, err)
		}
	}
}

func TestRequireUserHeaderAndQuery(t *testing.T) {
	priv, v := newTestKeys(t)
	token := signToken(t, priv, User{ID: 3})

	handler := RequireUser(v, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFrom(r.Context())
		if !ok || user.ID != 3 {
			t.Errorf("user missing from context: %+v", user)
		}
		w.WriteHeader(http.StatusOK)
	}))

	// Authorization header.
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("header auth: expected 200, got %d", rec.Code)
	}

	// access_token query parameter (EventSource cannot set headers).
	req = httptest.NewRequest(http.MethodGet, "/events?access_token="+token, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("query auth: expected 200, got %d", rec.Code)
	}
}

func TestRequireUserRejectsBeforeHandler(t *testing.T) {
	_, v := newTestKeys(t)

	called := false
	handler := RequireUser(v, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	for _, auth := range []string{"", "Bearer bogus", "Basic dXNlcjpwYXNz"} {
		req := httptest.NewRequest(http.MethodGet, "/events", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("auth %q: expected 401, got %d", auth, rec.Code)
		}
	}
	if called {
		t.Error("handler ran for an unauthenticated request")
	}
}
