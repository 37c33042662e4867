package devserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKID = "key-1"

// newIssuer serves a discovery document and a JWKS holding the public half of key.
func newIssuer(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                srv.URL,
			"jwks_uri":                              srv.URL + "/jwks",
			"authorization_endpoint":                srv.URL + "/authorize",
			"token_endpoint":                        srv.URL + "/token",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": testKID,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	})
	return srv.URL
}

func signRS256(t *testing.T, key *rsa.PrivateKey, issuer, audience, subject string) string {
	t.Helper()
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	tok.Header["kid"] = testKID
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestOIDCVerifier(t *testing.T) {
	key := rsaKey(t)
	other := rsaKey(t)
	issuer := newIssuer(t, key)

	for _, tokenType := range []string{"id", "access"} {
		t.Run(tokenType, func(t *testing.T) {
			ctx := context.Background()
			v, err := NewOIDCVerifier(ctx, issuer, "vtuber-client", tokenType)
			if err != nil {
				t.Fatalf("NewOIDCVerifier: %v", err)
			}
			t.Cleanup(v.Close)

			sub, err := v.Verify(ctx, signRS256(t, key, issuer, "vtuber-client", "user-1"))
			if err != nil {
				t.Fatalf("valid token rejected: %v", err)
			}
			if sub != "user-1" {
				t.Errorf("subject = %q, want user-1", sub)
			}

			if _, err := v.Verify(ctx, signRS256(t, key, issuer, "someone-else", "user-1")); err == nil {
				t.Error("token for another audience accepted")
			}
			if _, err := v.Verify(ctx, signRS256(t, other, issuer, "vtuber-client", "user-1")); err == nil {
				t.Error("token signed by an unknown key accepted")
			}
			if _, err := v.Verify(ctx, ""); err != ErrEmptyToken {
				t.Errorf("empty token err = %v, want ErrEmptyToken", err)
			}
		})
	}
}

func TestOIDCVerifier_IssuerMismatch(t *testing.T) {
	key := rsaKey(t)
	issuer := newIssuer(t, key)
	if _, err := NewOIDCVerifier(context.Background(), issuer+"/other", "vtuber-client", "id"); err == nil {
		t.Fatal("expected discovery to fail for an unknown issuer path")
	}
}
