package devserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	oidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier checks the token of an authorize message and returns its subject.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// ErrEmptyToken is returned for a blank token.
var ErrEmptyToken = errors.New("devserver: empty token")

// AnyToken accepts every non-empty token. The token itself is the subject.
type AnyToken struct{}

func (AnyToken) Verify(_ context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

// HMACVerifier verifies HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	Secret   []byte
	Issuer   string
	Audience string
}

func (v *HMACVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return v.Secret, nil }, opts...)
	if err != nil {
		return "", err
	}
	if !tok.Valid {
		return "", jwt.ErrTokenSignatureInvalid
	}
	return claims.Subject, nil
}

// SignHS256 mints a token for subject that HMACVerifier with the same secret accepts.
func SignHS256(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// OIDCVerifier verifies tokens issued by an OpenID provider. ID tokens go
// through the provider's verifier; access tokens are checked against the JWKS
// advertised in the discovery document.
type OIDCVerifier struct {
	issuer   string
	audience string
	verifier *oidc.IDTokenVerifier
	jwks     *keyfunc.JWKS
}

// NewOIDCVerifier discovers issuer. tokenType is "id" or "access".
func NewOIDCVerifier(ctx context.Context, issuer, audience, tokenType string) (*OIDCVerifier, error) {
	prov, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	v := &OIDCVerifier{issuer: issuer, audience: audience}
	if tokenType == "id" {
		v.verifier = prov.Verifier(&oidc.Config{ClientID: audience})
		return v, nil
	}

	var disc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := prov.Claims(&disc); err != nil || disc.JWKSURI == "" {
		return nil, fmt.Errorf("discover jwks_uri: %v", err)
	}
	jwks, err := keyfunc.Get(disc.JWKSURI, keyfunc.Options{
		RefreshInterval: time.Hour,
		RefreshTimeout:  10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	v.jwks = jwks
	return v, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	if v.verifier != nil {
		idt, err := v.verifier.Verify(ctx, token)
		if err != nil {
			return "", err
		}
		return idt.Subject, nil
	}
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(token, claims, v.jwks.Keyfunc, jwt.WithAudience(v.audience), jwt.WithIssuer(v.issuer))
	if err != nil {
		return "", err
	}
	if !tok.Valid {
		return "", jwt.ErrTokenSignatureInvalid
	}
	return claims.Subject, nil
}

// Close stops the background JWKS refresh.
func (v *OIDCVerifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}
