package vtrealtime

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthState is the state of the authorize handshake.
type AuthState int

const (
	AuthNotAttempted AuthState = iota
	AuthPending
	AuthAuthorized
	AuthError
)

func (s AuthState) String() string {
	switch s {
	case AuthNotAttempted:
		return "not_attempted"
	case AuthPending:
		return "pending"
	case AuthAuthorized:
		return "authorized"
	case AuthError:
		return "error"
	default:
		return "unknown"
	}
}

// AuthorizationStatus is a snapshot of the handshake state.
type AuthorizationStatus struct {
	State        AuthState
	HasToken     bool
	ConnectionID string // set after authorize_success
	IsAuthorized bool
	IsPending    bool
	Err          error // *AuthorizationError after authorize_error

	// Subject and ExpiresAt are read from JWT tokens without verifying them.
	Subject   string
	ExpiresAt time.Time
}

type authState struct {
	state        AuthState
	token        string
	connectionID string
	err          error
	info         tokenInfo
	// blocked suppresses reconnection after a rejected token until a new one is set.
	blocked bool
}

func (a *authState) status() AuthorizationStatus {
	return AuthorizationStatus{
		State:        a.state,
		HasToken:     a.token != "",
		ConnectionID: a.connectionID,
		IsAuthorized: a.state == AuthAuthorized,
		IsPending:    a.state == AuthPending,
		Err:          a.err,
		Subject:      a.info.subject,
		ExpiresAt:    a.info.expiresAt,
	}
}

type tokenInfo struct {
	isJWT     bool
	subject   string
	expiresAt time.Time
}

func (t tokenInfo) expired(now time.Time) bool {
	return t.isJWT && !t.expiresAt.IsZero() && now.After(t.expiresAt)
}

// inspectToken decodes JWT claims without checking the signature; the server
// verifies tokens. Opaque tokens yield a zero tokenInfo.
func inspectToken(token string) tokenInfo {
	if strings.Count(token, ".") != 2 {
		return tokenInfo{}
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return tokenInfo{}
	}
	info := tokenInfo{isJWT: true, subject: claims.Subject}
	if claims.ExpiresAt != nil {
		info.expiresAt = claims.ExpiresAt.Time
	}
	return info
}
