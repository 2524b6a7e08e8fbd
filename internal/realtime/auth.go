package realtime

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/jotbook/realtime/internal/errors"
)

// sessionClaims is what a handshake token must carry: the user id in
// the subject plus an optional device id.
type sessionClaims struct {
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies handshake bearer tokens against the shared
// HMAC secret. Tokens are checked once at handshake, never mid-session.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates a handshake authenticator.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// tokenFromRequest extracts the bearer token from the Authorization
// header or, for browser clients that cannot set headers on a
// WebSocket handshake, the token query parameter.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Authenticate verifies the handshake request and returns the user and
// device the session will run as.
func (a *Authenticator) Authenticate(r *http.Request) (userID, deviceID string, err error) {
	tokenString := tokenFromRequest(r)
	if tokenString == "" {
		return "", "", apperrors.NewAuthenticationError("missing bearer token")
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", "", apperrors.NewAuthenticationError("invalid bearer token")
	}
	if claims.Subject == "" {
		return "", "", apperrors.NewAuthenticationError("token carries no subject")
	}
	return claims.Subject, claims.DeviceID, nil
}

// IssueToken signs a session token. Used by tests and by operators
// minting service tokens.
func (a *Authenticator) IssueToken(claims sessionClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
