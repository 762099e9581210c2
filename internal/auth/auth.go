// Package auth validates the hub's shared write secret.
//
// It makes no authorization decisions about jobs; that belongs to policy.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrUnauthorized  = errors.New("auth: unauthorized")
	ErrNotConfigured = errors.New("auth: token not configured")
)

const HeaderHubToken = "X-Hub-Token"

// Validator validates a presented token.
type Validator interface {
	Validate(token string) error
}

// StaticToken validates against one shared secret. An empty secret
// rejects everything with ErrNotConfigured.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrNotConfigured
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// TokenFromRequest extracts a bearer token, falling back to X-Hub-Token.
func TokenFromRequest(r *http.Request) string {
	if token := BearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get(HeaderHubToken))
}

// BearerToken parses an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
