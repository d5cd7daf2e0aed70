// Package auth verifies bearer tokens and resolves them to a job owner.
package auth

import (
	"errors"
	"strings"
)

var (
	ErrMissingToken    = errors.New("missing bearer token")
	ErrInvalidToken    = errors.New("invalid or expired token")
	ErrNotConfigured   = errors.New("authentication not configured")
	errWrongSigningAlg = errors.New("unexpected signing method")
)

// Identity is the authenticated caller. OwnerID keys jobs and accounts.
type Identity struct {
	OwnerID string
	Email   string
	Name    string
}

// TokenVerifier turns a raw token into an Identity.
type TokenVerifier interface {
	Validate(token string) (*Identity, error)
}

// Chain tries each verifier in order and accepts the first success.
type Chain []TokenVerifier

func (c Chain) Validate(token string) (*Identity, error) {
	if len(c) == 0 {
		return nil, ErrNotConfigured
	}
	err := ErrInvalidToken
	for _, v := range c {
		if v == nil {
			continue
		}
		id, verr := v.Validate(token)
		if verr == nil {
			return id, nil
		}
		err = verr
	}
	return nil, err
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}
