// Package auth abstracts the external identity provider. The core only
// needs a token-validity check yielding an opaque subject identifier.
package auth

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned when a bearer token is unknown or expired.
var ErrInvalidToken = errors.New("invalid or expired token")

// Verifier checks an opaque bearer token and returns the subject it
// identifies.
type Verifier interface {
	Verify(ctx context.Context, token string) (subject string, err error)
}

// Compile-time interface satisfaction check.
var _ Verifier = (*StaticVerifier)(nil)

// StaticVerifier validates tokens against a fixed token-to-subject table
// loaded from configuration. It stands in for a real identity provider in
// single-instance deployments and tests.
type StaticVerifier struct {
	tokens map[string]string
}

// NewStaticVerifier creates a verifier over the given token table. The map
// is copied.
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	copied := make(map[string]string, len(tokens))
	for token, subject := range tokens {
		copied[token] = subject
	}
	return &StaticVerifier{tokens: copied}
}

// Verify returns the subject for a known token and ErrInvalidToken otherwise.
func (v *StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	subject, ok := v.tokens[token]
	if !ok || token == "" {
		return "", ErrInvalidToken
	}
	return subject, nil
}
