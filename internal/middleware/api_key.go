// Package middleware provides request logging and bearer-token
// authentication for the flagtree HTTP and gRPC transports.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiTokenHashCost = bcrypt.DefaultCost

// TokenPrincipal is the principal stored in the request context for callers
// authenticated by a [TokenHash].
const TokenPrincipal = "api-token"

var errTokenMismatch = errors.New("token does not match")

// HashAPIToken returns a salted bcrypt hash for an API token, suitable for
// the API_TOKEN_HASH setting.
func HashAPIToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), apiTokenHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api token: %w", err)
	}
	return string(hash), nil
}

// APITokenMatchesHash compares an API token against a stored bcrypt hash.
func APITokenMatchesHash(expectedHash, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(token)) == nil
}

// TokenHash validates bearer tokens against a single bcrypt hash.
type TokenHash struct {
	hash string
}

// NewTokenHash checks that hash is a bcrypt hash and returns a validator
// for it.
func NewTokenHash(hash string) (*TokenHash, error) {
	hash = strings.TrimSpace(hash)
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("parse api token hash: %w", err)
	}
	return &TokenHash{hash: hash}, nil
}

// ValidateToken implements [TokenValidator].
func (h *TokenHash) ValidateToken(_ context.Context, token string) (string, error) {
	if !APITokenMatchesHash(h.hash, token) {
		return "", errTokenMismatch
	}
	return TokenPrincipal, nil
}
