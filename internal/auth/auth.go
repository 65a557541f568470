// Package auth resolves app API keys. Keys are stored as SHA-256 hex digests
// and each key belongs to exactly one app.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// KeyPrefix marks generated app keys.
const KeyPrefix = "app-"

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
)

// Authenticator maps key hashes to app ids.
type Authenticator struct {
	apps map[string]string // keyhash -> app id
}

// NewAuthenticator builds an authenticator from app id -> key hashes.
func NewAuthenticator(keys map[string][]string) *Authenticator {
	a := &Authenticator{apps: make(map[string]string)}
	for appID, hashes := range keys {
		for _, h := range hashes {
			a.apps[strings.ToLower(h)] = appID
		}
	}
	return a
}

// Enabled reports whether any key is configured. A nil authenticator is
// disabled.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.apps) > 0
}

// ValidateAPIKey returns the app the key belongs to.
func (a *Authenticator) ValidateAPIKey(apiKey string) (string, error) {
	keyHash := HashAPIKey(apiKey)

	appID, ok := a.apps[keyHash]
	if !ok {
		return "", ErrInvalidKey
	}
	// Constant-time comparison to prevent timing attacks
	for h, id := range a.apps {
		if id == appID && subtle.ConstantTimeCompare([]byte(keyHash), []byte(h)) == 1 {
			return appID, nil
		}
	}
	return "", ErrInvalidKey
}

// ExtractAPIKey extracts the API key from the Authorization header.
func ExtractAPIKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingKey
	}

	// Support "Bearer <key>" format
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	if !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("unsupported authorization scheme")
	}

	return strings.TrimSpace(parts[1]), nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// GenerateKey returns a new random app key.
func GenerateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

type contextKey struct{}

// WithAppID records the app an authenticated request belongs to.
func WithAppID(ctx context.Context, appID string) context.Context {
	return context.WithValue(ctx, contextKey{}, appID)
}

// AppIDFromContext returns the authenticated app, if any.
func AppIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok
}
