package authsession

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// SecureRandom is a cryptographically secure byte source.
type SecureRandom = io.Reader

func defaultRandom() SecureRandom {
	return rand.Reader
}

// newState returns a 32-byte hex token used as the CSRF AuthState.
func newState(r SecureRandom) (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// newVerifier returns a PKCE code verifier (43 unreserved characters).
func newVerifier(r SecureRandom) (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("generate verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
