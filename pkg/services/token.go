// Package services implements the gateway's business logic: connector
// registration, shared-link management, token authorization, and usage
// accounting.
package services

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// Token prefixes route a bare token string to the right lookup table before
// touching the store.
const (
	ConnectorTokenPrefix = "vlc_"
	ShareTokenPrefix     = "vls_"
)

// tokenEntropyBytes is the random payload size. 32 bytes gives 256 bits of
// entropy, making tokens unguessable and unenumerable.
const tokenEntropyBytes = 32

// NewConnectorToken generates a connector access token: "vlc_" followed by
// 32 random bytes in unpadded URL-safe base64.
func NewConnectorToken() (string, error) {
	return newToken(ConnectorTokenPrefix)
}

// NewShareToken generates a shared-link access token with the "vls_" prefix.
func NewShareToken() (string, error) {
	return newToken(ShareTokenPrefix)
}

func newToken(prefix string) (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// TokenKind classifies a token string by its prefix.
type TokenKind int

const (
	TokenUnknown TokenKind = iota
	TokenConnector
	TokenShare
)

// ClassifyToken inspects a token's prefix. Unknown prefixes are treated as
// unknown tokens by the resolver; the store is never consulted for them.
func ClassifyToken(token string) TokenKind {
	switch {
	case strings.HasPrefix(token, ConnectorTokenPrefix):
		return TokenConnector
	case strings.HasPrefix(token, ShareTokenPrefix):
		return TokenShare
	default:
		return TokenUnknown
	}
}
