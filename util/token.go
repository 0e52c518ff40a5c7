package util

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Token is a bearer token presented by API clients.
// Only its hash is ever stored.
type Token [32]byte

// ParseToken parses a base64-encoded token.
func ParseToken(s string) (*Token, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	if len(data) != len(Token{}) {
		return nil, fmt.Errorf("token length must be %d but was %d", len(Token{}), len(data))
	}
	var t Token
	copy(t[:], data)
	return &t, nil
}

func (t Token) String() string {
	return base64.StdEncoding.EncodeToString(t[:])
}

// Hash returns the SHA-256 hash of the token.
func (t Token) Hash() *TokenHash {
	h := TokenHash(sha256.Sum256(t[:]))
	return &h
}

// TokenHash is the stored form of a Token.
type TokenHash [32]byte

// ParseTokenHash parses a hex-encoded token hash.
func ParseTokenHash(s string) (*TokenHash, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding token hash: %w", err)
	}
	if len(data) != len(TokenHash{}) {
		return nil, fmt.Errorf("token hash length must be %d but was %d", len(TokenHash{}), len(data))
	}
	var h TokenHash
	copy(h[:], data)
	return &h, nil
}

func (h TokenHash) String() string {
	return hex.EncodeToString(h[:])
}

// Equal compares two hashes in constant time.
func (h TokenHash) Equal(other TokenHash) bool {
	return subtle.ConstantTimeCompare(h[:], other[:]) == 1
}
