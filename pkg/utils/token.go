package utils

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"regexp"

	"golang.org/x/crypto/blake2b"
)

const (
	MinTokenLength = 32
	MaxTokenLength = 128
	// TokenEntropyBytes is the amount of randomness behind every issued token
	TokenEntropyBytes = 32
)

var (
	tokenCharsetRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+={0,2}$`)
	// guessed or injected tokens tend to carry these words
	tokenDenyRegex = regexp.MustCompile(`(?i)(admin|test|debug|root|null|undefined|script)`)
)

// ValidateToken runs the structural checks that must pass before a token is
// looked up anywhere: length bounds, URL-safe base64 charset and the deny list.
func ValidateToken(token string) bool {
	if len(token) < MinTokenLength || len(token) > MaxTokenLength {
		return false
	}
	if !tokenCharsetRegex.MatchString(token) {
		return false
	}
	return !tokenDenyRegex.MatchString(token)
}

// GenerateToken returns a fresh URL-safe token that passes ValidateToken.
func GenerateToken() (string, error) {
	buf := make([]byte, TokenEntropyBytes)
	for {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		token := base64.URLEncoding.EncodeToString(buf)
		// a random token can still spell a deny-listed word; draw again
		if ValidateToken(token) {
			return token, nil
		}
	}
}

// HashToken derives the storage key for a token so raw tokens are never persisted.
func HashToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
