// Package crypto hashes and verifies operator API keys.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinKeyLength is the shortest accepted operator key.
const MinKeyLength = 12

// ErrKeyTooShort is returned when hashing a key below MinKeyLength.
var ErrKeyTooShort = fmt.Errorf("operator key must be at least %d characters", MinKeyLength)

// HashKey hashes an operator key using bcrypt.
func HashKey(plain string) (string, error) {
	if len(plain) < MinKeyLength {
		return "", ErrKeyTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash key: %w", err)
	}
	return string(hash), nil
}

// CompareKey reports whether plain matches the stored bcrypt hash.
func CompareKey(hash, plain string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrKeyMismatch
	}
	return err
}

// ErrKeyMismatch is returned when a key does not match its hash.
var ErrKeyMismatch = errors.New("operator key mismatch")

// GenerateKey returns a random hex key of 32 bytes of entropy.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
