// Package secrets issues and checks participant API keys.
//
// A key has the form base64(<participantID>).<random>, so the participant can
// be found from the key alone. Only a bcrypt hash of the key is stored, in the
// vault under "<participantID>-apikey".
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
)

// VaultAlias is where the hash of a participant's API key lives.
func VaultAlias(participantID id.ParticipantID) string {
	return participantID.String() + "-apikey"
}

// Generate creates a cryptographically secure random secret.
func Generate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("could not generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewAPIKey returns a fresh key bound to participantID.
func NewAPIKey(participantID id.ParticipantID) (string, error) {
	secret, err := Generate()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString([]byte(participantID)) + "." + secret, nil
}

// WellFormed reports whether key has the base64(<participantID>).<random> shape.
func WellFormed(key string) bool {
	_, err := ParticipantOf(key)
	return err == nil
}

// ParticipantOf extracts the participant id a key was issued for.
func ParticipantOf(key string) (id.ParticipantID, error) {
	prefix, rest, ok := strings.Cut(key, ".")
	if !ok || prefix == "" || rest == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "api key must have the form base64(participantId).secret")
	}
	raw, err := base64.StdEncoding.DecodeString(prefix)
	if err != nil {
		return "", dErrors.New(dErrors.CodeInvalidInput, "api key prefix is not base64")
	}
	return id.ParseParticipantID(string(raw))
}

// HashAPIKey hashes an API key. Keys are longer than bcrypt's 72-byte input
// limit, so the SHA-256 digest is hashed instead.
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "api key cannot be empty")
	}
	return Hash(digest(key))
}

// VerifyAPIKey checks key against a hash produced by HashAPIKey.
func VerifyAPIKey(key, hash string) error {
	return Verify(digest(key), hash)
}

func digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return base64.RawStdEncoding.EncodeToString(sum[:])
}

// Hash creates a bcrypt hash of the provided secret.
func Hash(secret string) (string, error) {
	if secret == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "secret cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", dErrors.New(dErrors.CodeInvalidInput, "secret is too long")
		}
		return "", fmt.Errorf("could not hash secret: %w", err)
	}
	return string(hashed), nil
}

// Verify checks if a plaintext secret matches a bcrypt hash.
func Verify(secret, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return dErrors.New(dErrors.CodeForbidden, "invalid api key")
		}
		return fmt.Errorf("could not verify secret: %w", err)
	}
	return nil
}
