package domain

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "idhub/pkg/domain-errors"
)

const maxIDLength = 128

// ParticipantID identifies a participant context. It is stable, never reused,
// and safe to embed in a did:web path segment.
type ParticipantID string

// KeyID identifies a key pair within one participant.
type KeyID string

// CredentialID identifies a verifiable credential (urn:uuid form when
// allocated locally, any non-empty URI when ingested).
type CredentialID string

func (id ParticipantID) String() string { return string(id) }
func (id ParticipantID) IsNil() bool    { return id == "" }

func (id KeyID) String() string { return string(id) }
func (id KeyID) IsNil() bool    { return id == "" }

func (id CredentialID) String() string { return string(id) }
func (id CredentialID) IsNil() bool    { return id == "" }

// NewParticipantID allocates a fresh participant identifier.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

// NewCredentialID allocates a fresh credential identifier.
func NewCredentialID() CredentialID {
	return CredentialID("urn:uuid:" + uuid.NewString())
}

// ParseParticipantID validates a caller-supplied participant identifier.
// Allowed characters are ASCII letters, digits, '.', '_' and '-'.
func ParseParticipantID(s string) (ParticipantID, error) {
	if err := validateToken(s, "participant_id"); err != nil {
		return "", err
	}
	return ParticipantID(s), nil
}

// ParseKeyID validates a key identifier.
func ParseKeyID(s string) (KeyID, error) {
	if err := validateToken(s, "key_id"); err != nil {
		return "", err
	}
	return KeyID(s), nil
}

// ParseCredentialID validates a credential identifier. Credential ids come
// from external issuers so any printable URI-ish string is accepted.
func ParseCredentialID(s string) (CredentialID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "credential_id is required")
	}
	if len(s) > 512 || !utf8.ValidString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "credential_id is malformed")
	}
	if strings.ContainsAny(s, " \t\r\n\x00") {
		return "", dErrors.New(dErrors.CodeInvalidInput, "credential_id contains whitespace or control characters")
	}
	return CredentialID(s), nil
}

func validateToken(s, field string) error {
	if s == "" {
		return dErrors.Newf(dErrors.CodeInvalidInput, "%s is required", field)
	}
	if len(s) > maxIDLength {
		return dErrors.Newf(dErrors.CodeInvalidInput, "%s must be %d characters or less", field, maxIDLength)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return dErrors.Newf(dErrors.CodeInvalidInput, "%s contains invalid characters", field)
		}
	}
	if s == "." || s == ".." {
		return dErrors.Newf(dErrors.CodeInvalidInput, "%s is reserved", field)
	}
	return nil
}
