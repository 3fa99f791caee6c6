package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
)

// Algorithm is the JWS algorithm a key signs with.
type Algorithm string

const (
	AlgorithmEdDSA Algorithm = "EdDSA"
	AlgorithmES256 Algorithm = "ES256"
)

// ParseAlgorithm normalizes configuration spellings ("Ed25519", "EC",
// "secp256r1", "P-256") to a supported algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "eddsa", "ed25519":
		return AlgorithmEdDSA, nil
	case "es256", "ec", "secp256r1", "p-256", "p256":
		return AlgorithmES256, nil
	default:
		return "", dErrors.Newf(dErrors.CodeValidation, "algorithm %q is not supported", s).
			WithReason(dErrors.ReasonUnsupportedAlgorithm)
	}
}

// Curve returns the curve name used in DID documents and JWKs.
func (a Algorithm) Curve() string {
	switch a {
	case AlgorithmEdDSA:
		return "Ed25519"
	case AlgorithmES256:
		return "P-256"
	default:
		return ""
	}
}

// Purpose groups keys that replace each other on rotation.
type Purpose string

const PurposeSigning Purpose = "signing"

func ParsePurpose(s string) (Purpose, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PurposeSigning, nil
	}
	if _, err := id.ParseKeyID(s); err != nil {
		return "", dErrors.Newf(dErrors.CodeValidation, "purpose %q is invalid", s)
	}
	return Purpose(s), nil
}

// State of a key pair. Transitions: ACTIVE → ROTATED → REVOKED. ACTIVE →
// REVOKED is reserved for participant deletion.
type State string

const (
	StateActive  State = "ACTIVE"
	StateRotated State = "ROTATED"
	StateRevoked State = "REVOKED"
)

func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StateActive:
		return next == StateRotated || next == StateRevoked
	case StateRotated:
		return next == StateRevoked
	default:
		return false
	}
}

// KeyPair is the public record of a key. Private material lives in the
// vault under PrivateKeyAlias and is never loaded into this struct.
type KeyPair struct {
	ID              id.KeyID         `json:"id"`
	ParticipantID   id.ParticipantID `json:"participant_id"`
	Purpose         Purpose          `json:"purpose"`
	Algorithm       Algorithm        `json:"algorithm"`
	PublicKey       []byte           `json:"public_key"`
	PrivateKeyAlias string           `json:"private_key_alias"`
	State           State            `json:"state"`
	CreatedAt       time.Time        `json:"created_at"`
	RotatedAt       *time.Time       `json:"rotated_at,omitempty"`
	RevokedAt       *time.Time       `json:"revoked_at,omitempty"`
}

// NewKeyID allocates "<purpose>-<uuid>".
func NewKeyID(purpose Purpose) id.KeyID {
	return id.KeyID(string(purpose) + "-" + uuid.NewString())
}

// PrivateKeyAlias is the vault reference for a participant key.
func PrivateKeyAlias(participantID id.ParticipantID, keyID id.KeyID) string {
	return participantID.String() + "-" + keyID.String() + "-alias"
}

func NewKeyPair(participantID id.ParticipantID, purpose Purpose, alg Algorithm, keyID id.KeyID, publicKey []byte, now time.Time) *KeyPair {
	return &KeyPair{
		ID:              keyID,
		ParticipantID:   participantID,
		Purpose:         purpose,
		Algorithm:       alg,
		PublicKey:       append([]byte(nil), publicKey...),
		PrivateKeyAlias: PrivateKeyAlias(participantID, keyID),
		State:           StateActive,
		CreatedAt:       now,
	}
}

func (k *KeyPair) IsActive() bool  { return k.State == StateActive }
func (k *KeyPair) IsRevoked() bool { return k.State == StateRevoked }

// VerificationMethodID is the DID URL a document uses for this key.
func (k *KeyPair) VerificationMethodID(did id.DID) string {
	return did.String() + "#" + k.ID.String()
}

func (k *KeyPair) CanRotate() error {
	if k.State != StateActive {
		return dErrors.Newf(dErrors.CodeConflict, "key %s is %s, only ACTIVE keys rotate", k.ID, k.State).
			WithReason(dErrors.ReasonInvalidStateTransition)
	}
	return nil
}

func (k *KeyPair) ApplyRotation(now time.Time) {
	k.State = StateRotated
	k.RotatedAt = &now
}

// CanRevoke checks the revocation precondition. Active keys may only be
// revoked when force is set (participant deletion); otherwise callers rotate first.
func (k *KeyPair) CanRevoke(force bool) error {
	if k.State == StateActive && !force {
		return dErrors.Newf(dErrors.CodeConflict, "key %s is ACTIVE, rotate it before revoking", k.ID).
			WithReason(dErrors.ReasonInvalidStateTransition)
	}
	if !k.State.CanTransitionTo(StateRevoked) {
		return dErrors.Newf(dErrors.CodeConflict, "key %s is already %s", k.ID, k.State).
			WithReason(dErrors.ReasonInvalidStateTransition)
	}
	return nil
}

func (k *KeyPair) ApplyRevocation(now time.Time) {
	k.State = StateRevoked
	k.RevokedAt = &now
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (k *KeyPair) Clone() *KeyPair {
	if k == nil {
		return nil
	}
	cp := *k
	cp.PublicKey = append([]byte(nil), k.PublicKey...)
	if k.RotatedAt != nil {
		t := *k.RotatedAt
		cp.RotatedAt = &t
	}
	if k.RevokedAt != nil {
		t := *k.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}
