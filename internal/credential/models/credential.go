package models

import (
	"slices"
	"time"

	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
)

// Status of a stored credential.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusActive   Status = "ACTIVE"
	StatusRejected Status = "REJECTED"
	StatusRevoked  Status = "REVOKED"
	StatusExpired  Status = "EXPIRED"
)

// Terminal statuses never change again.
var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusRejected, StatusRevoked, StatusExpired},
	StatusActive:  {StatusRevoked, StatusExpired},
}

func (s Status) CanTransitionTo(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// IsLive reports whether a credential in this status still blocks deletion
// of its issuer or subject.
func (s Status) IsLive() bool {
	return s == StatusPending || s == StatusActive
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusPending, StatusActive, StatusRejected, StatusRevoked, StatusExpired:
		return st, nil
	}
	return "", dErrors.Newf(dErrors.CodeInvalidInput, "unknown credential status %q", s)
}

// Credential is a stored verifiable credential. Credentials are never
// deleted; revocation and expiry are status changes.
//
// Invariants:
//   - Status only moves along transitions
//   - IssuerParticipantID is empty when the issuer is not managed here
//   - Raw is the compact VC-JWT exactly as issued or received
type Credential struct {
	ID                   id.CredentialID  `json:"id"`
	IssuerDID            id.DID           `json:"issuer_did"`
	IssuerParticipantID  id.ParticipantID `json:"issuer_participant_id,omitempty"`
	SubjectDID           id.DID           `json:"subject_did"`
	SubjectParticipantID id.ParticipantID `json:"subject_participant_id,omitempty"`
	Types                []string         `json:"types"`
	Raw                  string           `json:"raw"`
	Status               Status           `json:"status"`
	IssuedAt             time.Time        `json:"issued_at"`
	ExpiresAt            *time.Time       `json:"expires_at,omitempty"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

func (c *Credential) IsExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// InvolvesParticipant reports whether participantID issued or holds c.
func (c *Credential) InvolvesParticipant(participantID id.ParticipantID) bool {
	return c.IssuerParticipantID == participantID || c.SubjectParticipantID == participantID
}

func (c *Credential) CanTransition(next Status) error {
	if !c.Status.CanTransitionTo(next) {
		return dErrors.Newf(dErrors.CodeConflict, "credential %s is %s, cannot become %s", c.ID, c.Status, next).
			WithReason(dErrors.ReasonInvalidStateTransition)
	}
	return nil
}

func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Types = append([]string(nil), c.Types...)
	if c.ExpiresAt != nil {
		exp := *c.ExpiresAt
		cp.ExpiresAt = &exp
	}
	return &cp
}
