package models

import (
	"slices"
	"strings"
	"time"

	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
)

// State of a participant context.
//
//	CREATED → ACTIVATED → {SUSPENDED ↔ ACTIVATED} → DELETED
//
// DELETED is terminal. CREATED and SUSPENDED participants may also be deleted.
type State string

const (
	StateCreated   State = "CREATED"
	StateActivated State = "ACTIVATED"
	StateSuspended State = "SUSPENDED"
	StateDeleted   State = "DELETED"
)

var transitions = map[State][]State{
	StateCreated:   {StateActivated, StateDeleted},
	StateActivated: {StateSuspended, StateDeleted},
	StateSuspended: {StateActivated, StateDeleted},
}

func (s State) CanTransitionTo(next State) bool {
	return slices.Contains(transitions[s], next)
}

func ParseState(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StateCreated, StateActivated, StateSuspended, StateDeleted:
		return st, nil
	}
	return "", dErrors.Newf(dErrors.CodeInvalidInput, "unknown participant state %q", s)
}

// RoleAdmin marks the administrative participant.
const RoleAdmin = "admin"

// Participant is the aggregate root of one tenant's identity.
//
// Invariants:
//   - ID is stable and never reused
//   - Name is non-empty and at most 128 characters
//   - DID is fixed at creation
//   - State changes only through the Can*/Apply* pairs below
//   - Version increases by one on every stored change
//
// Ownership of keys, the DID document and credentials is by ParticipantID;
// the aggregate itself only tracks lifecycle state.
type Participant struct {
	ID        id.ParticipantID `json:"id"`
	Name      string           `json:"name"`
	DID       id.DID           `json:"did"`
	State     State            `json:"state"`
	Roles     []string         `json:"roles,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Version   int64            `json:"version"`
}

func NewParticipant(participantID id.ParticipantID, name string, did id.DID, roles []string, now time.Time) (*Participant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = participantID.String()
	}
	if len(name) > 128 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "participant name must be 128 characters or less")
	}
	if participantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "participant id cannot be empty")
	}
	if did.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "participant DID cannot be empty")
	}
	return &Participant{
		ID:        participantID,
		Name:      name,
		DID:       did,
		State:     StateCreated,
		Roles:     append([]string(nil), roles...),
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}, nil
}

func (p *Participant) IsActive() bool  { return p.State == StateActivated }
func (p *Participant) IsDeleted() bool { return p.State == StateDeleted }

func (p *Participant) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

func (p *Participant) transitionError(next State) error {
	return dErrors.Newf(dErrors.CodeConflict, "participant %s is %s, cannot become %s", p.ID, p.State, next).
		WithReason(dErrors.ReasonInvalidStateTransition)
}

// RequireActive fails unless the participant may issue and be validated against.
func (p *Participant) RequireActive() error {
	if p.State != StateActivated {
		return dErrors.Newf(dErrors.CodeConflict, "participant %s is %s", p.ID, p.State).
			WithReason(dErrors.ReasonParticipantInactive)
	}
	return nil
}

func (p *Participant) CanActivate() error {
	if !p.State.CanTransitionTo(StateActivated) || p.State != StateCreated {
		return p.transitionError(StateActivated)
	}
	return nil
}

func (p *Participant) ApplyActivation(now time.Time) {
	p.State = StateActivated
	p.UpdatedAt = now
}

func (p *Participant) CanSuspend() error {
	if p.State != StateActivated {
		return p.transitionError(StateSuspended)
	}
	return nil
}

func (p *Participant) ApplySuspension(now time.Time) {
	p.State = StateSuspended
	p.UpdatedAt = now
}

func (p *Participant) CanResume() error {
	if p.State != StateSuspended {
		return p.transitionError(StateActivated)
	}
	return nil
}

func (p *Participant) ApplyResumption(now time.Time) {
	p.State = StateActivated
	p.UpdatedAt = now
}

func (p *Participant) CanDelete() error {
	if !p.State.CanTransitionTo(StateDeleted) {
		return p.transitionError(StateDeleted)
	}
	return nil
}

func (p *Participant) ApplyDeletion(now time.Time) {
	p.State = StateDeleted
	p.UpdatedAt = now
}

func (p *Participant) Clone() *Participant {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Roles = append([]string(nil), p.Roles...)
	return &cp
}
