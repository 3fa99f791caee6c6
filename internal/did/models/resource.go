package models

import (
	"time"

	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
)

// State of a DID resource's publication.
type State string

const (
	// StateDraft holds a materialized version not yet handed to the publisher.
	StateDraft State = "DRAFT"
	// StatePublished means Version is the one visible to resolvers.
	StatePublished State = "PUBLISHED"
	// StateStale means the last publish of Version failed.
	StateStale State = "STALE"
)

// DidResource is the managed DID document of one participant.
type DidResource struct {
	DID              id.DID           `json:"did"`
	ParticipantID    id.ParticipantID `json:"participant_id"`
	Document         Document         `json:"document"`
	Services         []Service        `json:"services,omitempty"`
	Version          int64            `json:"version"`
	PublishedVersion int64            `json:"published_version"`
	State            State            `json:"state"`
	LastError        string           `json:"last_error,omitempty"`
	Deactivated      bool             `json:"deactivated"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func NewDidResource(participantID id.ParticipantID, did id.DID, services []Service, doc Document, now time.Time) *DidResource {
	return &DidResource{
		DID:           did,
		ParticipantID: participantID,
		Document:      doc,
		Services:      append([]Service(nil), services...),
		Version:       1,
		State:         StateDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (r *DidResource) IsPublished() bool {
	return r.State == StatePublished && r.PublishedVersion == r.Version
}

func (r *DidResource) IsStale() bool { return r.State == StateStale }

// ApplyDocument installs doc as the next version. It reports false and
// leaves the resource untouched when doc matches the current document.
func (r *DidResource) ApplyDocument(doc Document, now time.Time) bool {
	if r.Document.Equal(doc) {
		return false
	}
	r.Document = doc
	r.Version++
	r.State = StateDraft
	r.LastError = ""
	r.UpdatedAt = now
	return true
}

// CanPublish checks that version is the latest materialized one.
func (r *DidResource) CanPublish(version int64) error {
	if r.Deactivated {
		return dErrors.Newf(dErrors.CodeConflict, "DID %s is deactivated", r.DID).
			WithReason(dErrors.ReasonInvalidStateTransition)
	}
	if version != r.Version {
		return dErrors.Newf(dErrors.CodeConflict, "version %d is not the latest (%d)", version, r.Version).
			WithReason(dErrors.ReasonVersionConflict)
	}
	return nil
}

func (r *DidResource) ApplyPublished(now time.Time) {
	r.State = StatePublished
	r.PublishedVersion = r.Version
	r.LastError = ""
	r.UpdatedAt = now
}

func (r *DidResource) ApplyPublishFailed(cause error, now time.Time) {
	r.State = StateStale
	if cause != nil {
		r.LastError = cause.Error()
	}
	r.UpdatedAt = now
}

func (r *DidResource) ApplyDeactivation(now time.Time) {
	r.Deactivated = true
	r.UpdatedAt = now
}

func (r *DidResource) Clone() *DidResource {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Document = r.Document.Clone()
	cp.Services = append([]Service(nil), r.Services...)
	return &cp
}
