package audit

import (
	"context"
	"time"

	id "idhub/pkg/domain"
)

// EventCategory classifies audit events by retention and routing needs.
type EventCategory string

const (
	// CategoryCompliance covers lifecycle changes of identities and
	// credentials. These are kept for the full retention period.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers key material changes and rejected proofs.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity such as publishes and
	// successful validations.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. It is
// append-only and transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category      EventCategory
	Timestamp     time.Time
	ParticipantID id.ParticipantID
	// Subject names the resource acted on: a key id, DID or credential id.
	Subject   string
	Action    string
	Decision  string
	Reason    string
	RequestID string
	// ActorID is the caller when it differs from ParticipantID.
	ActorID string
}

type AuditEvent string

const (
	EventParticipantCreated   AuditEvent = "participant_created"
	EventParticipantActivated AuditEvent = "participant_activated"
	EventParticipantSuspended AuditEvent = "participant_suspended"
	EventParticipantResumed   AuditEvent = "participant_resumed"
	EventParticipantDeleted   AuditEvent = "participant_deleted"

	EventKeyGenerated AuditEvent = "key_generated"
	EventKeyRotated   AuditEvent = "key_rotated"
	EventKeyRevoked   AuditEvent = "key_revoked"

	EventDIDMaterialized   AuditEvent = "did_materialized"
	EventDIDPublished      AuditEvent = "did_published"
	EventDIDPublishFailed  AuditEvent = "did_publish_failed"
	EventDIDDeactivated    AuditEvent = "did_deactivated"
	EventStaleReconciled   AuditEvent = "did_stale_reconciled"
	EventAPIKeyRegenerated AuditEvent = "api_key_regenerated"

	EventCredentialIssued    AuditEvent = "credential_issued"
	EventCredentialValidated AuditEvent = "credential_validated"
	EventCredentialRejected  AuditEvent = "credential_rejected"
	EventCredentialRevoked   AuditEvent = "credential_revoked"
	EventCredentialExpired   AuditEvent = "credential_expired"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventParticipantCreated:   CategoryCompliance,
	EventParticipantDeleted:   CategoryCompliance,
	EventParticipantSuspended: CategoryCompliance,
	EventParticipantResumed:   CategoryCompliance,
	EventCredentialIssued:     CategoryCompliance,
	EventCredentialRevoked:    CategoryCompliance,

	EventKeyGenerated:       CategorySecurity,
	EventKeyRotated:         CategorySecurity,
	EventKeyRevoked:         CategorySecurity,
	EventCredentialRejected: CategorySecurity,
	EventAPIKeyRegenerated:  CategorySecurity,
	EventDIDDeactivated:     CategorySecurity,

	EventParticipantActivated: CategoryOperations,
	EventDIDMaterialized:      CategoryOperations,
	EventDIDPublished:         CategoryOperations,
	EventDIDPublishFailed:     CategoryOperations,
	EventStaleReconciled:      CategoryOperations,
	EventCredentialValidated:  CategoryOperations,
	EventCredentialExpired:    CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByParticipant(ctx context.Context, participantID id.ParticipantID) ([]Event, error)
}

// Emitter is what services depend on.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}
